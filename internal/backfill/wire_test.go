package backfill

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleExportRow = `{
	"killmail_id": 555,
	"killmail_hash": "deadbeef",
	"killmail_time": "2026-02-01T00:00:00Z",
	"solar_system_id": 30000142,
	"victim": {
		"character_id": 10,
		"corporation_id": 20,
		"ship_type_id": 670,
		"damage_taken": 100,
		"items": [
			{"item_type_id": 1, "flag": 5, "quantity_destroyed": 1, "dropped": true}
		]
	},
	"attackers": [
		{"character_id": 30, "damage_done": 100, "final_blow": true}
	]
}`

func TestWireKillmailToDomainFromExportRow(t *testing.T) {
	var w wireKillmail
	require.NoError(t, json.Unmarshal([]byte(sampleExportRow), &w))

	k := w.toDomain()

	assert.Equal(t, int64(555), k.UpstreamID)
	assert.Equal(t, "deadbeef", k.Hash)
	assert.Equal(t, int64(20), k.Victim.CorporationID)
	require.Len(t, k.Items, 1)
	assert.True(t, k.Items[0].Dropped)
	require.Len(t, k.Attackers, 1)
	assert.True(t, k.Attackers[0].FinalBlow)
}

func TestItemsToDomainPreservesNesting(t *testing.T) {
	items := itemsToDomain([]wireItem{
		{ItemTypeID: 1, Items: []wireItem{{ItemTypeID: 2}}},
	})
	require.Len(t, items, 1)
	require.Len(t, items[0].Items, 1)
	assert.Equal(t, int64(2), items[0].Items[0].ItemTypeID)
}

func TestAttackersToDomainEmpty(t *testing.T) {
	assert.Empty(t, attackersToDomain(nil))
}
