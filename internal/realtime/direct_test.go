package realtime

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleWireKillmail = `{
	"killmail_id": 12345,
	"killmail_hash": "abc123",
	"killmail_time": "2026-01-15T10:00:00Z",
	"solar_system_id": 30000142,
	"victim": {
		"character_id": 1001,
		"corporation_id": 2001,
		"alliance_id": 3001,
		"ship_type_id": 670,
		"damage_taken": 5000,
		"items": [
			{"item_type_id": 100, "flag": 5, "quantity_destroyed": 1, "destroyed": true,
			 "items": [{"item_type_id": 101, "flag": 0, "quantity_destroyed": 2}]}
		]
	},
	"attackers": [
		{"character_id": 2002, "corporation_id": 2001, "damage_done": 5000, "final_blow": true}
	]
}`

func TestWireKillmailToDomain(t *testing.T) {
	var w wireKillmail
	require.NoError(t, json.Unmarshal([]byte(sampleWireKillmail), &w))

	k := w.toDomain()

	assert.Equal(t, int64(12345), k.UpstreamID)
	assert.Equal(t, "abc123", k.Hash)
	assert.Equal(t, int64(30000142), k.SolarSystemID)
	require.NotNil(t, k.Victim.CharacterID)
	assert.Equal(t, int64(1001), *k.Victim.CharacterID)
	assert.Equal(t, int64(2001), k.Victim.CorporationID)

	require.Len(t, k.Items, 1)
	assert.Equal(t, int64(100), k.Items[0].ItemTypeID)
	require.Len(t, k.Items[0].Items, 1)
	assert.Equal(t, int64(101), k.Items[0].Items[0].ItemTypeID)

	require.Len(t, k.Attackers, 1)
	assert.True(t, k.Attackers[0].FinalBlow)
	assert.Equal(t, int64(5000), k.Attackers[0].DamageDone)
}

func TestVictimRefsOfIncludesOptionalFields(t *testing.T) {
	var w wireKillmail
	require.NoError(t, json.Unmarshal([]byte(sampleWireKillmail), &w))
	k := w.toDomain()

	refs := victimRefsOf(*k)
	assert.Contains(t, refs, EntityRef{ID: 1001, Kind: "character"})
	assert.Contains(t, refs, EntityRef{ID: 2001, Kind: "corporation"})
	assert.Contains(t, refs, EntityRef{ID: 3001, Kind: "alliance"})
}

func TestAttackerRefsOf(t *testing.T) {
	var w wireKillmail
	require.NoError(t, json.Unmarshal([]byte(sampleWireKillmail), &w))
	k := w.toDomain()

	refs := attackerRefsOf(*k)
	assert.Contains(t, refs, EntityRef{ID: 2002, Kind: "character"})
}
