package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilterSetEmptyMatchesEverything(t *testing.T) {
	fs := NewFilterSet(nil, nil, nil)
	assert.True(t, fs.Matches(nil, nil))
}

func TestFilterSetMatchesFollowedCharacter(t *testing.T) {
	fs := NewFilterSet([]int64{123}, nil, nil)
	victim := []EntityRef{{ID: 123, Kind: "character"}}
	assert.True(t, fs.Matches(victim, nil))
}

func TestFilterSetMatchesFollowedAttackerAlliance(t *testing.T) {
	fs := NewFilterSet(nil, nil, []int64{99000001})
	attackers := []EntityRef{{ID: 99000001, Kind: "alliance"}}
	assert.True(t, fs.Matches(nil, attackers))
}

func TestFilterSetNoMatch(t *testing.T) {
	fs := NewFilterSet([]int64{1}, []int64{2}, []int64{3})
	victim := []EntityRef{{ID: 999, Kind: "character"}}
	assert.False(t, fs.Matches(victim, nil))
}

func TestRefsOfSkipsNilFields(t *testing.T) {
	cid := int64(5)
	refs := refsOf(refEnvelope{CharacterID: &cid})
	assert.Equal(t, []EntityRef{{ID: 5, Kind: "character"}}, refs)
}

func TestEnvelopeAttackerRefsFlattensAll(t *testing.T) {
	cid1, cid2 := int64(1), int64(2)
	env := envelope{
		Attackers: []refEnvelope{
			{CharacterID: &cid1},
			{CharacterID: &cid2},
		},
	}
	assert.Len(t, env.attackerRefs(), 2)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "unknown", State(99).String())
}
