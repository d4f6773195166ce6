package killmails

import (
	"testing"

	"killfeed/internal/killmails/models"

	"github.com/stretchr/testify/assert"
)

func int64p(v int64) *int64 { return &v }

func TestDeriveSoloKill(t *testing.T) {
	k := &models.Killmail{
		Victim:    models.Victim{CorporationID: 1},
		Attackers: []models.Attacker{{CharacterID: int64p(1), DamageDone: 100}},
	}
	Derive(k)

	assert.Equal(t, 1, k.AttackerCount)
	assert.True(t, k.IsSolo)
	assert.False(t, k.IsNPC)
	assert.False(t, k.IsAwox)
	assert.True(t, k.Attackers[0].FinalBlow)
}

func TestDeriveSoloFactionAttackerIsNotSolo(t *testing.T) {
	k := &models.Killmail{
		Victim:    models.Victim{CorporationID: 1},
		Attackers: []models.Attacker{{FactionID: int64p(500001), DamageDone: 50}},
	}
	Derive(k)

	assert.False(t, k.IsSolo)
	assert.True(t, k.IsNPC)
}

func TestDeriveNPCKillWhenNoAttackerHasCharacterID(t *testing.T) {
	k := &models.Killmail{
		Victim: models.Victim{CorporationID: 1},
		Attackers: []models.Attacker{
			{FactionID: int64p(500001), DamageDone: 10},
			{FactionID: int64p(500001), DamageDone: 20},
		},
	}
	Derive(k)

	assert.True(t, k.IsNPC)
	assert.Equal(t, 2, k.AttackerCount)
}

func TestDeriveMixedAttackersIsNotNPC(t *testing.T) {
	k := &models.Killmail{
		Victim: models.Victim{CorporationID: 1},
		Attackers: []models.Attacker{
			{FactionID: int64p(500001), DamageDone: 10},
			{CharacterID: int64p(99), DamageDone: 20},
		},
	}
	Derive(k)

	assert.False(t, k.IsNPC)
}

func TestDeriveAwoxWhenAttackerSharesVictimAlliance(t *testing.T) {
	k := &models.Killmail{
		Victim: models.Victim{CorporationID: 1, AllianceID: int64p(99000001)},
		Attackers: []models.Attacker{
			{CharacterID: int64p(1), AllianceID: int64p(99000001), DamageDone: 10},
		},
	}
	Derive(k)

	assert.True(t, k.IsAwox)
}

func TestDeriveNoAwoxWithoutVictimAlliance(t *testing.T) {
	k := &models.Killmail{
		Victim: models.Victim{CorporationID: 1},
		Attackers: []models.Attacker{
			{CharacterID: int64p(1), AllianceID: int64p(99000001), DamageDone: 10},
		},
	}
	Derive(k)

	assert.False(t, k.IsAwox)
}

func TestAssignFinalBlowRespectsUpstreamFlag(t *testing.T) {
	attackers := []models.Attacker{
		{CharacterID: int64p(1), DamageDone: 1000, FinalBlow: true},
		{CharacterID: int64p(2), DamageDone: 9000},
	}
	assignFinalBlow(attackers)

	assert.True(t, attackers[0].FinalBlow)
	assert.False(t, attackers[1].FinalBlow)
}

func TestAssignFinalBlowFallsBackToHighestDamage(t *testing.T) {
	attackers := []models.Attacker{
		{CharacterID: int64p(1), DamageDone: 10},
		{CharacterID: int64p(2), DamageDone: 500},
		{CharacterID: int64p(3), DamageDone: 200},
	}
	assignFinalBlow(attackers)

	assert.False(t, attackers[0].FinalBlow)
	assert.True(t, attackers[1].FinalBlow)
	assert.False(t, attackers[2].FinalBlow)
}

func TestAssignFinalBlowNoAttackersIsNoop(t *testing.T) {
	var attackers []models.Attacker
	assert.NotPanics(t, func() { assignFinalBlow(attackers) })
}

func TestTopAttacker(t *testing.T) {
	attackers := []models.Attacker{
		{CharacterID: int64p(1), DamageDone: 10},
		{CharacterID: int64p(2), DamageDone: 500, FinalBlow: true},
	}
	top := TopAttacker(attackers)
	if assert.NotNil(t, top) {
		assert.Equal(t, int64(2), *top.CharacterID)
	}
}

func TestTopAttackerNoneFlagged(t *testing.T) {
	attackers := []models.Attacker{{CharacterID: int64p(1), DamageDone: 10}}
	assert.Nil(t, TopAttacker(attackers))
}
