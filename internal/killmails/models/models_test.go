package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func id(v int64) *int64 { return &v }

func TestAllTypeIDsIncludesShipAndNestedItems(t *testing.T) {
	k := &Killmail{
		Victim: Victim{ShipTypeID: id(670)},
		Items: []Item{
			{ItemTypeID: 100, Items: []Item{{ItemTypeID: 101}, {ItemTypeID: 102}}},
			{ItemTypeID: 200},
		},
	}
	assert.Equal(t, []int64{670, 100, 101, 102, 200}, k.AllTypeIDs())
}

func TestAllTypeIDsWithoutShip(t *testing.T) {
	k := &Killmail{Items: []Item{{ItemTypeID: 1}}}
	assert.Equal(t, []int64{1}, k.AllTypeIDs())
}

func TestEntityIDsDedupesAndSkipsNil(t *testing.T) {
	k := &Killmail{
		Victim: Victim{CharacterID: id(1), CorporationID: 10, AllianceID: id(100)},
		Attackers: []Attacker{
			{CharacterID: id(2), CorporationID: id(10), AllianceID: id(100)},
			{CharacterID: id(1), CorporationID: id(20)},
			{CorporationID: id(30)},
		},
	}
	chars, corps, alliances := k.EntityIDs()

	assert.Equal(t, []int64{1, 2}, chars)
	assert.Equal(t, []int64{10, 20, 30}, corps)
	assert.Equal(t, []int64{100}, alliances)
}

func TestEntityIDsEmptyKillmail(t *testing.T) {
	k := &Killmail{}
	chars, corps, alliances := k.EntityIDs()

	assert.Empty(t, chars)
	assert.Empty(t, corps)
	assert.Empty(t, alliances)
}
