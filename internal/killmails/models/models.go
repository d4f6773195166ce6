// Package models holds the killmail aggregate: parent, victim, attackers,
// and (possibly nested) items, mirroring §3 DATA MODEL.
package models

import "time"

// Killmail is the parent row (§3 "Killmail (parent)"). Value fields start
// at zero and are filled in asynchronously by the value calculator.
type Killmail struct {
	ID             int64
	UpstreamID     int64
	Hash           string
	KillTime       time.Time
	SolarSystemID  int64
	AttackerCount  int
	IsSolo         bool
	IsNPC          bool
	IsAwox         bool
	ShipValue      float64
	FittedValue    float64
	DroppedValue   float64
	DestroyedValue float64
	TotalValue     float64
	CreatedAt      time.Time
	UpdatedAt      time.Time

	Victim    Victim
	Attackers []Attacker
	Items     []Item
}

// Victim is 1:1 with a killmail.
type Victim struct {
	CharacterID   *int64
	CorporationID int64
	AllianceID    *int64
	FactionID     *int64
	ShipTypeID    *int64
	DamageTaken   int64
	PosX, PosY, PosZ *float64
}

// Attacker is 1:N with a killmail; exactly one has FinalBlow = true.
type Attacker struct {
	CharacterID   *int64
	CorporationID *int64
	AllianceID    *int64
	FactionID     *int64
	WeaponTypeID  *int64
	ShipTypeID    *int64
	DamageDone    int64
	FinalBlow     bool
}

// Item is 1:N with a killmail, optionally nested (container contents). A
// parent item with Items contributes no value of its own.
type Item struct {
	ItemTypeID int64
	Flag       int
	Quantity   int64
	Singleton  int
	Dropped    bool
	Destroyed  bool
	Items      []Item
}

// AllTypeIDs flattens ship + every item type id referenced by the killmail,
// including nested container contents, for fan-out and value calculation.
func (k *Killmail) AllTypeIDs() []int64 {
	var ids []int64
	if k.Victim.ShipTypeID != nil {
		ids = append(ids, *k.Victim.ShipTypeID)
	}
	var walk func([]Item)
	walk = func(items []Item) {
		for _, it := range items {
			ids = append(ids, it.ItemTypeID)
			walk(it.Items)
		}
	}
	walk(k.Items)
	return ids
}

// FanOutTypeIDs returns every distinct type id the ingestor must schedule
// type-fetch and price-fetch jobs for (§4.G step 6: "ships, weapons,
// items"): victim ship, every attacker's ship and weapon, and every item
// including nested container contents. AllTypeIDs covers only the victim
// ship's value inputs and is not a substitute for this.
func (k *Killmail) FanOutTypeIDs() []int64 {
	ids := k.AllTypeIDs()
	for _, a := range k.Attackers {
		if a.ShipTypeID != nil {
			ids = append(ids, *a.ShipTypeID)
		}
		if a.WeaponTypeID != nil {
			ids = append(ids, *a.WeaponTypeID)
		}
	}
	return dedupInt64(ids)
}

// EntityIDs returns every distinct character/corporation/alliance id
// referenced by the victim and attackers, for entity-fetch fan-out (§4.G
// step 6) and entity-stats updates (§4.J).
func (k *Killmail) EntityIDs() (characters, corporations, alliances []int64) {
	add := func(dst *[]int64, id *int64) {
		if id != nil {
			*dst = append(*dst, *id)
		}
	}
	add(&characters, k.Victim.CharacterID)
	corporations = append(corporations, k.Victim.CorporationID)
	add(&alliances, k.Victim.AllianceID)
	for _, a := range k.Attackers {
		add(&characters, a.CharacterID)
		add(&corporations, a.CorporationID)
		add(&alliances, a.AllianceID)
	}
	return dedupInt64(characters), dedupInt64(corporations), dedupInt64(alliances)
}

func dedupInt64(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if id == 0 {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
