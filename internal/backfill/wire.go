package backfill

import (
	"time"

	"killfeed/internal/killmails/models"
)

// wireKillmail mirrors the export endpoint's per-killmail body shape.
// Declared locally rather than imported, matching the same convention used
// by internal/killmails/fetchhandler.go and internal/realtime/direct.go:
// the domain models carry no json tags since they are never themselves
// marshaled over the wire.
type wireKillmail struct {
	KillmailID int64          `json:"killmail_id"`
	Hash       string         `json:"killmail_hash"`
	KillTime   time.Time      `json:"killmail_time"`
	SystemID   int64          `json:"solar_system_id"`
	Victim     wireVictim     `json:"victim"`
	Attackers  []wireAttacker `json:"attackers"`
}

type wireVictim struct {
	CharacterID   *int64     `json:"character_id"`
	CorporationID int64      `json:"corporation_id"`
	AllianceID    *int64     `json:"alliance_id"`
	FactionID     *int64     `json:"faction_id"`
	ShipTypeID    *int64     `json:"ship_type_id"`
	DamageTaken   int64      `json:"damage_taken"`
	Items         []wireItem `json:"items"`
}

type wireAttacker struct {
	CharacterID   *int64 `json:"character_id"`
	CorporationID *int64 `json:"corporation_id"`
	AllianceID    *int64 `json:"alliance_id"`
	FactionID     *int64 `json:"faction_id"`
	WeaponTypeID  *int64 `json:"weapon_type_id"`
	ShipTypeID    *int64 `json:"ship_type_id"`
	DamageDone    int64  `json:"damage_done"`
	FinalBlow     bool   `json:"final_blow"`
}

type wireItem struct {
	ItemTypeID int64      `json:"item_type_id"`
	Flag       int        `json:"flag"`
	Quantity   int64      `json:"quantity_destroyed"`
	Singleton  int        `json:"singleton"`
	Dropped    bool       `json:"dropped"`
	Destroyed  bool       `json:"destroyed"`
	Items      []wireItem `json:"items"`
}

func (w wireKillmail) toDomain() *models.Killmail {
	return &models.Killmail{
		UpstreamID:    w.KillmailID,
		Hash:          w.Hash,
		KillTime:      w.KillTime,
		SolarSystemID: w.SystemID,
		Victim: models.Victim{
			CharacterID:   w.Victim.CharacterID,
			CorporationID: w.Victim.CorporationID,
			AllianceID:    w.Victim.AllianceID,
			FactionID:     w.Victim.FactionID,
			ShipTypeID:    w.Victim.ShipTypeID,
			DamageTaken:   w.Victim.DamageTaken,
		},
		Attackers: attackersToDomain(w.Attackers),
		Items:     itemsToDomain(w.Victim.Items),
	}
}

func attackersToDomain(wa []wireAttacker) []models.Attacker {
	out := make([]models.Attacker, 0, len(wa))
	for _, a := range wa {
		out = append(out, models.Attacker{
			CharacterID:   a.CharacterID,
			CorporationID: a.CorporationID,
			AllianceID:    a.AllianceID,
			FactionID:     a.FactionID,
			WeaponTypeID:  a.WeaponTypeID,
			ShipTypeID:    a.ShipTypeID,
			DamageDone:    a.DamageDone,
			FinalBlow:     a.FinalBlow,
		})
	}
	return out
}

func itemsToDomain(wi []wireItem) []models.Item {
	out := make([]models.Item, 0, len(wi))
	for _, it := range wi {
		out = append(out, models.Item{
			ItemTypeID: it.ItemTypeID,
			Flag:       it.Flag,
			Quantity:   it.Quantity,
			Singleton:  it.Singleton,
			Dropped:    it.Dropped,
			Destroyed:  it.Destroyed,
			Items:      itemsToDomain(it.Items),
		})
	}
	return out
}
