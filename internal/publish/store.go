// Package publish implements the downstream publish step of §4.I step 6
// and §6 "Downstream publish channel": assembling the enriched JSON
// document and putting it on the killmails pub/sub topic.
package publish

import (
	"context"
	"encoding/json"
	"fmt"

	"killfeed/internal/entities"
	"killfeed/internal/jobqueue"
	"killfeed/internal/killmails"
	"killfeed/pkg/database"
)

const topic = "killmails"

// document is the JSON shape published on the killmails topic: the
// persisted killmail joined with entity names, per §6.
type document struct {
	KillmailID     int64   `json:"killmail_id"`
	Hash           string  `json:"hash"`
	KillTime       string  `json:"kill_time"`
	SolarSystemID  int64   `json:"solar_system_id"`
	AttackerCount  int     `json:"attacker_count"`
	IsSolo         bool    `json:"is_solo"`
	IsNPC          bool    `json:"is_npc"`
	IsAwox         bool    `json:"is_awox"`
	ShipValue      float64 `json:"ship_value"`
	FittedValue    float64 `json:"fitted_value"`
	DroppedValue   float64 `json:"dropped_value"`
	DestroyedValue float64 `json:"destroyed_value"`
	TotalValue     float64 `json:"total_value"`
	Victim         documentVictim   `json:"victim"`
	Attackers      []documentAttacker `json:"attackers"`
}

type documentVictim struct {
	CharacterName   *string `json:"character_name"`
	CorporationName string  `json:"corporation_name"`
	AllianceName    *string `json:"alliance_name"`
	ShipName        *string `json:"ship_name"`
}

type documentAttacker struct {
	CharacterName   *string `json:"character_name"`
	CorporationName *string `json:"corporation_name"`
	AllianceName    *string `json:"alliance_name"`
	ShipName        *string `json:"ship_name"`
	FinalBlow       bool    `json:"final_blow"`
}

// Store assembles and publishes enriched killmail documents.
type Store struct {
	repo     *killmails.Repository
	entities *entities.Store
	redis    *database.Redis
}

func NewStore(repo *killmails.Repository, ent *entities.Store, redis *database.Redis) *Store {
	return &Store{repo: repo, entities: ent, redis: redis}
}

// PublishHandler is the jobqueue.Handler for the publish queue.
func (s *Store) PublishHandler(ctx context.Context, job jobqueue.Job) error {
	var p struct {
		KillmailID int64 `json:"killmail_id"`
	}
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode publish payload: %w", err)
	}
	return s.Publish(ctx, p.KillmailID)
}

// Publish loads the killmail, joins entity and ship names through the
// entities.Store getters, and publishes the resulting document on the
// killmails topic. Those getters return the stored row when it is fresh and
// otherwise fetch from upstream, so a publish can itself trigger upstream
// calls; a lookup that fails leaves that name out of the document.
func (s *Store) Publish(ctx context.Context, killmailID int64) error {
	k, err := s.repo.Load(ctx, killmailID)
	if err != nil {
		return fmt.Errorf("load killmail %d for publish: %w", killmailID, err)
	}

	doc := document{
		KillmailID:     k.UpstreamID,
		Hash:           k.Hash,
		KillTime:       k.KillTime.UTC().Format("2006-01-02T15:04:05Z"),
		SolarSystemID:  k.SolarSystemID,
		AttackerCount:  k.AttackerCount,
		IsSolo:         k.IsSolo,
		IsNPC:          k.IsNPC,
		IsAwox:         k.IsAwox,
		ShipValue:      k.ShipValue,
		FittedValue:    k.FittedValue,
		DroppedValue:   k.DroppedValue,
		DestroyedValue: k.DestroyedValue,
		TotalValue:     k.TotalValue,
	}

	if k.Victim.CharacterID != nil {
		if c, err := s.entities.GetCharacter(ctx, *k.Victim.CharacterID); err == nil && c != nil {
			doc.Victim.CharacterName = &c.Name
		}
	}
	if corp, err := s.entities.GetCorporation(ctx, k.Victim.CorporationID); err == nil && corp != nil {
		doc.Victim.CorporationName = corp.Name
	}
	if k.Victim.AllianceID != nil {
		if a, err := s.entities.GetAlliance(ctx, *k.Victim.AllianceID); err == nil && a != nil {
			doc.Victim.AllianceName = &a.Name
		}
	}
	if k.Victim.ShipTypeID != nil {
		if t, err := s.entities.GetType(ctx, *k.Victim.ShipTypeID); err == nil && t != nil {
			doc.Victim.ShipName = &t.Name
		}
	}

	doc.Attackers = make([]documentAttacker, 0, len(k.Attackers))
	for _, a := range k.Attackers {
		da := documentAttacker{FinalBlow: a.FinalBlow}
		if a.CharacterID != nil {
			if c, err := s.entities.GetCharacter(ctx, *a.CharacterID); err == nil && c != nil {
				da.CharacterName = &c.Name
			}
		}
		if a.CorporationID != nil {
			if corp, err := s.entities.GetCorporation(ctx, *a.CorporationID); err == nil && corp != nil {
				da.CorporationName = &corp.Name
			}
		}
		if a.AllianceID != nil {
			if al, err := s.entities.GetAlliance(ctx, *a.AllianceID); err == nil && al != nil {
				da.AllianceName = &al.Name
			}
		}
		if a.ShipTypeID != nil {
			if t, err := s.entities.GetType(ctx, *a.ShipTypeID); err == nil && t != nil {
				da.ShipName = &t.Name
			}
		}
		doc.Attackers = append(doc.Attackers, da)
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal killmail document %d: %w", killmailID, err)
	}

	if err := s.redis.Publish(ctx, topic, body); err != nil {
		return fmt.Errorf("publish killmail %d: %w", killmailID, err)
	}
	return nil
}
