// Package entitystats implements the entity-stats aggregator of §4.J: a
// per-(entity_id, entity_kind) rolling counters table, updated with
// additive upserts inside one transaction per killmail.
package entitystats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"killfeed/internal/jobqueue"
	"killfeed/pkg/database"

	"github.com/jackc/pgx/v5"
)

const (
	windowAll = 0
	window90d = 90 * 24 * time.Hour
	window30d = 30 * 24 * time.Hour
	window14d = 14 * 24 * time.Hour
)

// EntityRef names one (id, kind) pair affected by a killmail; decoded from
// killmails.EntityRef without importing that package.
type EntityRef struct {
	EntityID   int64  `json:"entity_id"`
	EntityKind string `json:"entity_kind"`
}

type updatePayload struct {
	KillmailID       int64       `json:"killmail_id"`
	KillTime         time.Time   `json:"kill_time"`
	TotalValue       float64     `json:"total_value"`
	IsSolo           bool        `json:"is_solo"`
	IsNPC            bool        `json:"is_npc"`
	VictimEntities   []EntityRef `json:"victim_entities"`
	AttackerEntities []EntityRef `json:"attacker_entities"`
}

// Store applies rolling counter updates (§4.J).
type Store struct {
	db *database.Postgres
}

func NewStore(db *database.Postgres) *Store {
	return &Store{db: db}
}

// UpdateHandler is the jobqueue.Handler for the entity_stats queue.
func (s *Store) UpdateHandler(ctx context.Context, job jobqueue.Job) error {
	var p updatePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode entity stats payload: %w", err)
	}
	return s.Apply(ctx, p)
}

// Apply increments kill/loss counters and ISK totals for every entity on a
// killmail's victim and attacker sides, all within one transaction (§4.J
// "all updates for a single killmail commit in one transaction").
func (s *Store) Apply(ctx context.Context, p updatePayload) error {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin entity stats update for killmail %d: %w", p.KillmailID, err)
	}
	defer tx.Rollback(ctx)

	age := time.Since(p.KillTime)
	buckets := ageBuckets(age)

	for _, ref := range p.VictimEntities {
		if err := upsert(ctx, tx, ref, buckets, false, p.TotalValue, p.IsNPC, p.KillTime); err != nil {
			return err
		}
	}
	for _, ref := range p.AttackerEntities {
		if err := upsert(ctx, tx, ref, buckets, true, p.TotalValue, p.IsSolo, p.KillTime); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit entity stats update for killmail %d: %w", p.KillmailID, err)
	}
	return nil
}

// ageBuckets returns which rolling windows this kill_time falls within,
// computed once at processing time (§4.J: buckets don't demote themselves
// as time advances).
func ageBuckets(age time.Duration) []time.Duration {
	buckets := []time.Duration{windowAll}
	if age < window90d {
		buckets = append(buckets, window90d)
	}
	if age < window30d {
		buckets = append(buckets, window30d)
	}
	if age < window14d {
		buckets = append(buckets, window14d)
	}
	return buckets
}

// upsert adds one killmail's contribution to a single entity's row. isKill
// selects whether this is the attacker (kill) or victim (loss) side;
// flagged is is_solo for kills and is_npc for losses.
func upsert(ctx context.Context, tx pgx.Tx, ref EntityRef, buckets []time.Duration, isKill bool, totalValue float64, flagged bool, killTime time.Time) error {
	killAll, kill90, kill30, kill14 := 0, 0, 0, 0
	lossAll, loss90, loss30, loss14 := 0, 0, 0, 0
	solo, npcLoss := 0, 0
	iskDestAll, iskDest90, iskDest30, iskDest14 := 0.0, 0.0, 0.0, 0.0
	iskLostAll, iskLost90, iskLost30, iskLost14 := 0.0, 0.0, 0.0, 0.0
	var lastKill, lastLoss *time.Time

	has := func(w time.Duration) bool {
		for _, b := range buckets {
			if b == w {
				return true
			}
		}
		return false
	}

	if isKill {
		killAll = 1
		iskDestAll = totalValue
		if flagged {
			solo = 1
		}
		if has(window90d) {
			kill90, iskDest90 = 1, totalValue
		}
		if has(window30d) {
			kill30, iskDest30 = 1, totalValue
		}
		if has(window14d) {
			kill14, iskDest14 = 1, totalValue
		}
		lastKill = &killTime
	} else {
		lossAll = 1
		iskLostAll = totalValue
		if flagged {
			npcLoss = 1
		}
		if has(window90d) {
			loss90, iskLost90 = 1, totalValue
		}
		if has(window30d) {
			loss30, iskLost30 = 1, totalValue
		}
		if has(window14d) {
			loss14, iskLost14 = 1, totalValue
		}
		lastLoss = &killTime
	}

	_, err := tx.Exec(ctx,
		`INSERT INTO entity_stats_cache (
		   entity_id, entity_kind,
		   kills_all, kills_90d, kills_30d, kills_14d,
		   losses_all, losses_90d, losses_30d, losses_14d,
		   isk_destroyed_all, isk_destroyed_90d, isk_destroyed_30d, isk_destroyed_14d,
		   isk_lost_all, isk_lost_90d, isk_lost_30d, isk_lost_14d,
		   solo_kills, npc_losses, last_kill_time, last_loss_time
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		 ON CONFLICT (entity_id, entity_kind) DO UPDATE SET
		   kills_all = entity_stats_cache.kills_all + EXCLUDED.kills_all,
		   kills_90d = entity_stats_cache.kills_90d + EXCLUDED.kills_90d,
		   kills_30d = entity_stats_cache.kills_30d + EXCLUDED.kills_30d,
		   kills_14d = entity_stats_cache.kills_14d + EXCLUDED.kills_14d,
		   losses_all = entity_stats_cache.losses_all + EXCLUDED.losses_all,
		   losses_90d = entity_stats_cache.losses_90d + EXCLUDED.losses_90d,
		   losses_30d = entity_stats_cache.losses_30d + EXCLUDED.losses_30d,
		   losses_14d = entity_stats_cache.losses_14d + EXCLUDED.losses_14d,
		   isk_destroyed_all = entity_stats_cache.isk_destroyed_all + EXCLUDED.isk_destroyed_all,
		   isk_destroyed_90d = entity_stats_cache.isk_destroyed_90d + EXCLUDED.isk_destroyed_90d,
		   isk_destroyed_30d = entity_stats_cache.isk_destroyed_30d + EXCLUDED.isk_destroyed_30d,
		   isk_destroyed_14d = entity_stats_cache.isk_destroyed_14d + EXCLUDED.isk_destroyed_14d,
		   isk_lost_all = entity_stats_cache.isk_lost_all + EXCLUDED.isk_lost_all,
		   isk_lost_90d = entity_stats_cache.isk_lost_90d + EXCLUDED.isk_lost_90d,
		   isk_lost_30d = entity_stats_cache.isk_lost_30d + EXCLUDED.isk_lost_30d,
		   isk_lost_14d = entity_stats_cache.isk_lost_14d + EXCLUDED.isk_lost_14d,
		   solo_kills = entity_stats_cache.solo_kills + EXCLUDED.solo_kills,
		   npc_losses = entity_stats_cache.npc_losses + EXCLUDED.npc_losses,
		   last_kill_time = GREATEST(entity_stats_cache.last_kill_time, EXCLUDED.last_kill_time),
		   last_loss_time = GREATEST(entity_stats_cache.last_loss_time, EXCLUDED.last_loss_time)`,
		ref.EntityID, ref.EntityKind,
		killAll, kill90, kill30, kill14,
		lossAll, loss90, loss30, loss14,
		iskDestAll, iskDest90, iskDest30, iskDest14,
		iskLostAll, iskLost90, iskLost30, iskLost14,
		solo, npcLoss, lastKill, lastLoss,
	)
	if err != nil {
		return fmt.Errorf("upsert entity stats for %s %d: %w", ref.EntityKind, ref.EntityID, err)
	}
	return nil
}
