package killmails

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"killfeed/internal/jobqueue"
	"killfeed/internal/killmails/models"
)

// Queues touched by the ingestor's post-commit fan-out (§4.G step 6).
const (
	QueueEntityRefresh = "entity_refresh"
	QueuePriceFetch    = "price_fetch"
	QueueValueCalc     = "value_calc"
	QueuePublish       = "publish"
	QueueEntityStats   = "entity_stats"
)

// Job payloads dispatched by the ingestor. Workers in their respective
// packages unmarshal these.
type EntityRefreshPayload struct {
	EntityID   int64  `json:"entity_id"`
	EntityKind string `json:"entity_kind"`
}

type PriceFetchPayload struct {
	TypeID int64 `json:"type_id"`
}

type ValueCalcPayload struct {
	KillmailID int64     `json:"killmail_id"`
	KillTime   time.Time `json:"kill_time"`
}

type PublishPayload struct {
	KillmailID int64 `json:"killmail_id"`
}

type EntityStatsPayload struct {
	KillmailID     int64   `json:"killmail_id"`
	KillTime       time.Time `json:"kill_time"`
	TotalValue     float64 `json:"total_value"`
	IsSolo         bool    `json:"is_solo"`
	IsNPC          bool    `json:"is_npc"`
	VictimEntities []EntityRef `json:"victim_entities"`
	AttackerEntities []EntityRef `json:"attacker_entities"`
}

// EntityRef names one (id, kind) pair affected by a killmail, for the
// entity-stats fan-out job.
type EntityRef struct {
	EntityID   int64  `json:"entity_id"`
	EntityKind string `json:"entity_kind"`
}

// Ingestor implements §4.G: dedup, derive, insert, commit, then fan out
// enrichment work onto the job queue.
type Ingestor struct {
	repo  *Repository
	queue *jobqueue.Queue
}

func NewIngestor(repo *Repository, queue *jobqueue.Queue) *Ingestor {
	return &Ingestor{repo: repo, queue: queue}
}

// Ingest runs the full critical-path flow for one killmail. Returns the
// killmail's database id. inserted is false when the upstream id already
// existed (dedup hit) — in that case only updated_at advances and no
// fan-out occurs.
func (in *Ingestor) Ingest(ctx context.Context, k *models.Killmail) (id int64, inserted bool, err error) {
	existing, err := in.repo.FindByUpstreamID(ctx, k.UpstreamID)
	if err != nil {
		return 0, false, fmt.Errorf("dedup check for upstream id %d: %w", k.UpstreamID, err)
	}
	if existing != 0 {
		if err := in.repo.TouchUpdatedAt(ctx, existing); err != nil {
			return 0, false, fmt.Errorf("touch updated_at for killmail %d: %w", existing, err)
		}
		return existing, false, nil
	}

	Derive(k)

	id, inserted, err = in.repo.Insert(ctx, k)
	if err != nil {
		return 0, false, fmt.Errorf("insert killmail %d: %w", k.UpstreamID, err)
	}
	if !inserted {
		// Lost a race against a concurrent ingest of the same upstream id.
		return id, false, nil
	}
	k.ID = id

	if err := in.fanOut(ctx, k); err != nil {
		slog.ErrorContext(ctx, "killmail fan-out failed", "killmail_id", id, "error", err)
		return id, true, fmt.Errorf("fan out killmail %d: %w", id, err)
	}
	return id, true, nil
}

// fanOut dispatches the five enrichment job families named by §4.G step 6.
// Each is content-keyed so that a killmail batch referencing the same
// entity or type repeatedly produces one job (§4.E, §4.G idempotence note).
func (in *Ingestor) fanOut(ctx context.Context, k *models.Killmail) error {
	characters, corporations, alliances := k.EntityIDs()

	for _, id := range characters {
		if _, err := in.queue.Dispatch(ctx, QueueEntityRefresh, "character", EntityRefreshPayload{EntityID: id, EntityKind: "character"},
			jobqueue.DispatchOptions{DedupKey: entityDedupKey("character", id)}); err != nil {
			return fmt.Errorf("dispatch character refresh %d: %w", id, err)
		}
	}
	for _, id := range corporations {
		if _, err := in.queue.Dispatch(ctx, QueueEntityRefresh, "corporation", EntityRefreshPayload{EntityID: id, EntityKind: "corporation"},
			jobqueue.DispatchOptions{DedupKey: entityDedupKey("corporation", id)}); err != nil {
			return fmt.Errorf("dispatch corporation refresh %d: %w", id, err)
		}
	}
	for _, id := range alliances {
		if _, err := in.queue.Dispatch(ctx, QueueEntityRefresh, "alliance", EntityRefreshPayload{EntityID: id, EntityKind: "alliance"},
			jobqueue.DispatchOptions{DedupKey: entityDedupKey("alliance", id)}); err != nil {
			return fmt.Errorf("dispatch alliance refresh %d: %w", id, err)
		}
	}

	for _, typeID := range k.FanOutTypeIDs() {
		if _, err := in.queue.Dispatch(ctx, QueueEntityRefresh, "type", EntityRefreshPayload{EntityID: typeID, EntityKind: "type"},
			jobqueue.DispatchOptions{DedupKey: entityDedupKey("type", typeID)}); err != nil {
			return fmt.Errorf("dispatch type refresh %d: %w", typeID, err)
		}
		if _, err := in.queue.Dispatch(ctx, QueuePriceFetch, "price", PriceFetchPayload{TypeID: typeID},
			jobqueue.DispatchOptions{DedupKey: entityDedupKey("price", typeID)}); err != nil {
			return fmt.Errorf("dispatch price fetch %d: %w", typeID, err)
		}
	}

	if _, err := in.queue.Dispatch(ctx, QueueValueCalc, "value_calc", ValueCalcPayload{KillmailID: k.ID, KillTime: k.KillTime},
		jobqueue.DispatchOptions{DedupKey: fmt.Sprintf("value_calc:%d", k.ID)}); err != nil {
		return fmt.Errorf("dispatch value calc: %w", err)
	}

	if _, err := in.queue.Dispatch(ctx, QueuePublish, "publish", PublishPayload{KillmailID: k.ID},
		jobqueue.DispatchOptions{DedupKey: fmt.Sprintf("publish:%d", k.ID)}); err != nil {
		return fmt.Errorf("dispatch publish: %w", err)
	}

	refs := entityRefs(characters, "character")
	refs = append(refs, entityRefs(corporations, "corporation")...)
	refs = append(refs, entityRefs(alliances, "alliance")...)
	if _, err := in.queue.Dispatch(ctx, QueueEntityStats, "entity_stats", EntityStatsPayload{
		KillmailID:       k.ID,
		KillTime:         k.KillTime,
		TotalValue:       k.TotalValue,
		IsSolo:           k.IsSolo,
		IsNPC:            k.IsNPC,
		VictimEntities:   victimRefs(k),
		AttackerEntities: attackerRefs(k),
	}, jobqueue.DispatchOptions{DedupKey: fmt.Sprintf("entity_stats:%d", k.ID)}); err != nil {
		return fmt.Errorf("dispatch entity stats: %w", err)
	}

	return nil
}

func entityDedupKey(kind string, id int64) string {
	return fmt.Sprintf("entity_refresh:%s:%d", kind, id)
}

func entityRefs(ids []int64, kind string) []EntityRef {
	refs := make([]EntityRef, len(ids))
	for i, id := range ids {
		refs[i] = EntityRef{EntityID: id, EntityKind: kind}
	}
	return refs
}

// victimRefs returns the (id, kind) pairs on the loss side of a killmail.
func victimRefs(k *models.Killmail) []EntityRef {
	var refs []EntityRef
	if k.Victim.CharacterID != nil {
		refs = append(refs, EntityRef{EntityID: *k.Victim.CharacterID, EntityKind: "character"})
	}
	refs = append(refs, EntityRef{EntityID: k.Victim.CorporationID, EntityKind: "corporation"})
	if k.Victim.AllianceID != nil {
		refs = append(refs, EntityRef{EntityID: *k.Victim.AllianceID, EntityKind: "alliance"})
	}
	return refs
}

// attackerRefs returns the (id, kind) pairs on the kill side of a killmail,
// deduplicated per entity so a gang of attackers in the same corp doesn't
// double-count a single killmail's kill stat.
func attackerRefs(k *models.Killmail) []EntityRef {
	seen := make(map[EntityRef]struct{})
	var refs []EntityRef
	add := func(ref EntityRef) {
		if _, ok := seen[ref]; ok {
			return
		}
		seen[ref] = struct{}{}
		refs = append(refs, ref)
	}
	for _, a := range k.Attackers {
		if a.CharacterID != nil {
			add(EntityRef{EntityID: *a.CharacterID, EntityKind: "character"})
		}
		if a.CorporationID != nil {
			add(EntityRef{EntityID: *a.CorporationID, EntityKind: "corporation"})
		}
		if a.AllianceID != nil {
			add(EntityRef{EntityID: *a.AllianceID, EntityKind: "alliance"})
		}
	}
	return refs
}
