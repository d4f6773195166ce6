package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"killfeed/internal/killmails/models"
)

// Ingestor is the subset of killmails.Ingestor the direct listener needs;
// declared here to avoid importing internal/killmails (which does not
// depend on internal/realtime).
type Ingestor interface {
	Ingest(ctx context.Context, k *models.Killmail) (id int64, inserted bool, err error)
}

// DirectListener consumes full killmail bodies from a streaming endpoint
// and pushes them straight through the ingestor, skipping the fetch hop
// (§4.K "a second variant ... without a fetch hop").
type DirectListener struct {
	httpClient *http.Client
	ingestor   Ingestor
	filter     *FilterSet
	endpoint   string
	metrics    Metrics
}

func NewDirectListener(ingestor Ingestor, filter *FilterSet, endpoint string) *DirectListener {
	return &DirectListener{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		ingestor:   ingestor,
		filter:     filter,
		endpoint:   endpoint,
	}
}

func (d *DirectListener) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			slog.Info("direct listener stopped", "received", d.metrics.Received.Load(), "enqueued", d.metrics.Enqueued.Load())
			return
		default:
		}

		if err := d.poll(ctx); err != nil {
			d.metrics.Errors.Add(1)
			slog.ErrorContext(ctx, "direct listener poll failed", "error", err)
			time.Sleep(5 * time.Second)
		}
	}
}

func (d *DirectListener) poll(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.endpoint, nil)
	if err != nil {
		return fmt.Errorf("build poll request: %w", err)
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("poll request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var body struct {
		Killmail wireKillmail `json:"killmail"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode killmail body: %w", err)
	}
	k := body.Killmail.toDomain()

	d.metrics.Received.Add(1)
	if !d.filter.Matches(victimRefsOf(*k), attackerRefsOf(*k)) {
		d.metrics.Filtered.Add(1)
		return nil
	}

	if _, _, err := d.ingestor.Ingest(ctx, k); err != nil {
		return fmt.Errorf("ingest killmail %d: %w", k.UpstreamID, err)
	}
	d.metrics.Enqueued.Add(1)
	return nil
}

// wireKillmail mirrors the streaming feed's full killmail body. Declared
// locally rather than imported from internal/killmails to keep the
// dependency one-directional (killmails does not import realtime).
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
	items := make([]models.Item, 0, len(w.Victim.Items))
	var conv func([]wireItem) []models.Item
	conv = func(wi []wireItem) []models.Item {
		out := make([]models.Item, 0, len(wi))
		for _, it := range wi {
			out = append(out, models.Item{
				ItemTypeID: it.ItemTypeID,
				Flag:       it.Flag,
				Quantity:   it.Quantity,
				Singleton:  it.Singleton,
				Dropped:    it.Dropped,
				Destroyed:  it.Destroyed,
				Items:      conv(it.Items),
			})
		}
		return out
	}
	items = conv(w.Victim.Items)

	attackers := make([]models.Attacker, 0, len(w.Attackers))
	for _, a := range w.Attackers {
		attackers = append(attackers, models.Attacker{
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
		Attackers: attackers,
		Items:     items,
	}
}

func victimRefsOf(k models.Killmail) []EntityRef {
	var refs []EntityRef
	if k.Victim.CharacterID != nil {
		refs = append(refs, EntityRef{ID: *k.Victim.CharacterID, Kind: "character"})
	}
	refs = append(refs, EntityRef{ID: k.Victim.CorporationID, Kind: "corporation"})
	if k.Victim.AllianceID != nil {
		refs = append(refs, EntityRef{ID: *k.Victim.AllianceID, Kind: "alliance"})
	}
	return refs
}

func attackerRefsOf(k models.Killmail) []EntityRef {
	var refs []EntityRef
	for _, a := range k.Attackers {
		if a.CharacterID != nil {
			refs = append(refs, EntityRef{ID: *a.CharacterID, Kind: "character"})
		}
		if a.CorporationID != nil {
			refs = append(refs, EntityRef{ID: *a.CorporationID, Kind: "corporation"})
		}
		if a.AllianceID != nil {
			refs = append(refs, EntityRef{ID: *a.AllianceID, Kind: "alliance"})
		}
	}
	return refs
}
