package killmails

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"killfeed/internal/jobqueue"
	"killfeed/internal/killmails/models"
	"killfeed/internal/upstream"
)

// FetchPayload is the killmail_fetch job payload dispatched by the
// realtime listener and the backfill controller's enqueue-only mode.
type FetchPayload struct {
	UpstreamID int64  `json:"upstream_id"`
	Hash       string `json:"hash"`
}

// The wire* structs mirror the upstream killmail detail endpoint's shape.
// They exist separately from the domain models because the domain models
// carry no json tags (they are never themselves marshaled over the wire).

type wireKillmail struct {
	KillmailID int64         `json:"killmail_id"`
	KillTime   time.Time     `json:"killmail_time"`
	SystemID   int64         `json:"solar_system_id"`
	Victim     wireVictim    `json:"victim"`
	Attackers  []wireAttacker `json:"attackers"`
}

type wireVictim struct {
	CharacterID   *int64       `json:"character_id"`
	CorporationID int64        `json:"corporation_id"`
	AllianceID    *int64       `json:"alliance_id"`
	FactionID     *int64       `json:"faction_id"`
	ShipTypeID    *int64       `json:"ship_type_id"`
	DamageTaken   int64        `json:"damage_taken"`
	Position      *wirePosition `json:"position"`
	Items         []wireItem   `json:"items"`
}

type wirePosition struct {
	X *float64 `json:"x"`
	Y *float64 `json:"y"`
	Z *float64 `json:"z"`
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

func (w wireKillmail) toDomain(hash string) *models.Killmail {
	return &models.Killmail{
		UpstreamID:    w.KillmailID,
		Hash:          hash,
		KillTime:      w.KillTime,
		SolarSystemID: w.SystemID,
		Victim:        w.Victim.toDomain(),
		Attackers:     attackersToDomain(w.Attackers),
	}
}

func (w wireVictim) toDomain() models.Victim {
	v := models.Victim{
		CharacterID:   w.CharacterID,
		CorporationID: w.CorporationID,
		AllianceID:    w.AllianceID,
		FactionID:     w.FactionID,
		ShipTypeID:    w.ShipTypeID,
		DamageTaken:   w.DamageTaken,
	}
	if w.Position != nil {
		v.PosX, v.PosY, v.PosZ = w.Position.X, w.Position.Y, w.Position.Z
	}
	return v
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

// FetchHandler is the jobqueue.Handler for the killmail_fetch queue: fetch
// the full body from upstream, then run it through the ingestor.
type FetchHandler struct {
	client   *upstream.Client
	ingestor *Ingestor
}

func NewFetchHandler(client *upstream.Client, ingestor *Ingestor) *FetchHandler {
	return &FetchHandler{client: client, ingestor: ingestor}
}

func (h *FetchHandler) Handle(ctx context.Context, job jobqueue.Job) error {
	var p FetchPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode killmail fetch payload: %w", err)
	}

	endpoint := fmt.Sprintf("/killmails/%d/%s/", p.UpstreamID, p.Hash)
	body, err := h.client.Fetch(ctx, endpoint, fmt.Sprintf("killmail:%d:%s", p.UpstreamID, p.Hash))
	if err != nil {
		if err == upstream.ErrNotFound {
			slog.WarnContext(ctx, "killmail not found upstream", "upstream_id", p.UpstreamID)
			return nil
		}
		return fmt.Errorf("fetch killmail %d: %w", p.UpstreamID, err)
	}

	var w wireKillmail
	if err := json.Unmarshal(body, &w); err != nil {
		return fmt.Errorf("decode killmail %d: %w", p.UpstreamID, err)
	}

	k := w.toDomain(p.Hash)
	k.Items = itemsToDomain(w.Victim.Items)

	if _, _, err := h.ingestor.Ingest(ctx, k); err != nil {
		return fmt.Errorf("ingest fetched killmail %d: %w", p.UpstreamID, err)
	}
	return nil
}
