package entities

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"killfeed/internal/upstream"
	"killfeed/pkg/database"

	"github.com/jackc/pgx/v5"
)

// Store implements the four entity fetchers behind one freshness-gated
// cache → DB → upstream lookup (§4.E).
type Store struct {
	db     *database.Postgres
	client *upstream.Client
}

func NewStore(db *database.Postgres, client *upstream.Client) *Store {
	return &Store{db: db, client: client}
}

type characterResponse struct {
	Name          string `json:"name"`
	CorporationID *int64 `json:"corporation_id"`
	AllianceID    *int64 `json:"alliance_id"`
	FactionID     *int64 `json:"faction_id"`
}

// GetCharacter returns the cached row if fresh, else fetches and upserts
// (§4.E steps 1, 3, 4). A NotFound upstream marks the fetch a soft failure:
// the caller gets a nil result, not an error, and is not retried.
func (s *Store) GetCharacter(ctx context.Context, characterID int64) (*Character, error) {
	c, err := s.loadCharacter(ctx, characterID)
	if err != nil {
		return nil, err
	}
	if c != nil && isFresh(c.UpdatedAt) {
		return c, nil
	}

	endpoint := fmt.Sprintf("/characters/%d/", characterID)
	body, err := s.client.Fetch(ctx, endpoint, fmt.Sprintf("character:%d", characterID))
	if err != nil {
		if err == upstream.ErrNotFound {
			slog.WarnContext(ctx, "character not found upstream", "character_id", characterID)
			return nil, nil
		}
		return nil, fmt.Errorf("fetch character %d: %w", characterID, err)
	}

	var resp characterResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode character %d: %w", characterID, err)
	}

	if _, err := s.db.Pool.Exec(ctx,
		`INSERT INTO characters (character_id, name, corporation_id, alliance_id, faction_id, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (character_id) DO UPDATE SET
		   name = EXCLUDED.name, corporation_id = EXCLUDED.corporation_id,
		   alliance_id = EXCLUDED.alliance_id, faction_id = EXCLUDED.faction_id, updated_at = now()`,
		characterID, resp.Name, resp.CorporationID, resp.AllianceID, resp.FactionID,
	); err != nil {
		return nil, fmt.Errorf("upsert character %d: %w", characterID, err)
	}

	return s.loadCharacter(ctx, characterID)
}

func (s *Store) loadCharacter(ctx context.Context, characterID int64) (*Character, error) {
	var c Character
	c.CharacterID = characterID
	err := s.db.Pool.QueryRow(ctx,
		`SELECT name, corporation_id, alliance_id, faction_id, updated_at FROM characters WHERE character_id = $1`,
		characterID,
	).Scan(&c.Name, &c.CorporationID, &c.AllianceID, &c.FactionID, &c.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load character %d: %w", characterID, err)
	}
	return &c, nil
}

type corporationResponse struct {
	Name       string  `json:"name"`
	Ticker     *string `json:"ticker"`
	AllianceID *int64  `json:"alliance_id"`
}

// GetCorporation resolves an NPC corporation from the static table,
// otherwise follows the cache → DB → upstream path (§4.E step 2).
func (s *Store) GetCorporation(ctx context.Context, corporationID int64) (*Corporation, error) {
	if isNPCCorporation(corporationID) {
		return s.getNPCCorporation(ctx, corporationID)
	}

	c, err := s.loadCorporation(ctx, corporationID)
	if err != nil {
		return nil, err
	}
	if c != nil && isFresh(c.UpdatedAt) {
		return c, nil
	}

	endpoint := fmt.Sprintf("/corporations/%d/", corporationID)
	body, err := s.client.Fetch(ctx, endpoint, fmt.Sprintf("corporation:%d", corporationID))
	if err != nil {
		if err == upstream.ErrNotFound {
			slog.WarnContext(ctx, "corporation not found upstream", "corporation_id", corporationID)
			return nil, nil
		}
		return nil, fmt.Errorf("fetch corporation %d: %w", corporationID, err)
	}

	var resp corporationResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode corporation %d: %w", corporationID, err)
	}

	if _, err := s.db.Pool.Exec(ctx,
		`INSERT INTO corporations (corporation_id, name, ticker, alliance_id, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (corporation_id) DO UPDATE SET
		   name = EXCLUDED.name, ticker = EXCLUDED.ticker, alliance_id = EXCLUDED.alliance_id, updated_at = now()`,
		corporationID, resp.Name, resp.Ticker, resp.AllianceID,
	); err != nil {
		return nil, fmt.Errorf("upsert corporation %d: %w", corporationID, err)
	}

	return s.loadCorporation(ctx, corporationID)
}

func (s *Store) getNPCCorporation(ctx context.Context, corporationID int64) (*Corporation, error) {
	var name string
	err := s.db.Pool.QueryRow(ctx, `SELECT name FROM npc_corporations WHERE corporation_id = $1`, corporationID).Scan(&name)
	if err == pgx.ErrNoRows {
		slog.WarnContext(ctx, "npc corporation missing from static table", "corporation_id", corporationID)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load npc corporation %d: %w", corporationID, err)
	}

	if _, err := s.db.Pool.Exec(ctx,
		`INSERT INTO corporations (corporation_id, name, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (corporation_id) DO UPDATE SET name = EXCLUDED.name, updated_at = now()`,
		corporationID, name,
	); err != nil {
		return nil, fmt.Errorf("upsert npc corporation %d: %w", corporationID, err)
	}
	return s.loadCorporation(ctx, corporationID)
}

func (s *Store) loadCorporation(ctx context.Context, corporationID int64) (*Corporation, error) {
	var c Corporation
	c.CorporationID = corporationID
	err := s.db.Pool.QueryRow(ctx,
		`SELECT name, ticker, alliance_id, updated_at FROM corporations WHERE corporation_id = $1`, corporationID,
	).Scan(&c.Name, &c.Ticker, &c.AllianceID, &c.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load corporation %d: %w", corporationID, err)
	}
	return &c, nil
}

type allianceResponse struct {
	Name      string  `json:"name"`
	Ticker    *string `json:"ticker"`
	FactionID *int64  `json:"faction_id"`
}

// GetAlliance follows the cache → DB → upstream path (§4.E).
func (s *Store) GetAlliance(ctx context.Context, allianceID int64) (*Alliance, error) {
	a, err := s.loadAlliance(ctx, allianceID)
	if err != nil {
		return nil, err
	}
	if a != nil && isFresh(a.UpdatedAt) {
		return a, nil
	}

	endpoint := fmt.Sprintf("/alliances/%d/", allianceID)
	body, err := s.client.Fetch(ctx, endpoint, fmt.Sprintf("alliance:%d", allianceID))
	if err != nil {
		if err == upstream.ErrNotFound {
			slog.WarnContext(ctx, "alliance not found upstream", "alliance_id", allianceID)
			return nil, nil
		}
		return nil, fmt.Errorf("fetch alliance %d: %w", allianceID, err)
	}

	var resp allianceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode alliance %d: %w", allianceID, err)
	}

	if _, err := s.db.Pool.Exec(ctx,
		`INSERT INTO alliances (alliance_id, name, ticker, faction_id, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (alliance_id) DO UPDATE SET
		   name = EXCLUDED.name, ticker = EXCLUDED.ticker, faction_id = EXCLUDED.faction_id, updated_at = now()`,
		allianceID, resp.Name, resp.Ticker, resp.FactionID,
	); err != nil {
		return nil, fmt.Errorf("upsert alliance %d: %w", allianceID, err)
	}

	return s.loadAlliance(ctx, allianceID)
}

func (s *Store) loadAlliance(ctx context.Context, allianceID int64) (*Alliance, error) {
	var a Alliance
	a.AllianceID = allianceID
	err := s.db.Pool.QueryRow(ctx,
		`SELECT name, ticker, faction_id, updated_at FROM alliances WHERE alliance_id = $1`, allianceID,
	).Scan(&a.Name, &a.Ticker, &a.FactionID, &a.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load alliance %d: %w", allianceID, err)
	}
	return &a, nil
}

type typeResponse struct {
	Name       string `json:"name"`
	GroupID    *int64 `json:"group_id"`
	CategoryID *int64 `json:"category_id"`
}

// GetType follows §4.E/§3's Type rule: a row with a known category_id never
// needs refetching; category_id = null always re-triggers the upstream
// fetch, independent of updated_at.
func (s *Store) GetType(ctx context.Context, typeID int64) (*Type, error) {
	t, err := s.loadType(ctx, typeID)
	if err != nil {
		return nil, err
	}
	if t != nil && t.CategoryID != nil {
		return t, nil
	}

	endpoint := fmt.Sprintf("/universe/types/%d/", typeID)
	body, err := s.client.Fetch(ctx, endpoint, fmt.Sprintf("type:%d", typeID))
	if err != nil {
		if err == upstream.ErrNotFound {
			slog.WarnContext(ctx, "type not found upstream", "type_id", typeID)
			return t, nil
		}
		return nil, fmt.Errorf("fetch type %d: %w", typeID, err)
	}

	var resp typeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode type %d: %w", typeID, err)
	}

	if _, err := s.db.Pool.Exec(ctx,
		`INSERT INTO types (type_id, name, group_id, category_id, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (type_id) DO UPDATE SET
		   name = EXCLUDED.name, group_id = EXCLUDED.group_id, category_id = EXCLUDED.category_id, updated_at = now()`,
		typeID, resp.Name, resp.GroupID, resp.CategoryID,
	); err != nil {
		return nil, fmt.Errorf("upsert type %d: %w", typeID, err)
	}

	return s.loadType(ctx, typeID)
}

func (s *Store) loadType(ctx context.Context, typeID int64) (*Type, error) {
	var t Type
	t.TypeID = typeID
	err := s.db.Pool.QueryRow(ctx,
		`SELECT name, group_id, category_id, updated_at FROM types WHERE type_id = $1`, typeID,
	).Scan(&t.Name, &t.GroupID, &t.CategoryID, &t.UpdatedAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load type %d: %w", typeID, err)
	}
	return &t, nil
}

// blueprintCategoryID is the EVE universe category id for blueprints,
// used to gate the fixed-price rule in the value calculator.
const blueprintCategoryID = 9

// IsBlueprint satisfies killmails.PriceOracle's blueprint check.
func (s *Store) IsBlueprint(ctx context.Context, typeID int64) (bool, error) {
	t, err := s.GetType(ctx, typeID)
	if err != nil {
		return false, err
	}
	if t == nil || t.CategoryID == nil {
		return false, nil
	}
	return *t.CategoryID == blueprintCategoryID, nil
}
