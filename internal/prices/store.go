// Package prices implements the price fetcher and store of §4.F: windowed
// upstream fetch with fallback, and nearest-date lookup with a blueprint
// override.
package prices

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"killfeed/internal/entities"
	"killfeed/internal/jobqueue"
	"killfeed/internal/upstream"
	"killfeed/pkg/database"

	"github.com/jackc/pgx/v5"
)

// defaultRegionID is the region used when the upstream price feed does not
// distinguish by region (a single global aggregate, as zkillboard-style
// price feeds provide).
const defaultRegionID = 0

// fallbackPrice is returned by PriceFor when a type has no stored price at
// all (§4.F price_for).
const fallbackPrice = 0.01

type record struct {
	TypeID  int64   `json:"type_id"`
	Average float64 `json:"average"`
	Highest float64 `json:"highest"`
	Lowest  float64 `json:"lowest"`
	Orders  int64   `json:"order_count"`
	Volume  int64   `json:"volume"`
}

// Store fetches and serves market prices, grounded on the same cache → DB
// → upstream idiom as internal/entities, specialised for the price
// window-fallback contract.
type Store struct {
	db     *database.Postgres
	client *upstream.Client
	types  *entities.Store
}

func NewStore(db *database.Postgres, client *upstream.Client, types *entities.Store) *Store {
	return &Store{db: db, client: client, types: types}
}

// FetchPrices implements fetch_prices(type_id, window_days, reference_date)
// (§4.F): tries (14d, ref), (30d, ref), (90d, ref), (14d, no-ref) in order,
// the first non-empty result winning, and persists whatever it finds.
func (s *Store) FetchPrices(ctx context.Context, typeID int64, referenceDate *time.Time) ([]record, error) {
	attempts := []struct {
		windowDays int
		ref        *time.Time
	}{
		{14, referenceDate},
		{30, referenceDate},
		{90, referenceDate},
		{14, nil},
	}

	for _, a := range attempts {
		records, err := s.fetchWindow(ctx, typeID, a.windowDays, a.ref)
		if err != nil {
			return nil, err
		}
		if len(records) > 0 {
			if err := s.persist(ctx, records); err != nil {
				return nil, err
			}
			return records, nil
		}
	}
	return nil, nil
}

func (s *Store) fetchWindow(ctx context.Context, typeID int64, windowDays int, ref *time.Time) ([]record, error) {
	endpoint := fmt.Sprintf("/markets/prices/?type_id=%d&days=%d", typeID, windowDays)
	cacheKey := fmt.Sprintf("prices:%d:%d", typeID, windowDays)
	if ref != nil {
		endpoint += "&reference_date=" + ref.UTC().Format("2006-01-02")
		cacheKey += ":" + ref.UTC().Format("2006-01-02")
	}

	body, err := s.client.Fetch(ctx, endpoint, cacheKey)
	if err != nil {
		if err == upstream.ErrNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("fetch prices for type %d window %dd: %w", typeID, windowDays, err)
	}

	var records []record
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("decode prices for type %d: %w", typeID, err)
	}
	return records, nil
}

func (s *Store) persist(ctx context.Context, records []record) error {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	for _, r := range records {
		if _, err := s.db.Pool.Exec(ctx,
			`INSERT INTO prices (type_id, region_id, price_date, average, highest, lowest, order_count, volume)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (type_id, region_id, price_date) DO UPDATE SET
			   average = EXCLUDED.average, highest = EXCLUDED.highest, lowest = EXCLUDED.lowest,
			   order_count = EXCLUDED.order_count, volume = EXCLUDED.volume`,
			r.TypeID, defaultRegionID, today, r.Average, r.Highest, r.Lowest, r.Orders, r.Volume,
		); err != nil {
			return fmt.Errorf("persist price for type %d: %w", r.TypeID, err)
		}
	}
	return nil
}

// PriceFor implements price_for(type_id, target_date) (§4.F, §3 Price
// entity): the stored record with price_date <= target_date maximizing
// price_date; failing that, the globally nearest record in time; failing
// that, the 0.01 fallback.
func (s *Store) PriceFor(ctx context.Context, typeID int64, targetDate time.Time) (float64, error) {
	var average float64
	err := s.db.Pool.QueryRow(ctx,
		`SELECT average FROM prices WHERE type_id = $1 AND price_date <= $2 ORDER BY price_date DESC LIMIT 1`,
		typeID, targetDate,
	).Scan(&average)
	if err == nil {
		return average, nil
	}
	if err != pgx.ErrNoRows {
		return 0, fmt.Errorf("price_for type %d (exact window): %w", typeID, err)
	}

	err = s.db.Pool.QueryRow(ctx,
		`SELECT average FROM prices WHERE type_id = $1 ORDER BY abs(price_date - $2::date) ASC LIMIT 1`,
		typeID, targetDate,
	).Scan(&average)
	if err == nil {
		return average, nil
	}
	if err != pgx.ErrNoRows {
		return 0, fmt.Errorf("price_for type %d (nearest): %w", typeID, err)
	}

	return fallbackPrice, nil
}

// IsBlueprint delegates to the type entity store.
func (s *Store) IsBlueprint(ctx context.Context, typeID int64) (bool, error) {
	return s.types.IsBlueprint(ctx, typeID)
}

// FetchHandler is the jobqueue.Handler for the price_fetch queue.
func (s *Store) FetchHandler(ctx context.Context, job jobqueue.Job) error {
	var p struct {
		TypeID int64 `json:"type_id"`
	}
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("decode price fetch payload: %w", err)
	}
	if _, err := s.FetchPrices(ctx, p.TypeID, nil); err != nil {
		return fmt.Errorf("fetch prices for type %d: %w", p.TypeID, err)
	}
	return nil
}
