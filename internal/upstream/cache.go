package upstream

import (
	"context"
	"fmt"
	"time"

	"killfeed/pkg/database"

	"github.com/jackc/pgx/v5"
)

// CacheEntry is the Response Cache entity from §3: a cache-key keyed row
// with entity-tag, expiry, and last-modified fields, persisted so it
// survives restarts.
type CacheEntry struct {
	CacheKey     string
	EntityTag    string
	ExpiresAt    *time.Time
	LastModified string
	Body         []byte
}

// Cache is the Response Cache component (§4.B): a persistent key-value
// store of upstream responses, keyed by opaque cache-key strings.
type Cache struct {
	db *database.Postgres
}

func NewCache(db *database.Postgres) *Cache {
	return &Cache{db: db}
}

// Get returns the cached entry for key, or (nil, nil) on a cache miss.
func (c *Cache) Get(ctx context.Context, key string) (*CacheEntry, error) {
	var e CacheEntry
	var etag, lastMod *string
	err := c.db.Pool.QueryRow(ctx,
		`SELECT cache_key, entity_tag, expires_at, last_modified, body
		 FROM esi_cache WHERE cache_key = $1`, key,
	).Scan(&e.CacheKey, &etag, &e.ExpiresAt, &lastMod, &e.Body)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get cache entry %q: %w", key, err)
	}
	if etag != nil {
		e.EntityTag = *etag
	}
	if lastMod != nil {
		e.LastModified = *lastMod
	}
	return &e, nil
}

// Put upserts an entry by cache key.
func (c *Cache) Put(ctx context.Context, e *CacheEntry) error {
	_, err := c.db.Pool.Exec(ctx,
		`INSERT INTO esi_cache (cache_key, entity_tag, expires_at, last_modified, body, updated_at)
		 VALUES ($1, $2, $3, $4, $5, now())
		 ON CONFLICT (cache_key) DO UPDATE SET
		   entity_tag = EXCLUDED.entity_tag,
		   expires_at = EXCLUDED.expires_at,
		   last_modified = EXCLUDED.last_modified,
		   body = EXCLUDED.body,
		   updated_at = now()`,
		e.CacheKey, nullIfEmpty(e.EntityTag), e.ExpiresAt, nullIfEmpty(e.LastModified), e.Body,
	)
	if err != nil {
		return fmt.Errorf("put cache entry %q: %w", e.CacheKey, err)
	}
	return nil
}

// RefreshExpiry bumps only expires_at/last_modified on a 304 response,
// leaving the cached body and entity tag untouched.
func (c *Cache) RefreshExpiry(ctx context.Context, key string, expiresAt *time.Time, lastModified string) error {
	_, err := c.db.Pool.Exec(ctx,
		`UPDATE esi_cache SET expires_at = $2, last_modified = $3, updated_at = now() WHERE cache_key = $1`,
		key, expiresAt, nullIfEmpty(lastModified),
	)
	return err
}

// Sweep deletes entries whose expiry has passed, the periodic sweeper
// required by §4.B. Intended to be invoked by the cron scheduler.
func (c *Cache) Sweep(ctx context.Context) (int64, error) {
	tag, err := c.db.Pool.Exec(ctx, `DELETE FROM esi_cache WHERE expires_at IS NOT NULL AND expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("sweep cache: %w", err)
	}
	return tag.RowsAffected(), nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
