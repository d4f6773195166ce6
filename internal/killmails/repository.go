package killmails

import (
	"context"
	"fmt"

	"killfeed/internal/killmails/models"
	"killfeed/internal/storage"
	"killfeed/pkg/database"

	"github.com/jackc/pgx/v5"
)

// Repository is the killmail persistence boundary: dedup lookup,
// transactional parent+children insert, and value/read-back queries.
type Repository struct {
	db *database.Postgres
}

func NewRepository(db *database.Postgres) *Repository {
	return &Repository{db: db}
}

// FindByUpstreamID looks up an existing parent by its unique upstream id
// (§4.G step 1 dedup check). Returns (0, nil) on a miss.
func (r *Repository) FindByUpstreamID(ctx context.Context, upstreamID int64) (int64, error) {
	var id int64
	err := r.db.Pool.QueryRow(ctx, `SELECT id FROM killmails WHERE upstream_id = $1`, upstreamID).Scan(&id)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("find killmail by upstream id %d: %w", upstreamID, err)
	}
	return id, nil
}

// TouchUpdatedAt advances updated_at on a duplicate re-ingest without
// touching child rows (§4.G step 1).
func (r *Repository) TouchUpdatedAt(ctx context.Context, id int64) error {
	_, err := r.db.Pool.Exec(ctx, `UPDATE killmails SET updated_at = now() WHERE id = $1`, id)
	return err
}

// Insert persists a new killmail's parent and children inside a single
// transaction (§4.G steps 3–5). The parent insert uses ON CONFLICT DO
// NOTHING on upstream_id so a race against a concurrent ingest of the same
// upstream id collapses harmlessly: when RETURNING yields no row, Insert
// rolls back, re-reads the existing id via FindByUpstreamID and returns it
// with inserted = false.
func (r *Repository) Insert(ctx context.Context, k *models.Killmail) (int64, bool, error) {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return 0, false, fmt.Errorf("begin killmail insert: %w", err)
	}
	defer tx.Rollback(ctx)

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO killmails (upstream_id, hash, kill_time, solar_system_id, attacker_count, is_solo, is_npc, is_awox)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (upstream_id) DO NOTHING
		 RETURNING id`,
		k.UpstreamID, k.Hash, k.KillTime, k.SolarSystemID, k.AttackerCount, k.IsSolo, k.IsNPC, k.IsAwox,
	).Scan(&id)
	if err == pgx.ErrNoRows {
		tx.Rollback(ctx)
		existing, ferr := r.FindByUpstreamID(ctx, k.UpstreamID)
		return existing, false, ferr
	}
	if err != nil {
		return 0, false, fmt.Errorf("insert killmail parent %d: %w", k.UpstreamID, err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO victims (killmail_id, character_id, corporation_id, alliance_id, faction_id, ship_type_id, damage_taken, pos_x, pos_y, pos_z)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		id, k.Victim.CharacterID, k.Victim.CorporationID, k.Victim.AllianceID, k.Victim.FactionID,
		k.Victim.ShipTypeID, k.Victim.DamageTaken, k.Victim.PosX, k.Victim.PosY, k.Victim.PosZ,
	); err != nil {
		return 0, false, fmt.Errorf("insert victim for killmail %d: %w", id, err)
	}

	if err := r.insertAttackers(ctx, tx, id, k.Attackers); err != nil {
		return 0, false, err
	}
	if err := r.insertItems(ctx, tx, id, nil, k.Items); err != nil {
		return 0, false, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, false, fmt.Errorf("commit killmail insert %d: %w", id, err)
	}
	return id, true, nil
}

func (r *Repository) insertAttackers(ctx context.Context, tx pgx.Tx, killmailID int64, attackers []models.Attacker) error {
	if len(attackers) == 0 {
		return nil
	}
	rows := make([][]any, len(attackers))
	for i, a := range attackers {
		rows[i] = []any{killmailID, a.CharacterID, a.CorporationID, a.AllianceID, a.FactionID, a.WeaponTypeID, a.ShipTypeID, a.DamageDone, a.FinalBlow}
	}
	_, err := storage.InsertMany(ctx, tx, storage.InsertManySpec{
		Table:   "attackers",
		Columns: []string{"killmail_id", "character_id", "corporation_id", "alliance_id", "faction_id", "weapon_type_id", "ship_type_id", "damage_done", "final_blow"},
		Mode:    storage.ConflictNone,
	}, rows)
	if err != nil {
		return fmt.Errorf("insert attackers for killmail %d: %w", killmailID, err)
	}
	return nil
}

// insertItems recursively inserts a (possibly nested) item tree, wiring
// parent_item_id so container contents point at their parent row.
func (r *Repository) insertItems(ctx context.Context, tx pgx.Tx, killmailID int64, parentItemID *int64, items []models.Item) error {
	for _, it := range items {
		var id int64
		err := tx.QueryRow(ctx,
			`INSERT INTO items (killmail_id, parent_item_id, item_type_id, flag, quantity, singleton, dropped, destroyed)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id`,
			killmailID, parentItemID, it.ItemTypeID, it.Flag, it.Quantity, it.Singleton, it.Dropped, it.Destroyed,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("insert item type %d for killmail %d: %w", it.ItemTypeID, killmailID, err)
		}
		if len(it.Items) > 0 {
			if err := r.insertItems(ctx, tx, killmailID, &id, it.Items); err != nil {
				return err
			}
		}
	}
	return nil
}

// UpdateValues writes the five decimal value fields back to the parent
// (§4.I step 6).
func (r *Repository) UpdateValues(ctx context.Context, id int64, ship, fitted, dropped, destroyed, total float64) error {
	_, err := r.db.Pool.Exec(ctx,
		`UPDATE killmails SET ship_value = $2, fitted_value = $3, dropped_value = $4, destroyed_value = $5, total_value = $6, updated_at = now()
		 WHERE id = $1`,
		id, ship, fitted, dropped, destroyed, total,
	)
	if err != nil {
		return fmt.Errorf("update values for killmail %d: %w", id, err)
	}
	return nil
}

// Load reads back a killmail's full aggregate (parent + victim + attackers
// + items), used by the value calculator and the publish job.
func (r *Repository) Load(ctx context.Context, id int64) (*models.Killmail, error) {
	var k models.Killmail
	k.ID = id
	err := r.db.Pool.QueryRow(ctx,
		`SELECT upstream_id, hash, kill_time, solar_system_id, attacker_count, is_solo, is_npc, is_awox,
		        ship_value, fitted_value, dropped_value, destroyed_value, total_value, created_at, updated_at
		 FROM killmails WHERE id = $1`, id,
	).Scan(&k.UpstreamID, &k.Hash, &k.KillTime, &k.SolarSystemID, &k.AttackerCount, &k.IsSolo, &k.IsNPC, &k.IsAwox,
		&k.ShipValue, &k.FittedValue, &k.DroppedValue, &k.DestroyedValue, &k.TotalValue, &k.CreatedAt, &k.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("load killmail %d: %w", id, err)
	}

	err = r.db.Pool.QueryRow(ctx,
		`SELECT character_id, corporation_id, alliance_id, faction_id, ship_type_id, damage_taken, pos_x, pos_y, pos_z
		 FROM victims WHERE killmail_id = $1`, id,
	).Scan(&k.Victim.CharacterID, &k.Victim.CorporationID, &k.Victim.AllianceID, &k.Victim.FactionID,
		&k.Victim.ShipTypeID, &k.Victim.DamageTaken, &k.Victim.PosX, &k.Victim.PosY, &k.Victim.PosZ)
	if err != nil {
		return nil, fmt.Errorf("load victim for killmail %d: %w", id, err)
	}

	rows, err := r.db.Pool.Query(ctx,
		`SELECT character_id, corporation_id, alliance_id, faction_id, weapon_type_id, ship_type_id, damage_done, final_blow
		 FROM attackers WHERE killmail_id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("load attackers for killmail %d: %w", id, err)
	}
	for rows.Next() {
		var a models.Attacker
		if err := rows.Scan(&a.CharacterID, &a.CorporationID, &a.AllianceID, &a.FactionID, &a.WeaponTypeID, &a.ShipTypeID, &a.DamageDone, &a.FinalBlow); err != nil {
			rows.Close()
			return nil, err
		}
		k.Attackers = append(k.Attackers, a)
	}
	rows.Close()

	items, err := r.loadItems(ctx, id, nil)
	if err != nil {
		return nil, err
	}
	k.Items = items

	return &k, nil
}

func (r *Repository) loadItems(ctx context.Context, killmailID int64, parentItemID *int64) ([]models.Item, error) {
	var rows pgx.Rows
	var err error
	if parentItemID == nil {
		rows, err = r.db.Pool.Query(ctx,
			`SELECT id, item_type_id, flag, quantity, singleton, dropped, destroyed FROM items WHERE killmail_id = $1 AND parent_item_id IS NULL`, killmailID)
	} else {
		rows, err = r.db.Pool.Query(ctx,
			`SELECT id, item_type_id, flag, quantity, singleton, dropped, destroyed FROM items WHERE killmail_id = $1 AND parent_item_id = $2`, killmailID, *parentItemID)
	}
	if err != nil {
		return nil, fmt.Errorf("load items for killmail %d: %w", killmailID, err)
	}

	type row struct {
		id int64
		it models.Item
	}
	var collected []row
	for rows.Next() {
		var rr row
		if err := rows.Scan(&rr.id, &rr.it.ItemTypeID, &rr.it.Flag, &rr.it.Quantity, &rr.it.Singleton, &rr.it.Dropped, &rr.it.Destroyed); err != nil {
			rows.Close()
			return nil, err
		}
		collected = append(collected, rr)
	}
	rows.Close()

	items := make([]models.Item, 0, len(collected))
	for _, rr := range collected {
		children, err := r.loadItems(ctx, killmailID, &rr.id)
		if err != nil {
			return nil, err
		}
		rr.it.Items = children
		items = append(items, rr.it)
	}
	return items, nil
}
