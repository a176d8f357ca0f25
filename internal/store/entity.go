package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Entity is a versioned, tenant-owned record.
// State is canonical JSON text.
type Entity struct {
	TenantID   string
	EntityType string
	EntityID   string
	Version    int64
	Status     string
	State      []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

const entityColumns = `tenant_id, entity_type, entity_id, version, status, state, created_at, updated_at`

func scanEntity(row interface{ Scan(...any) error }) (Entity, error) {
	var (
		e                Entity
		state            string
		created, updated int64
	)
	if err := row.Scan(&e.TenantID, &e.EntityType, &e.EntityID, &e.Version, &e.Status, &state, &created, &updated); err != nil {
		return Entity{}, err
	}
	e.State = []byte(state)
	e.CreatedAt = time.UnixMilli(created).UTC()
	e.UpdatedAt = time.UnixMilli(updated).UTC()
	return e, nil
}

// GetEntity reads an entity visible to the bound tenant.
// Returns found=false when it does not exist (or belongs to another tenant).
func (t *Tx) GetEntity(ctx context.Context, entityType, entityID string) (e Entity, found bool, err error) {
	row := t.queryRow(ctx, `
		SELECT `+entityColumns+`
		FROM scoped_entities
		WHERE entity_type = ? AND entity_id = ?
	`, entityType, entityID)
	e, err = scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entity{}, false, nil
	}
	if err != nil {
		return Entity{}, false, Classify(fmt.Errorf("get entity: %w", err))
	}
	return e, true, nil
}

// ListEntities returns the bound tenant's entities of one type ordered by id.
func (t *Tx) ListEntities(ctx context.Context, entityType string, limit int) ([]Entity, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.query(ctx, `
		SELECT `+entityColumns+`
		FROM scoped_entities
		WHERE entity_type = ?
		ORDER BY entity_id
		LIMIT ?
	`, entityType, limit)
	if err != nil {
		return nil, Classify(fmt.Errorf("list entities: %w", err))
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, Classify(fmt.Errorf("list entities: scan: %w", err))
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, Classify(fmt.Errorf("list entities: %w", err))
	}
	return out, nil
}

// InsertEntity creates a new entity row. A duplicate id is UNIQUE_CONSTRAINT.
func (t *Tx) InsertEntity(ctx context.Context, e Entity) error {
	_, err := t.exec(ctx, `
		INSERT INTO entities (`+entityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.TenantID,
		e.EntityType,
		e.EntityID,
		e.Version,
		e.Status,
		string(e.State),
		e.CreatedAt.UnixMilli(),
		e.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return Classify(fmt.Errorf("insert entity: %w", err))
	}
	return nil
}

// UpdateEntity writes e only if the stored version is still fromVersion.
// Returns false when another writer got there first.
func (t *Tx) UpdateEntity(ctx context.Context, e Entity, fromVersion int64) (bool, error) {
	res, err := t.exec(ctx, `
		UPDATE entities
		SET version = ?, status = ?, state = ?, updated_at = ?
		WHERE tenant_id = ? AND entity_type = ? AND entity_id = ? AND version = ?
	`,
		e.Version,
		e.Status,
		string(e.State),
		e.UpdatedAt.UnixMilli(),
		e.TenantID,
		e.EntityType,
		e.EntityID,
		fromVersion,
	)
	if err != nil {
		return false, Classify(fmt.Errorf("update entity: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, Classify(fmt.Errorf("update entity: rows affected: %w", err))
	}
	return n == 1, nil
}
