package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Movement is a recorded inventory/material movement.
// Qty is a decimal string.
type Movement struct {
	TenantID   string
	MovementID string
	ItemID     string
	LotID      string
	Qty        string
	Kind       string
	RecordedAt time.Time
}

// MovementLink is a directed edge between two movements of the same tenant.
type MovementLink struct {
	TenantID       string
	ID             string
	FromMovementID string
	ToMovementID   string
	LotID          string
	Qty            string
	LinkType       string
}

// maxInParams bounds the placeholders of one IN (...) list.
const maxInParams = 500

const linkColumns = `tenant_id, id, from_movement_id, to_movement_id, lot_id, qty, link_type`

// InsertMovement stores a movement. A duplicate id is UNIQUE_CONSTRAINT.
func (t *Tx) InsertMovement(ctx context.Context, m Movement) error {
	_, err := t.exec(ctx, `
		INSERT INTO movements (tenant_id, movement_id, item_id, lot_id, qty, kind, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.TenantID, m.MovementID, m.ItemID, nullable(m.LotID), m.Qty, m.Kind, m.RecordedAt.UnixMilli())
	if err != nil {
		return Classify(fmt.Errorf("insert movement: %w", err))
	}
	return nil
}

// GetMovement reads one movement of the bound tenant.
func (t *Tx) GetMovement(ctx context.Context, movementID string) (Movement, bool, error) {
	var (
		m        Movement
		lot      sql.NullString
		recorded int64
	)
	err := t.queryRow(ctx, `
		SELECT tenant_id, movement_id, item_id, lot_id, qty, kind, recorded_at
		FROM scoped_movements
		WHERE movement_id = ?
	`, movementID).Scan(&m.TenantID, &m.MovementID, &m.ItemID, &lot, &m.Qty, &m.Kind, &recorded)
	if errors.Is(err, sql.ErrNoRows) {
		return Movement{}, false, nil
	}
	if err != nil {
		return Movement{}, false, Classify(fmt.Errorf("get movement: %w", err))
	}
	m.LotID = lot.String
	m.RecordedAt = time.UnixMilli(recorded).UTC()
	return m, true, nil
}

// InsertLink stores an edge. The from movement must already exist (FK_CONSTRAINT otherwise).
func (t *Tx) InsertLink(ctx context.Context, l MovementLink) error {
	_, err := t.exec(ctx, `
		INSERT INTO movement_links (`+linkColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, l.TenantID, l.ID, l.FromMovementID, l.ToMovementID, l.LotID, l.Qty, l.LinkType)
	if err != nil {
		return Classify(fmt.Errorf("insert movement link: %w", err))
	}
	return nil
}

// LinksByLot returns every link carrying lotID, ordered by id.
func (t *Tx) LinksByLot(ctx context.Context, lotID string) ([]MovementLink, error) {
	return t.selectLinks(ctx, `
		SELECT `+linkColumns+`
		FROM scoped_movement_links
		WHERE lot_id = ?
		ORDER BY from_movement_id, to_movement_id, id
	`, lotID)
}

// LinksFrom returns the links leaving any of the given movements.
func (t *Tx) LinksFrom(ctx context.Context, movementIDs []string) ([]MovementLink, error) {
	return t.linksByEndpoint(ctx, "from_movement_id", movementIDs)
}

// LinksTo returns the links entering any of the given movements.
func (t *Tx) LinksTo(ctx context.Context, movementIDs []string) ([]MovementLink, error) {
	return t.linksByEndpoint(ctx, "to_movement_id", movementIDs)
}

// linksByEndpoint issues one IN query per chunk of ids.
// column is one of two fixed identifiers, never caller input.
func (t *Tx) linksByEndpoint(ctx context.Context, column string, ids []string) ([]MovementLink, error) {
	var out []MovementLink
	for start := 0; start < len(ids); start += maxInParams {
		end := min(start+maxInParams, len(ids))
		chunk := ids[start:end]

		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(chunk)), ", ")
		links, err := t.selectLinks(ctx, `
			SELECT `+linkColumns+`
			FROM scoped_movement_links
			WHERE `+column+` IN (`+placeholders+`)
			ORDER BY from_movement_id, to_movement_id, id
		`, args...)
		if err != nil {
			return nil, err
		}
		out = append(out, links...)
	}
	return out, nil
}

func (t *Tx) selectLinks(ctx context.Context, query string, args ...any) ([]MovementLink, error) {
	rows, err := t.query(ctx, query, args...)
	if err != nil {
		return nil, Classify(fmt.Errorf("select movement links: %w", err))
	}
	defer rows.Close()

	var out []MovementLink
	for rows.Next() {
		var l MovementLink
		if err := rows.Scan(&l.TenantID, &l.ID, &l.FromMovementID, &l.ToMovementID, &l.LotID, &l.Qty, &l.LinkType); err != nil {
			return nil, Classify(fmt.Errorf("select movement links: scan: %w", err))
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, Classify(fmt.Errorf("select movement links: %w", err))
	}
	return out, nil
}
