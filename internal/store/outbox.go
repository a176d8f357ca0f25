package store

import (
	"context"
	"fmt"
	"time"
)

// OutboxEvent is a pending notification written with a mutation.
type OutboxEvent struct {
	ID          string
	TenantID    string
	Topic       string
	EntityType  string
	EntityID    string
	MutationID  string
	Payload     []byte
	CreatedAt   time.Time
	PublishedAt time.Time // zero while pending
}

// InsertOutbox appends an event in the current transaction.
func (t *Tx) InsertOutbox(ctx context.Context, ev OutboxEvent) error {
	_, err := t.exec(ctx, `
		INSERT INTO outbox (id, tenant_id, topic, entity_type, entity_id, mutation_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, ev.ID, ev.TenantID, ev.Topic, ev.EntityType, ev.EntityID, ev.MutationID, string(ev.Payload), ev.CreatedAt.UnixMilli())
	if err != nil {
		return Classify(fmt.Errorf("insert outbox: %w", err))
	}
	return nil
}

// PendingOutbox returns up to limit unpublished events, oldest first.
func (t *Tx) PendingOutbox(ctx context.Context, limit int) ([]OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := t.query(ctx, `
		SELECT id, tenant_id, topic, entity_type, entity_id, mutation_id, payload, created_at
		FROM scoped_outbox
		WHERE published_at IS NULL
		ORDER BY created_at, id
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, Classify(fmt.Errorf("pending outbox: %w", err))
	}
	defer rows.Close()

	var out []OutboxEvent
	for rows.Next() {
		var (
			ev      OutboxEvent
			payload string
			created int64
		)
		if err := rows.Scan(&ev.ID, &ev.TenantID, &ev.Topic, &ev.EntityType, &ev.EntityID, &ev.MutationID, &payload, &created); err != nil {
			return nil, Classify(fmt.Errorf("pending outbox: scan: %w", err))
		}
		ev.Payload = []byte(payload)
		ev.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, Classify(fmt.Errorf("pending outbox: %w", err))
	}
	return out, nil
}

// MarkPublished stamps an event as delivered. Returns false if it was already published.
func (t *Tx) MarkPublished(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := t.exec(ctx, `
		UPDATE outbox SET published_at = ?
		WHERE tenant_id = ? AND id = ? AND published_at IS NULL
	`, at.UnixMilli(), t.tenant.OrgID, id)
	if err != nil {
		return false, Classify(fmt.Errorf("mark published: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, Classify(fmt.Errorf("mark published: rows affected: %w", err))
	}
	return n == 1, nil
}
