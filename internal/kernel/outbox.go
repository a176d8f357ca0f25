package kernel

import (
	"context"

	"github.com/roach88/mkernel/internal/canon"
	"github.com/roach88/mkernel/internal/receipt"
	"github.com/roach88/mkernel/internal/store"
)

// Outbox receives one event per applied mutation, inside the mutation's
// transaction. An error rolls the mutation back.
type Outbox interface {
	Append(ctx context.Context, tx *store.Tx, ev store.OutboxEvent) error
}

// OutboxFunc adapts a function to Outbox.
type OutboxFunc func(ctx context.Context, tx *store.Tx, ev store.OutboxEvent) error

func (f OutboxFunc) Append(ctx context.Context, tx *store.Tx, ev store.OutboxEvent) error {
	return f(ctx, tx, ev)
}

// TableOutbox writes events to the outbox table for the Relay to publish.
type TableOutbox struct{}

func (TableOutbox) Append(ctx context.Context, tx *store.Tx, ev store.OutboxEvent) error {
	return tx.InsertOutbox(ctx, ev)
}

// Topic returns the outbox topic of an action.
func Topic(a Action) string {
	return "entity." + string(a)
}

func eventPayload(in Intent, ok receipt.Ok, status string) canon.Object {
	p := canon.Object{
		"action":        canon.String(in.Action),
		"entityType":    canon.String(ok.EntityType),
		"entityId":      canon.String(ok.EntityID),
		"status":        canon.String(status),
		"versionBefore": canon.Int(ok.VersionBefore),
		"versionAfter":  canon.Int(ok.VersionAfter),
		"mutationId":    canon.String(ok.MutationID),
		"requestId":     canon.String(ok.RequestID),
		"auditLogId":    canon.String(ok.AuditLogID),
	}
	if ok.BatchID != "" {
		p["batchId"] = canon.String(ok.BatchID)
	}
	return p
}
