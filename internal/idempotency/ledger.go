// Package idempotency implements the per-tenant idempotency ledger.
//
// A ledger record is keyed by (tenant, idempotency key). It is created
// in_flight by Lock (or directly finished by WriteAtomic), moves once to
// complete or failed, and never changes afterwards. The stored receipt is
// replayed verbatim for every later submission of the key until the record
// expires.
package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/mkernel/internal/errcode"
	"github.com/roach88/mkernel/internal/receipt"
	"github.com/roach88/mkernel/internal/store"
	"github.com/roach88/mkernel/internal/tenant"
)

// Status is the lifecycle state of a ledger record.
type Status string

const (
	InFlight Status = store.LedgerInFlight
	Complete Status = store.LedgerComplete
	Failed   Status = store.LedgerFailed
)

// StatusFor returns the status a finished receipt is stored under.
func StatusFor(r receipt.Receipt) Status {
	if _, ok := r.(receipt.Ok); ok {
		return Complete
	}
	return Failed
}

// Lookup is the result of Check: Hit or Miss.
type Lookup interface {
	lookup()
}

// Hit is a finished record for the key.
// HashMismatch is set when the record was written for a different request.
type Hit struct {
	Receipt      receipt.Receipt
	Raw          []byte
	Status       Status
	ActionType   string
	HashMismatch bool
}

// Miss means no finished record exists.
// InFlight is set when another attempt holds the key; the caller must poll
// Check again rather than execute.
type Miss struct {
	InFlight bool
}

func (Hit) lookup()  {}
func (Miss) lookup() {}

// Ledger reads and writes ledger records inside a tenant transaction.
type Ledger struct {
	now    func() time.Time
	logger *slog.Logger
}

// New returns a Ledger. A nil now uses time.Now; a nil logger uses slog.Default.
func New(now func() time.Time, logger *slog.Logger) *Ledger {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{now: now, logger: logger}
}

func validKey(key string) error {
	if key == "" {
		return errcode.New(errcode.Validation, "idempotency key is empty")
	}
	if len(key) > 255 {
		return errcode.New(errcode.Validation, "idempotency key exceeds 255 bytes")
	}
	return nil
}

// Check looks up key for tc. Expired records are treated as absent.
func (l *Ledger) Check(ctx context.Context, tx *store.Tx, tc tenant.Context, key, requestHash string) (Lookup, error) {
	if err := tx.Require(tc); err != nil {
		return nil, err
	}
	if err := validKey(key); err != nil {
		return nil, err
	}

	rec, found, err := tx.GetIdempotency(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("check idempotency: %w", err)
	}
	if !found || !rec.ExpiresAt.After(l.now()) {
		return Miss{}, nil
	}
	if Status(rec.Status) == InFlight {
		return Miss{InFlight: true}, nil
	}

	r, err := receipt.Decode(rec.Receipt)
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, err, "stored receipt is corrupt")
	}
	hit := Hit{
		Receipt:      r,
		Raw:          rec.Receipt,
		Status:       Status(rec.Status),
		ActionType:   rec.ActionType,
		HashMismatch: rec.RequestHash != requestHash,
	}
	if hit.HashMismatch {
		l.logger.Warn("idempotency key reused with a different request",
			"event", "idempotency.key_reuse",
			"tenant_id", tc.OrgID,
			"idempotency_key", key,
			"action", rec.ActionType)
	}
	return hit, nil
}

// Lock inserts an in_flight record unless one exists.
// Returns false when another caller already holds the key; that is not an error.
// An expired record for the key is purged first.
func (l *Ledger) Lock(ctx context.Context, tx *store.Tx, tc tenant.Context, key, actionType, requestHash string, ttl time.Duration) (bool, error) {
	if err := tx.Require(tc); err != nil {
		return false, err
	}
	if err := validKey(key); err != nil {
		return false, err
	}
	now := l.now()
	if _, err := tx.DeleteExpiredIdempotency(ctx, key, now); err != nil {
		return false, fmt.Errorf("lock idempotency key: %w", err)
	}
	inserted, err := tx.InsertIdempotency(ctx, store.IdempotencyRecord{
		TenantID:    tc.OrgID,
		Key:         key,
		ActionType:  actionType,
		RequestHash: requestHash,
		Status:      string(InFlight),
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	})
	if err != nil {
		return false, fmt.Errorf("lock idempotency key: %w", err)
	}
	return inserted, nil
}

// Complete stores the final receipt of a locked key.
// Completing a key that is not in flight is an INTERNAL error.
func (l *Ledger) Complete(ctx context.Context, tx *store.Tx, tc tenant.Context, key string, r receipt.Receipt, status Status) error {
	if err := tx.Require(tc); err != nil {
		return err
	}
	if status != Complete && status != Failed {
		return errcode.New(errcode.Internal, "cannot complete idempotency key with status %q", status)
	}
	raw, err := receipt.Encode(r)
	if err != nil {
		return errcode.Wrap(errcode.Internal, err, "encode receipt")
	}
	ok, err := tx.FinishIdempotency(ctx, key, raw, string(status))
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	if !ok {
		return errcode.New(errcode.Internal, "idempotency key %q is not in flight", key)
	}
	return nil
}

// WriteAtomic inserts a finished record in one step.
// First writer wins: when a record already exists the stored receipt is
// returned with inserted=false and r is discarded.
func (l *Ledger) WriteAtomic(ctx context.Context, tx *store.Tx, tc tenant.Context, key, actionType, requestHash string, r receipt.Receipt, ttl time.Duration) (stored receipt.Receipt, inserted bool, err error) {
	if err := tx.Require(tc); err != nil {
		return nil, false, err
	}
	if err := validKey(key); err != nil {
		return nil, false, err
	}
	raw, err := receipt.Encode(r)
	if err != nil {
		return nil, false, errcode.Wrap(errcode.Internal, err, "encode receipt")
	}
	now := l.now()
	if _, err := tx.DeleteExpiredIdempotency(ctx, key, now); err != nil {
		return nil, false, fmt.Errorf("write idempotency record: %w", err)
	}
	inserted, err = tx.InsertIdempotency(ctx, store.IdempotencyRecord{
		TenantID:    tc.OrgID,
		Key:         key,
		ActionType:  actionType,
		RequestHash: requestHash,
		Receipt:     raw,
		Status:      string(StatusFor(r)),
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	})
	if err != nil {
		return nil, false, fmt.Errorf("write idempotency record: %w", err)
	}
	if inserted {
		return r, true, nil
	}

	lookup, err := l.Check(ctx, tx, tc, key, requestHash)
	if err != nil {
		return nil, false, err
	}
	hit, ok := lookup.(Hit)
	if !ok {
		return nil, false, errcode.New(errcode.ConflictRetry, "idempotency key %q is held by an in-flight attempt", key)
	}
	return hit.Receipt, false, nil
}

// PurgeExpired deletes every expired record of tc.
func (l *Ledger) PurgeExpired(ctx context.Context, tx *store.Tx, tc tenant.Context) (int64, error) {
	if err := tx.Require(tc); err != nil {
		return 0, err
	}
	n, err := tx.DeleteExpiredIdempotency(ctx, "", l.now())
	if err != nil {
		return 0, fmt.Errorf("purge idempotency records: %w", err)
	}
	if n > 0 {
		l.logger.Info("purged expired idempotency records",
			"event", "idempotency.purge",
			"tenant_id", tc.OrgID,
			"count", n)
	}
	return n, nil
}
