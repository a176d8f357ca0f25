package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Ledger statuses.
const (
	LedgerInFlight = "in_flight"
	LedgerComplete = "complete"
	LedgerFailed   = "failed"
)

// IdempotencyRecord is one row of the idempotency ledger.
// Receipt is nil while the record is in flight.
type IdempotencyRecord struct {
	TenantID    string
	Key         string
	ActionType  string
	RequestHash string
	Receipt     []byte
	Status      string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// InsertIdempotency inserts rec unless the tenant already has a record for
// the key. Returns inserted=false on conflict; the existing row is untouched.
func (t *Tx) InsertIdempotency(ctx context.Context, rec IdempotencyRecord) (inserted bool, err error) {
	var receipt any
	if rec.Receipt != nil {
		receipt = string(rec.Receipt)
	}
	res, err := t.exec(ctx, `
		INSERT INTO idempotency_records
		(tenant_id, idempotency_key, action_type, request_hash, receipt, status, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, idempotency_key) DO NOTHING
	`,
		rec.TenantID,
		rec.Key,
		rec.ActionType,
		rec.RequestHash,
		receipt,
		rec.Status,
		rec.CreatedAt.UnixMilli(),
		rec.ExpiresAt.UnixMilli(),
	)
	if err != nil {
		return false, Classify(fmt.Errorf("insert idempotency record: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, Classify(fmt.Errorf("insert idempotency record: rows affected: %w", err))
	}
	return n > 0, nil
}

// GetIdempotency reads the bound tenant's record for key.
func (t *Tx) GetIdempotency(ctx context.Context, key string) (rec IdempotencyRecord, found bool, err error) {
	var (
		receipt          sql.NullString
		created, expires int64
	)
	err = t.queryRow(ctx, `
		SELECT tenant_id, idempotency_key, action_type, request_hash, receipt, status, created_at, expires_at
		FROM scoped_idempotency_records
		WHERE idempotency_key = ?
	`, key).Scan(
		&rec.TenantID,
		&rec.Key,
		&rec.ActionType,
		&rec.RequestHash,
		&receipt,
		&rec.Status,
		&created,
		&expires,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return IdempotencyRecord{}, false, Classify(fmt.Errorf("get idempotency record: %w", err))
	}
	if receipt.Valid {
		rec.Receipt = []byte(receipt.String)
	}
	rec.CreatedAt = time.UnixMilli(created).UTC()
	rec.ExpiresAt = time.UnixMilli(expires).UTC()
	return rec, true, nil
}

// FinishIdempotency stores the final receipt of an in-flight record.
// Returns false when no in-flight record exists for key.
func (t *Tx) FinishIdempotency(ctx context.Context, key string, receipt []byte, status string) (bool, error) {
	res, err := t.exec(ctx, `
		UPDATE idempotency_records
		SET receipt = ?, status = ?
		WHERE tenant_id = ? AND idempotency_key = ? AND status = 'in_flight'
	`, string(receipt), status, t.tenant.OrgID, key)
	if err != nil {
		return false, Classify(fmt.Errorf("finish idempotency record: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, Classify(fmt.Errorf("finish idempotency record: rows affected: %w", err))
	}
	return n == 1, nil
}

// DeleteExpiredIdempotency removes records that expired at or before now.
// An empty key purges every expired record of the bound tenant.
func (t *Tx) DeleteExpiredIdempotency(ctx context.Context, key string, now time.Time) (int64, error) {
	query := `DELETE FROM idempotency_records WHERE tenant_id = ? AND expires_at <= ?`
	args := []any{t.tenant.OrgID, now.UnixMilli()}
	if key != "" {
		query += ` AND idempotency_key = ?`
		args = append(args, key)
	}
	res, err := t.exec(ctx, query, args...)
	if err != nil {
		return 0, Classify(fmt.Errorf("delete expired idempotency records: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, Classify(fmt.Errorf("delete expired idempotency records: rows affected: %w", err))
	}
	return n, nil
}
