package store

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"

	"github.com/roach88/mkernel/internal/errcode"
)

// Trigger messages raised by the schema.
const (
	msgPolicyDenied   = "POLICY_DENIED"
	msgAuditAppend    = "AUDIT_APPEND_ONLY"
	msgEntityNoDelete = "ENTITY_NO_DELETE"
	msgRecordFinal    = "IDEMPOTENCY_RECORD_FINAL"
	pgUniqueViolation = "23505"
	pgFKViolation     = "23503"
	pgCheckViolation  = "23514"
	pgInsufficientPrv = "42501"
	pgSerialization   = "40001"
	pgDeadlock        = "40P01"
)

// Classify maps a driver error onto a registered error code.
// Errors that already carry a code, and nil, are returned unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var ce *errcode.Error
	if errors.As(err, &ce) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return errcode.Wrap(errcode.ConflictRetry, err, "interrupted")
	}
	return errcode.Wrap(classifyCode(err), err, "")
}

func classifyCode(err error) errcode.Code {
	msg := err.Error()
	switch {
	case strings.Contains(msg, msgAuditAppend), strings.Contains(msg, msgEntityNoDelete),
		strings.Contains(msg, msgPolicyDenied):
		return errcode.PolicyDenied
	case strings.Contains(msg, msgRecordFinal):
		return errcode.Internal
	}

	var se sqlite3.Error
	if errors.As(err, &se) {
		switch se.ExtendedCode {
		case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintPrimaryKey:
			return errcode.UniqueConstraint
		case sqlite3.ErrConstraintForeignKey:
			return errcode.FKConstraint
		case sqlite3.ErrConstraintCheck, sqlite3.ErrConstraintNotNull:
			return errcode.Validation
		}
		switch se.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return errcode.ConflictRetry
		}
		return errcode.Internal
	}

	var pe *pgconn.PgError
	if errors.As(err, &pe) {
		switch pe.Code {
		case pgUniqueViolation:
			return errcode.UniqueConstraint
		case pgFKViolation:
			return errcode.FKConstraint
		case pgCheckViolation:
			return errcode.Validation
		case pgInsufficientPrv:
			return errcode.PolicyDenied
		case pgSerialization, pgDeadlock:
			return errcode.ConflictRetry
		}
	}
	return errcode.Internal
}
