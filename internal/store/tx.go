package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/mkernel/internal/errcode"
	"github.com/roach88/mkernel/internal/tenant"
)

// Tx is a transaction bound to one tenant.
// Every row it writes must belong to that tenant; every read goes through a
// scoped view and only sees that tenant's rows.
type Tx struct {
	tx      *sql.Tx
	dialect Dialect
	tenant  tenant.Context
}

// Tenant returns the tenant the transaction is bound to.
func (t *Tx) Tenant() tenant.Context {
	return t.tenant
}

// Dialect returns the transaction's dialect.
func (t *Tx) Dialect() Dialect {
	return t.dialect
}

// Require fails with POLICY_DENIED when tc is not the bound tenant.
func (t *Tx) Require(tc tenant.Context) error {
	if tc.OrgID != t.tenant.OrgID {
		return errcode.New(errcode.PolicyDenied,
			"tenant %q cannot act inside a transaction bound to %q", tc.OrgID, t.tenant.OrgID)
	}
	return nil
}

func (t *Tx) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, t.dialect.Rebind(query), args...)
}

func (t *Tx) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, t.dialect.Rebind(query), args...)
}

func (t *Tx) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, t.dialect.Rebind(query), args...)
}

// WithTenant runs fn inside one transaction bound to tc.
//
// The transaction commits when fn returns nil and rolls back otherwise.
// Driver errors from the commit are classified into error codes.
func (s *Store) WithTenant(ctx context.Context, tc tenant.Context, fn func(*Tx) error) error {
	if err := tc.Validate(); err != nil {
		return err
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Classify(fmt.Errorf("begin tx: %w", err))
	}
	committed := false
	defer func() {
		if !committed {
			_ = sqlTx.Rollback()
		}
	}()

	if err := s.dialect.bindTenant(ctx, sqlTx, tc); err != nil {
		return Classify(fmt.Errorf("bind tenant: %w", err))
	}

	if err := fn(&Tx{tx: sqlTx, dialect: s.dialect, tenant: tc}); err != nil {
		return err
	}

	if err := s.dialect.unbindTenant(ctx, sqlTx); err != nil {
		return Classify(fmt.Errorf("unbind tenant: %w", err))
	}
	if err := sqlTx.Commit(); err != nil {
		return Classify(fmt.Errorf("commit: %w", err))
	}
	committed = true
	return nil
}
