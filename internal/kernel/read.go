package kernel

import (
	"context"
	"time"

	"github.com/roach88/mkernel/internal/audit"
	"github.com/roach88/mkernel/internal/canon"
	"github.com/roach88/mkernel/internal/errcode"
	"github.com/roach88/mkernel/internal/store"
	"github.com/roach88/mkernel/internal/tenant"
)

// EntityView is an entity as returned to callers.
type EntityView struct {
	OrgID      string       `json:"orgId"`
	EntityType string       `json:"entityType"`
	EntityID   string       `json:"entityId"`
	Version    int64        `json:"version"`
	Status     string       `json:"status"`
	State      canon.Object `json:"state"`
	CreatedAt  time.Time    `json:"createdAt"`
	UpdatedAt  time.Time    `json:"updatedAt"`
}

// Get reads one entity of tc. A missing entity is NOT_FOUND.
func (k *Kernel) Get(ctx context.Context, tc tenant.Context, entityType, entityID string) (EntityView, error) {
	var view EntityView
	err := k.store.WithTenant(ctx, tc, func(tx *store.Tx) error {
		e, found, err := tx.GetEntity(ctx, entityType, entityID)
		if err != nil {
			return err
		}
		if !found {
			return errcode.New(errcode.NotFound, "entity %s/%s not found", entityType, entityID)
		}
		state, err := canon.ParseObject(e.State)
		if err != nil {
			return errcode.Wrap(errcode.Internal, err, "stored entity state is corrupt")
		}
		view = EntityView{
			OrgID:      e.TenantID,
			EntityType: e.EntityType,
			EntityID:   e.EntityID,
			Version:    e.Version,
			Status:     e.Status,
			State:      state,
			CreatedAt:  e.CreatedAt,
			UpdatedAt:  e.UpdatedAt,
		}
		return nil
	})
	return view, err
}

// History returns tc's audit entries matching f, oldest first.
func (k *Kernel) History(ctx context.Context, tc tenant.Context, f audit.Filter) ([]audit.Entry, error) {
	var entries []audit.Entry
	err := k.store.WithTenant(ctx, tc, func(tx *store.Tx) error {
		var err error
		entries, err = audit.Query(ctx, tx, tc, f)
		return err
	})
	return entries, err
}

// PurgeExpired removes tc's expired idempotency records.
func (k *Kernel) PurgeExpired(ctx context.Context, tc tenant.Context) (int64, error) {
	var n int64
	err := k.store.WithTenant(ctx, tc, func(tx *store.Tx) error {
		var err error
		n, err = k.ledger.PurgeExpired(ctx, tx, tc)
		return err
	})
	return n, err
}
