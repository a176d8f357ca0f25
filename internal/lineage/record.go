package lineage

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/roach88/mkernel/internal/errcode"
	"github.com/roach88/mkernel/internal/store"
	"github.com/roach88/mkernel/internal/tenant"
)

// DefaultLinkType labels links recorded without a type.
const DefaultLinkType = "transfer"

// MovementInput describes a movement to record. An empty MovementID is generated.
type MovementInput struct {
	MovementID string          `json:"movementId" yaml:"movement_id"`
	ItemID     string          `json:"itemId" yaml:"item_id"`
	LotID      string          `json:"lotId,omitempty" yaml:"lot_id"`
	Qty        decimal.Decimal `json:"qty" yaml:"qty"`
	Kind       string          `json:"kind" yaml:"kind"`
}

// LinkInput is an inbound edge of the movement being recorded.
// From must name a movement that already exists.
type LinkInput struct {
	From     string          `json:"from" yaml:"from"`
	LotID    string          `json:"lotId" yaml:"lot_id"`
	Qty      decimal.Decimal `json:"qty" yaml:"qty"`
	LinkType string          `json:"linkType,omitempty" yaml:"link_type"`
}

// Recorder writes movements and their inbound links.
// Links only point at movements recorded earlier, so the graph stays acyclic.
type Recorder struct {
	newID func() string
	now   func() time.Time
}

// NewRecorder returns a Recorder using the given id source and clock.
func NewRecorder(newID func() string, now func() time.Time) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{newID: newID, now: now}
}

// Record stores m and links in tx and returns the stored movement.
// A link from an unknown movement fails with FK_CONSTRAINT.
func (r *Recorder) Record(ctx context.Context, tx *store.Tx, tc tenant.Context, m MovementInput, links []LinkInput) (store.Movement, error) {
	if err := tx.Require(tc); err != nil {
		return store.Movement{}, err
	}
	if err := m.validate(); err != nil {
		return store.Movement{}, err
	}
	for i, l := range links {
		if err := l.validate(); err != nil {
			return store.Movement{}, fmt.Errorf("link %d: %w", i, err)
		}
	}

	mv := store.Movement{
		TenantID:   tc.OrgID,
		MovementID: m.MovementID,
		ItemID:     m.ItemID,
		LotID:      m.LotID,
		Qty:        m.Qty.String(),
		Kind:       m.Kind,
		RecordedAt: r.now(),
	}
	if mv.MovementID == "" {
		mv.MovementID = r.newID()
	}
	if err := tx.InsertMovement(ctx, mv); err != nil {
		return store.Movement{}, err
	}

	for _, l := range links {
		if l.From == mv.MovementID {
			return store.Movement{}, errcode.New(errcode.Validation, "movement %s cannot link to itself", mv.MovementID)
		}
		linkType := l.LinkType
		if linkType == "" {
			linkType = DefaultLinkType
		}
		err := tx.InsertLink(ctx, store.MovementLink{
			TenantID:       tc.OrgID,
			ID:             r.newID(),
			FromMovementID: l.From,
			ToMovementID:   mv.MovementID,
			LotID:          l.LotID,
			Qty:            l.Qty.String(),
			LinkType:       linkType,
		})
		if err != nil {
			return store.Movement{}, err
		}
	}
	return mv, nil
}

func (m MovementInput) validate() error {
	switch {
	case m.ItemID == "":
		return errcode.New(errcode.Validation, "movement item id is required")
	case m.Kind == "":
		return errcode.New(errcode.Validation, "movement kind is required")
	case m.Qty.IsNegative():
		return errcode.New(errcode.Validation, "movement quantity must not be negative")
	}
	return nil
}

func (l LinkInput) validate() error {
	switch {
	case l.From == "":
		return errcode.New(errcode.Validation, "link source movement is required")
	case l.LotID == "":
		return errcode.New(errcode.Validation, "link lot id is required")
	case !l.Qty.IsPositive():
		return errcode.New(errcode.Validation, "link quantity must be positive")
	}
	return nil
}
