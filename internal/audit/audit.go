// Package audit writes and reads the append-only audit trail.
//
// One entry is appended per accepted mutation, inside the mutation's
// transaction. Snapshots are stored verbatim as canonical JSON together with
// a shallow field diff; redaction is the caller's concern. The storage layer
// rejects UPDATE and DELETE on the table.
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/mkernel/internal/canon"
	"github.com/roach88/mkernel/internal/errcode"
	"github.com/roach88/mkernel/internal/store"
	"github.com/roach88/mkernel/internal/tenant"
)

// Entry is one audit record.
// Before is canon.Null for creations.
type Entry struct {
	ID            string       `json:"id"`
	OrgID         string       `json:"orgId"`
	EntityType    string       `json:"entityType"`
	EntityID      string       `json:"entityId"`
	Action        string       `json:"action"`
	Before        canon.Value  `json:"before"`
	After         canon.Value  `json:"after"`
	Diff          canon.Object `json:"diff"`
	ActorID       string       `json:"actorId"`
	ActorName     string       `json:"actorName,omitempty"`
	Reason        string       `json:"reason,omitempty"`
	Metadata      canon.Object `json:"metadata,omitempty"`
	VersionBefore int64        `json:"versionBefore"`
	VersionAfter  int64        `json:"versionAfter"`
	MutationID    string       `json:"mutationId"`
	CreatedAt     time.Time    `json:"createdAt"`
}

// Filter narrows a Query. Zero fields do not filter.
type Filter struct {
	EntityType string
	EntityID   string
	ActorID    string
	Since      time.Time
	Until      time.Time
	Limit      int
}

// Writer appends entries, stamping ids and timestamps.
type Writer struct {
	newID func() string
	now   func() time.Time
}

// NewWriter returns a Writer using the given id source and clock.
func NewWriter(newID func() string, now func() time.Time) *Writer {
	if now == nil {
		now = time.Now
	}
	return &Writer{newID: newID, now: now}
}

// Append writes e in tx and returns the assigned id.
// ID, OrgID, Diff and CreatedAt are filled in by the writer.
func (w *Writer) Append(ctx context.Context, tx *store.Tx, tc tenant.Context, e Entry) (string, error) {
	if err := tx.Require(tc); err != nil {
		return "", err
	}
	if e.EntityType == "" || e.EntityID == "" || e.Action == "" {
		return "", errcode.New(errcode.Validation, "audit entry needs entity type, entity id and action")
	}
	if e.Before == nil {
		e.Before = canon.Null{}
	}
	if e.After == nil {
		e.After = canon.Null{}
	}

	before, err := canon.Marshal(e.Before)
	if err != nil {
		return "", errcode.Wrap(errcode.Validation, err, "audit before")
	}
	after, err := canon.Marshal(e.After)
	if err != nil {
		return "", errcode.Wrap(errcode.Validation, err, "audit after")
	}
	beforeObj, _ := e.Before.(canon.Object)
	afterObj, _ := e.After.(canon.Object)
	diff, err := canon.Marshal(canon.Diff(beforeObj, afterObj))
	if err != nil {
		return "", errcode.Wrap(errcode.Internal, err, "audit diff")
	}
	var metadata []byte
	if len(e.Metadata) > 0 {
		if metadata, err = canon.Marshal(e.Metadata); err != nil {
			return "", errcode.Wrap(errcode.Validation, err, "audit metadata")
		}
	}

	id := w.newID()
	err = tx.InsertAudit(ctx, store.AuditRecord{
		ID:            id,
		TenantID:      tc.OrgID,
		EntityType:    e.EntityType,
		EntityID:      e.EntityID,
		Action:        e.Action,
		Before:        before,
		After:         after,
		Diff:          diff,
		ActorID:       tc.UserID,
		ActorName:     e.ActorName,
		Reason:        e.Reason,
		Metadata:      metadata,
		VersionBefore: e.VersionBefore,
		VersionAfter:  e.VersionAfter,
		MutationID:    e.MutationID,
		CreatedAt:     w.now(),
	})
	if err != nil {
		return "", fmt.Errorf("append audit: %w", err)
	}
	return id, nil
}

// Query returns tc's entries matching f, oldest first.
func Query(ctx context.Context, tx *store.Tx, tc tenant.Context, f Filter) ([]Entry, error) {
	if err := tx.Require(tc); err != nil {
		return nil, err
	}
	if !f.Since.IsZero() && !f.Until.IsZero() && !f.Until.After(f.Since) {
		return nil, errcode.New(errcode.Validation, "audit query: until must be after since")
	}
	recs, err := tx.QueryAudit(ctx, store.AuditFilter{
		EntityType: f.EntityType,
		EntityID:   f.EntityID,
		ActorID:    f.ActorID,
		Since:      f.Since,
		Until:      f.Until,
		Limit:      f.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}

	out := make([]Entry, 0, len(recs))
	for _, rec := range recs {
		e, err := fromRecord(rec)
		if err != nil {
			return nil, errcode.Wrap(errcode.Internal, err, "decode audit row "+rec.ID)
		}
		out = append(out, e)
	}
	return out, nil
}

func fromRecord(rec store.AuditRecord) (Entry, error) {
	before, err := canon.Parse(rec.Before)
	if err != nil {
		return Entry{}, err
	}
	after, err := canon.Parse(rec.After)
	if err != nil {
		return Entry{}, err
	}
	diff, err := canon.ParseObject(rec.Diff)
	if err != nil {
		return Entry{}, err
	}
	var metadata canon.Object
	if len(rec.Metadata) > 0 {
		if metadata, err = canon.ParseObject(rec.Metadata); err != nil {
			return Entry{}, err
		}
	}
	return Entry{
		ID:            rec.ID,
		OrgID:         rec.TenantID,
		EntityType:    rec.EntityType,
		EntityID:      rec.EntityID,
		Action:        rec.Action,
		Before:        before,
		After:         after,
		Diff:          diff,
		ActorID:       rec.ActorID,
		ActorName:     rec.ActorName,
		Reason:        rec.Reason,
		Metadata:      metadata,
		VersionBefore: rec.VersionBefore,
		VersionAfter:  rec.VersionAfter,
		MutationID:    rec.MutationID,
		CreatedAt:     rec.CreatedAt,
	}, nil
}
