package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// AuditRecord is one append-only audit_log row.
// Before, After, Diff and Metadata are canonical JSON text.
type AuditRecord struct {
	ID            string
	TenantID      string
	EntityType    string
	EntityID      string
	Action        string
	Before        []byte
	After         []byte
	Diff          []byte
	ActorID       string
	ActorName     string
	Reason        string
	Metadata      []byte
	VersionBefore int64
	VersionAfter  int64
	MutationID    string
	CreatedAt     time.Time
}

// AuditFilter selects audit rows of the bound tenant. Zero fields do not filter.
type AuditFilter struct {
	EntityType string
	EntityID   string
	ActorID    string
	Since      time.Time // inclusive
	Until      time.Time // exclusive
	Limit      int
}

const auditColumns = `id, tenant_id, entity_type, entity_id, action, before_state, after_state, diff,
		actor_id, actor_name, reason, metadata, version_before, version_after, mutation_id, created_at`

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// InsertAudit appends rec. There is no update or delete counterpart.
func (t *Tx) InsertAudit(ctx context.Context, rec AuditRecord) error {
	var metadata any
	if len(rec.Metadata) > 0 {
		metadata = string(rec.Metadata)
	}
	_, err := t.exec(ctx, `
		INSERT INTO audit_log (`+auditColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.TenantID,
		rec.EntityType,
		rec.EntityID,
		rec.Action,
		string(rec.Before),
		string(rec.After),
		string(rec.Diff),
		rec.ActorID,
		nullable(rec.ActorName),
		nullable(rec.Reason),
		metadata,
		rec.VersionBefore,
		rec.VersionAfter,
		rec.MutationID,
		rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return Classify(fmt.Errorf("insert audit: %w", err))
	}
	return nil
}

// compileAuditQuery builds the parameterized SELECT for f.
// Every query orders by (created_at, id) so results are deterministic.
func compileAuditQuery(f AuditFilter) (string, []any) {
	var (
		where  []string
		params []any
	)
	if f.EntityType != "" {
		where = append(where, "entity_type = ?")
		params = append(params, f.EntityType)
	}
	if f.EntityID != "" {
		where = append(where, "entity_id = ?")
		params = append(params, f.EntityID)
	}
	if f.ActorID != "" {
		where = append(where, "actor_id = ?")
		params = append(params, f.ActorID)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		params = append(params, f.Since.UnixMilli())
	}
	if !f.Until.IsZero() {
		where = append(where, "created_at < ?")
		params = append(params, f.Until.UnixMilli())
	}

	var b strings.Builder
	b.WriteString("SELECT " + auditColumns + " FROM scoped_audit_log")
	if len(where) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(where, " AND "))
	}
	b.WriteString(" ORDER BY created_at ASC, id ASC")
	if f.Limit > 0 {
		b.WriteString(" LIMIT ?")
		params = append(params, f.Limit)
	}
	return b.String(), params
}

// QueryAudit returns the bound tenant's audit rows matching f.
func (t *Tx) QueryAudit(ctx context.Context, f AuditFilter) ([]AuditRecord, error) {
	query, params := compileAuditQuery(f)
	rows, err := t.query(ctx, query, params...)
	if err != nil {
		return nil, Classify(fmt.Errorf("query audit: %w", err))
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var (
			rec                         AuditRecord
			before, after, diff         string
			actorName, reason, metadata sql.NullString
			created                     int64
		)
		if err := rows.Scan(
			&rec.ID, &rec.TenantID, &rec.EntityType, &rec.EntityID, &rec.Action,
			&before, &after, &diff,
			&rec.ActorID, &actorName, &reason, &metadata,
			&rec.VersionBefore, &rec.VersionAfter, &rec.MutationID, &created,
		); err != nil {
			return nil, Classify(fmt.Errorf("query audit: scan: %w", err))
		}
		rec.Before = []byte(before)
		rec.After = []byte(after)
		rec.Diff = []byte(diff)
		rec.ActorName = actorName.String
		rec.Reason = reason.String
		if metadata.Valid {
			rec.Metadata = []byte(metadata.String)
		}
		rec.CreatedAt = time.UnixMilli(created).UTC()
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, Classify(fmt.Errorf("query audit: %w", err))
	}
	return out, nil
}
