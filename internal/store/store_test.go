package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"

	"github.com/roach88/mkernel/internal/errcode"
	"github.com/roach88/mkernel/internal/tenant"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
	v, err := s.SchemaVersion(context.Background())
	if err != nil {
		t.Fatalf("SchemaVersion() failed: %v", err)
	}
	if v != currentSchemaVersion {
		t.Errorf("schema version = %d, want %d", v, currentSchemaVersion)
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := OpenDriver(context.Background(), "oracle", "x"); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestWithTenant_RequiresTenant(t *testing.T) {
	s := createTestStore(t)
	err := s.WithTenant(context.Background(), tenant.Context{UserID: "u1"}, func(*Tx) error { return nil })
	if !errcode.Is(err, errcode.Validation) {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
}

func TestWithTenant_CrossTenantReadsReturnNothing(t *testing.T) {
	forEachDialect(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		a, b := newTenant("a"), newTenant("b")

		mustWithTenant(t, s, a, func(tx *Tx) error { return seedAllTables(ctx, tx, a) })

		for _, table := range isolatedTables {
			var countA, countB int
			mustWithTenant(t, s, a, func(tx *Tx) error {
				return tx.queryRow(ctx, `SELECT COUNT(*) FROM scoped_`+table+` WHERE tenant_id = ?`, a.OrgID).Scan(&countA)
			})
			mustWithTenant(t, s, b, func(tx *Tx) error {
				return tx.queryRow(ctx, `SELECT COUNT(*) FROM scoped_`+table+` WHERE tenant_id = ?`, a.OrgID).Scan(&countB)
			})
			if countA == 0 {
				t.Errorf("%s: tenant A sees none of its own rows", table)
			}
			if countB != 0 {
				t.Errorf("%s: tenant B sees %d rows of tenant A", table, countB)
			}

			var outside int
			if err := s.db.QueryRow(`SELECT COUNT(*) FROM scoped_` + table).Scan(&outside); err != nil {
				t.Fatalf("%s: unscoped count failed: %v", table, err)
			}
			if outside != 0 {
				t.Errorf("%s: %d rows visible without a tenant context", table, outside)
			}
		}

		mustWithTenant(t, s, b, func(tx *Tx) error {
			_, found, err := tx.GetEntity(ctx, "item", "item-1")
			if err != nil {
				return err
			}
			if found {
				t.Error("tenant B read tenant A's entity")
			}
			return nil
		})
	})
}

func TestWithTenant_ForeignTenantWriteDenied(t *testing.T) {
	forEachDialect(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		a, b := newTenant("a"), newTenant("b")

		err := s.WithTenant(ctx, b, func(tx *Tx) error {
			return tx.InsertEntity(ctx, Entity{
				TenantID: a.OrgID, EntityType: "item", EntityID: "spoof",
				Version: 1, Status: "active", State: []byte(`{}`),
				CreatedAt: testNow, UpdatedAt: testNow,
			})
		})
		if !errcode.Is(err, errcode.PolicyDenied) {
			t.Fatalf("expected POLICY_DENIED, got %v", err)
		}

		mustWithTenant(t, s, a, func(tx *Tx) error {
			_, found, err := tx.GetEntity(ctx, "item", "spoof")
			if err != nil {
				return err
			}
			if found {
				t.Error("spoofed row was written")
			}
			return nil
		})
	})
}

func TestWithTenant_ForeignTenantUpdateHasNoEffect(t *testing.T) {
	forEachDialect(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		a, b := newTenant("a"), newTenant("b")
		mustWithTenant(t, s, a, func(tx *Tx) error { return seedAllTables(ctx, tx, a) })

		err := s.WithTenant(ctx, b, func(tx *Tx) error {
			res, err := tx.exec(ctx, `UPDATE entities SET status = 'hijacked' WHERE tenant_id = ?`, a.OrgID)
			if err != nil {
				return Classify(err)
			}
			if n, _ := res.RowsAffected(); n != 0 {
				t.Errorf("cross-tenant update touched %d rows", n)
			}
			return nil
		})
		if err != nil && !errcode.Is(err, errcode.PolicyDenied) {
			t.Fatalf("expected POLICY_DENIED or no effect, got %v", err)
		}

		mustWithTenant(t, s, a, func(tx *Tx) error {
			e, _, err := tx.GetEntity(ctx, "item", "item-1")
			if err != nil {
				return err
			}
			if e.Status != "active" {
				t.Errorf("status = %q, want active", e.Status)
			}
			return nil
		})
	})
}

func TestAudit_AppendOnly(t *testing.T) {
	forEachDialect(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		a := newTenant("a")
		mustWithTenant(t, s, a, func(tx *Tx) error { return seedAllTables(ctx, tx, a) })

		statements := map[string]string{
			"update": `UPDATE audit_log SET reason = 'edited' WHERE tenant_id = ?`,
			"delete": `DELETE FROM audit_log WHERE tenant_id = ?`,
		}
		for name, stmt := range statements {
			err := s.WithTenant(ctx, a, func(tx *Tx) error {
				_, err := tx.exec(ctx, stmt, a.OrgID)
				return Classify(err)
			})
			if !errcode.Is(err, errcode.PolicyDenied) {
				t.Errorf("%s: expected POLICY_DENIED, got %v", name, err)
			}
		}

		mustWithTenant(t, s, a, func(tx *Tx) error {
			recs, err := tx.QueryAudit(ctx, AuditFilter{})
			if err != nil {
				return err
			}
			if len(recs) != 1 || recs[0].Reason != "" {
				t.Errorf("audit rows changed: %+v", recs)
			}
			return nil
		})
	})
}

func TestEntities_NeverDeleted(t *testing.T) {
	forEachDialect(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		a := newTenant("a")
		mustWithTenant(t, s, a, func(tx *Tx) error { return seedAllTables(ctx, tx, a) })

		err := s.WithTenant(ctx, a, func(tx *Tx) error {
			_, err := tx.exec(ctx, `DELETE FROM entities WHERE tenant_id = ?`, a.OrgID)
			return Classify(err)
		})
		if !errcode.Is(err, errcode.PolicyDenied) {
			t.Fatalf("expected POLICY_DENIED, got %v", err)
		}

		mustWithTenant(t, s, a, func(tx *Tx) error {
			_, found, err := tx.GetEntity(ctx, "item", "item-1")
			if err != nil {
				return err
			}
			if !found {
				t.Error("entity was deleted")
			}
			return nil
		})
	})
}

func TestUpdateEntity_Conditional(t *testing.T) {
	forEachDialect(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		a := newTenant("a")
		mustWithTenant(t, s, a, func(tx *Tx) error { return seedAllTables(ctx, tx, a) })

		mustWithTenant(t, s, a, func(tx *Tx) error {
			e, _, err := tx.GetEntity(ctx, "item", "item-1")
			if err != nil {
				return err
			}
			e.Version = 2
			e.State = []byte(`{"name":"x"}`)

			ok, err := tx.UpdateEntity(ctx, e, 5)
			if err != nil {
				return err
			}
			if ok {
				t.Error("update with stale version succeeded")
			}
			ok, err = tx.UpdateEntity(ctx, e, 1)
			if err != nil {
				return err
			}
			if !ok {
				t.Error("update with current version failed")
			}
			return nil
		})

		mustWithTenant(t, s, a, func(tx *Tx) error {
			e, _, err := tx.GetEntity(ctx, "item", "item-1")
			if err != nil {
				return err
			}
			if e.Version != 2 || string(e.State) != `{"name":"x"}` {
				t.Errorf("entity = v%d %s", e.Version, e.State)
			}
			return nil
		})
	})
}

func TestInsertEntity_Duplicate(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	a := newTenant("a")
	mustWithTenant(t, s, a, func(tx *Tx) error { return seedAllTables(ctx, tx, a) })

	err := s.WithTenant(ctx, a, func(tx *Tx) error {
		return tx.InsertEntity(ctx, Entity{
			TenantID: a.OrgID, EntityType: "item", EntityID: "item-1",
			Version: 1, Status: "active", State: []byte(`{}`), CreatedAt: testNow, UpdatedAt: testNow,
		})
	})
	if !errcode.Is(err, errcode.UniqueConstraint) {
		t.Fatalf("expected UNIQUE_CONSTRAINT, got %v", err)
	}
}

func TestIdempotency_InsertIfAbsentAndFinish(t *testing.T) {
	forEachDialect(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		a := newTenant("a")
		rec := IdempotencyRecord{
			TenantID: a.OrgID, Key: "key-1", ActionType: "create", RequestHash: "h1",
			Status: LedgerInFlight, CreatedAt: testNow, ExpiresAt: testNow.Add(24 * time.Hour),
		}

		mustWithTenant(t, s, a, func(tx *Tx) error {
			inserted, err := tx.InsertIdempotency(ctx, rec)
			if err != nil {
				return err
			}
			if !inserted {
				t.Error("first insert was not inserted")
			}

			dup := rec
			dup.RequestHash = "h2"
			inserted, err = tx.InsertIdempotency(ctx, dup)
			if err != nil {
				return err
			}
			if inserted {
				t.Error("duplicate insert was inserted")
			}

			ok, err := tx.FinishIdempotency(ctx, "key-1", []byte(`{"status":"ok"}`), LedgerComplete)
			if err != nil {
				return err
			}
			if !ok {
				t.Error("finish of in-flight record failed")
			}
			ok, err = tx.FinishIdempotency(ctx, "key-1", []byte(`{"status":"other"}`), LedgerFailed)
			if err != nil {
				return err
			}
			if ok {
				t.Error("second finish succeeded")
			}
			return nil
		})

		mustWithTenant(t, s, a, func(tx *Tx) error {
			got, found, err := tx.GetIdempotency(ctx, "key-1")
			if err != nil {
				return err
			}
			if !found {
				t.Fatal("record not found")
			}
			if got.RequestHash != "h1" || got.Status != LedgerComplete || string(got.Receipt) != `{"status":"ok"}` {
				t.Errorf("record = %+v", got)
			}
			if !got.ExpiresAt.Equal(rec.ExpiresAt) {
				t.Errorf("expires_at = %v, want %v", got.ExpiresAt, rec.ExpiresAt)
			}
			return nil
		})

		err := s.WithTenant(ctx, a, func(tx *Tx) error {
			_, err := tx.exec(ctx, `UPDATE idempotency_records SET status = 'failed' WHERE tenant_id = ? AND idempotency_key = ?`, a.OrgID, "key-1")
			return Classify(err)
		})
		if !errcode.Is(err, errcode.Internal) {
			t.Fatalf("expected INTERNAL for rewrite of a final record, got %v", err)
		}
	})
}

func TestIdempotency_DeleteExpired(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	a := newTenant("a")

	mustWithTenant(t, s, a, func(tx *Tx) error {
		for i, key := range []string{"old-1", "old-2", "fresh"} {
			exp := testNow.Add(-1)
			if key == "fresh" {
				exp = testNow.Add(time.Hour)
			}
			if _, err := tx.InsertIdempotency(ctx, IdempotencyRecord{
				TenantID: a.OrgID, Key: key, ActionType: "create", RequestHash: "h",
				Status: LedgerInFlight, CreatedAt: testNow.Add(-2*time.Hour + time.Duration(i)*time.Millisecond), ExpiresAt: exp,
			}); err != nil {
				return err
			}
		}
		return nil
	})

	mustWithTenant(t, s, a, func(tx *Tx) error {
		n, err := tx.DeleteExpiredIdempotency(ctx, "old-1", testNow)
		if err != nil {
			return err
		}
		if n != 1 {
			t.Errorf("keyed purge removed %d, want 1", n)
		}
		n, err = tx.DeleteExpiredIdempotency(ctx, "", testNow)
		if err != nil {
			return err
		}
		if n != 1 {
			t.Errorf("tenant purge removed %d, want 1", n)
		}
		_, found, err := tx.GetIdempotency(ctx, "fresh")
		if err != nil {
			return err
		}
		if !found {
			t.Error("unexpired record was purged")
		}
		return nil
	})
}

func TestMovementLinks(t *testing.T) {
	forEachDialect(t, func(t *testing.T, s *Store) {
		ctx := context.Background()
		a := newTenant("a")
		mustWithTenant(t, s, a, func(tx *Tx) error { return seedAllTables(ctx, tx, a) })

		err := s.WithTenant(ctx, a, func(tx *Tx) error {
			return tx.InsertLink(ctx, MovementLink{
				TenantID: a.OrgID, ID: "dangling", FromMovementID: "M-missing", ToMovementID: "M2",
				LotID: "lot-1", Qty: "1", LinkType: "consume",
			})
		})
		if !errcode.Is(err, errcode.FKConstraint) {
			t.Fatalf("expected FK_CONSTRAINT, got %v", err)
		}

		mustWithTenant(t, s, a, func(tx *Tx) error {
			ids := make([]string, 0, maxInParams+10)
			for i := 0; i < maxInParams+9; i++ {
				ids = append(ids, "none")
			}
			ids = append(ids, "M1")

			from, err := tx.LinksFrom(ctx, ids)
			if err != nil {
				return err
			}
			if len(from) != 1 || from[0].ToMovementID != "M2" {
				t.Errorf("LinksFrom = %+v", from)
			}
			to, err := tx.LinksTo(ctx, []string{"M2"})
			if err != nil {
				return err
			}
			if len(to) != 1 || to[0].FromMovementID != "M1" {
				t.Errorf("LinksTo = %+v", to)
			}
			byLot, err := tx.LinksByLot(ctx, "lot-1")
			if err != nil {
				return err
			}
			if len(byLot) != 1 {
				t.Errorf("LinksByLot = %+v", byLot)
			}
			m, found, err := tx.GetMovement(ctx, "M1")
			if err != nil {
				return err
			}
			if !found || m.Qty != "1" || m.LotID != "" {
				t.Errorf("GetMovement = %+v found=%v", m, found)
			}
			return nil
		})
	})
}

func TestOutbox_PendingAndMarkPublished(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	a := newTenant("a")
	mustWithTenant(t, s, a, func(tx *Tx) error { return seedAllTables(ctx, tx, a) })

	mustWithTenant(t, s, a, func(tx *Tx) error {
		pending, err := tx.PendingOutbox(ctx, 10)
		if err != nil {
			return err
		}
		if len(pending) != 1 {
			t.Fatalf("pending = %d, want 1", len(pending))
		}
		ok, err := tx.MarkPublished(ctx, pending[0].ID, testNow)
		if err != nil {
			return err
		}
		if !ok {
			t.Error("MarkPublished returned false")
		}
		ok, err = tx.MarkPublished(ctx, pending[0].ID, testNow)
		if err != nil {
			return err
		}
		if ok {
			t.Error("second MarkPublished returned true")
		}
		rest, err := tx.PendingOutbox(ctx, 10)
		if err != nil {
			return err
		}
		if len(rest) != 0 {
			t.Errorf("pending after publish = %d", len(rest))
		}
		return nil
	})
}

func TestCompileAuditQuery(t *testing.T) {
	query, params := compileAuditQuery(AuditFilter{EntityType: "item", ActorID: "u1", Since: testNow, Limit: 5})
	want := "SELECT " + auditColumns + " FROM scoped_audit_log WHERE entity_type = ? AND actor_id = ? AND created_at >= ? ORDER BY created_at ASC, id ASC LIMIT ?"
	if query != want {
		t.Errorf("query =\n%s\nwant\n%s", query, want)
	}
	if len(params) != 4 || params[3] != 5 {
		t.Errorf("params = %v", params)
	}
}

func TestRebind(t *testing.T) {
	got := postgresDialect{}.Rebind(`SELECT ? WHERE x = '?' AND y = ?`)
	want := `SELECT $1 WHERE x = '?' AND y = $2`
	if got != want {
		t.Errorf("Rebind = %q, want %q", got, want)
	}
	if (sqliteDialect{}).Rebind("a = ?") != "a = ?" {
		t.Error("sqlite rebind must be identity")
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want errcode.Code
	}{
		{"sqlite unique", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintUnique}, errcode.UniqueConstraint},
		{"sqlite primary key", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintPrimaryKey}, errcode.UniqueConstraint},
		{"sqlite fk", sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintForeignKey}, errcode.FKConstraint},
		{"sqlite busy", sqlite3.Error{Code: sqlite3.ErrBusy}, errcode.ConflictRetry},
		{"pg unique", &pgconn.PgError{Code: "23505"}, errcode.UniqueConstraint},
		{"pg fk", &pgconn.PgError{Code: "23503"}, errcode.FKConstraint},
		{"pg rls", &pgconn.PgError{Code: "42501", Message: "new row violates row-level security policy"}, errcode.PolicyDenied},
		{"pg serialization", &pgconn.PgError{Code: "40001"}, errcode.ConflictRetry},
		{"trigger message", errors.New("POLICY_DENIED: entities"), errcode.PolicyDenied},
		{"append only", errors.New("AUDIT_APPEND_ONLY"), errcode.PolicyDenied},
		{"no entity delete", errors.New("ENTITY_NO_DELETE"), errcode.PolicyDenied},
		{"canceled", context.Canceled, errcode.ConflictRetry},
		{"other", errors.New("boom"), errcode.Internal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errcode.Of(Classify(tt.err)); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}

	if Classify(nil) != nil {
		t.Error("Classify(nil) must be nil")
	}
	coded := errcode.New(errcode.NotFound, "x")
	if Classify(coded) != error(coded) {
		t.Error("coded errors must pass through unchanged")
	}
}
