package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/mkernel/internal/tenant"
)

// postgresDSNEnv names the DSN used for Postgres integration tests.
// The role must not be a superuser or have BYPASSRLS.
const postgresDSNEnv = "MKERNEL_TEST_POSTGRES_DSN"

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// createTestStore opens a fresh SQLite store under t.TempDir.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// forEachDialect runs fn against SQLite, and against Postgres when configured.
func forEachDialect(t *testing.T, fn func(t *testing.T, s *Store)) {
	t.Helper()
	t.Run(DriverSQLite, func(t *testing.T) {
		fn(t, createTestStore(t))
	})
	dsn := os.Getenv(postgresDSNEnv)
	if dsn == "" {
		return
	}
	t.Run(DriverPostgres, func(t *testing.T) {
		s, err := OpenDriver(context.Background(), DriverPostgres, dsn)
		if err != nil {
			t.Fatalf("OpenDriver(pgx) failed: %v", err)
		}
		t.Cleanup(func() { s.Close() })
		fn(t, s)
	})
}

// newTenant returns a tenant unique to this run so Postgres data never collides.
func newTenant(name string) tenant.Context {
	return tenant.Context{OrgID: name + "-" + uuid.NewString()[:8], UserID: "user-" + name}
}

func mustWithTenant(t *testing.T, s *Store, tc tenant.Context, fn func(*Tx) error) {
	t.Helper()
	if err := s.WithTenant(context.Background(), tc, fn); err != nil {
		t.Fatalf("WithTenant(%s) failed: %v", tc.OrgID, err)
	}
}

// seedAllTables writes one row into every isolated table for tc.
func seedAllTables(ctx context.Context, tx *Tx, tc tenant.Context) error {
	if err := tx.InsertEntity(ctx, Entity{
		TenantID: tc.OrgID, EntityType: "item", EntityID: "item-1",
		Version: 1, Status: "active", State: []byte(`{}`),
		CreatedAt: testNow, UpdatedAt: testNow,
	}); err != nil {
		return err
	}
	if _, err := tx.InsertIdempotency(ctx, IdempotencyRecord{
		TenantID: tc.OrgID, Key: "k1", ActionType: "create", RequestHash: "h",
		Status: LedgerInFlight, CreatedAt: testNow, ExpiresAt: testNow.Add(time.Hour),
	}); err != nil {
		return err
	}
	if err := tx.InsertAudit(ctx, AuditRecord{
		ID: uuid.NewString(), TenantID: tc.OrgID, EntityType: "item", EntityID: "item-1",
		Action: "create", Before: []byte(`null`), After: []byte(`{}`), Diff: []byte(`{}`),
		ActorID: tc.UserID, VersionBefore: 0, VersionAfter: 1, MutationID: "m1", CreatedAt: testNow,
	}); err != nil {
		return err
	}
	if err := tx.InsertOutbox(ctx, OutboxEvent{
		ID: uuid.NewString(), TenantID: tc.OrgID, Topic: "entity.create", EntityType: "item",
		EntityID: "item-1", MutationID: "m1", Payload: []byte(`{}`), CreatedAt: testNow,
	}); err != nil {
		return err
	}
	for _, id := range []string{"M1", "M2"} {
		if err := tx.InsertMovement(ctx, Movement{
			TenantID: tc.OrgID, MovementID: id, ItemID: "item-1", Qty: "1", Kind: "receipt", RecordedAt: testNow,
		}); err != nil {
			return err
		}
	}
	return tx.InsertLink(ctx, MovementLink{
		TenantID: tc.OrgID, ID: uuid.NewString(), FromMovementID: "M1", ToMovementID: "M2",
		LotID: "lot-1", Qty: "1", LinkType: "consume",
	})
}

// isolatedTables lists every tenant-isolated table in the schema.
var isolatedTables = []string{
	"entities",
	"idempotency_records",
	"audit_log",
	"outbox",
	"movements",
	"movement_links",
}
