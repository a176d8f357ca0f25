package testutil

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/roach88/mkernel/internal/store"
	"github.com/roach88/mkernel/internal/telemetry"
	"github.com/roach88/mkernel/internal/tenant"
)

// OpenStore opens a fresh SQLite store in t's temp dir and closes it on cleanup.
func OpenStore(t testing.TB) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.WithLogger(telemetry.Discard()))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// Tenant returns a tenant context with a unique org id prefixed by name.
func Tenant(name string) tenant.Context {
	return tenant.Context{OrgID: name + "-" + uuid.NewString()[:8], UserID: name + "-user"}
}
