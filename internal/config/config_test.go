package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/mkernel/internal/errcode"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, errcode.PostedDocumentImmutable, cfg.LockedCodes()["posted"])
	assert.Equal(t, 20, cfg.TraceMaxDepth)
}

func TestLoad_Precedence(t *testing.T) {
	path := writeFile(t, "mkernel.yaml", `
driver: sqlite3
dsn: from-yaml.db
trace_max_depth: 5
idempotency_ttl: 2h
log_format: json
`)
	dotenv := writeFile(t, ".env", "MKERNEL_LOG_LEVEL=debug\nMKERNEL_TRACE_MAX_DEPTH=7\n")
	t.Setenv("MKERNEL_DB_DSN", "from-env.db")
	t.Setenv("MKERNEL_TRACE_MAX_DEPTH", "9")

	cfg, err := Load(path, dotenv)
	require.NoError(t, err)
	t.Cleanup(func() { os.Unsetenv("MKERNEL_LOG_LEVEL") })

	assert.Equal(t, "from-env.db", cfg.DSN, "environment overrides yaml")
	assert.Equal(t, 9, cfg.TraceMaxDepth, "process environment wins over dotenv")
	assert.Equal(t, "debug", cfg.LogLevel, "dotenv fills unset variables")
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 2*time.Hour, cfg.IdempotencyTTL)
}

func TestLoad_MissingDotenvIgnored(t *testing.T) {
	cfg, err := Load("", filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
	assert.Equal(t, "sqlite3", cfg.Driver)
}

func TestLoad_UnknownYAMLField(t *testing.T) {
	path := writeFile(t, "bad.yaml", "dirver: pgx\n")
	_, err := Load(path, "")
	require.Error(t, err)
}

func TestLoad_EmptyYAML(t *testing.T) {
	path := writeFile(t, "empty.yaml", "")
	cfg, err := Load(path, "")
	require.NoError(t, err)
	assert.Equal(t, Default().DSN, cfg.DSN)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.TraceMaxDepth = 0
	cfg.LockedStatuses = map[string]string{"posted": "INTERNAL", "void": "NOPE"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "trace_max_depth")
	assert.Contains(t, err.Error(), "not a client fault")
	assert.Contains(t, err.Error(), "unregistered error code")
}
