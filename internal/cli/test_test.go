package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const passingScenario = `
name: create_once
steps:
  - commit:
      action: create
      entity_type: item
      entity_id: item-1
      payload: { name: widget }
      idempotency_key: k1
    expect: { status: ok, version_after: 1 }
  - commit:
      action: create
      entity_type: item
      entity_id: item-1
      payload: { name: widget }
      idempotency_key: k1
    expect: { status: ok, replayed: true }
assertions:
  - { type: entity, entity_type: item, entity_id: item-1, version: 1 }
`

const failingScenario = `
name: wrong_version
steps:
  - commit:
      action: create
      entity_type: item
      entity_id: item-1
      payload: { name: widget }
    expect: { status: ok, version_after: 2 }
`

func runTestCommand(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewTestCommand(&RootOptions{Format: format})
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func writeScenario(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestTestCommandMissingArgs(t *testing.T) {
	_, err := runTestCommand(t, "text")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires at least 1 arg")
}

func TestTestCommandNonExistentPath(t *testing.T) {
	_, err := runTestCommand(t, "text", "/nonexistent/scenarios")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "failed to find scenarios")
}

func TestTestCommandEmptyDir(t *testing.T) {
	out, err := runTestCommand(t, "text", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No scenarios found.")
}

func TestTestCommandHarnessScenarios(t *testing.T) {
	out, err := runTestCommand(t, "text", filepath.Join("..", "harness", "testdata", "scenarios"))
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ kernel_basics")
	assert.Contains(t, out, "✓ lineage_recall")
	assert.Contains(t, out, "0 failed")
}

func TestTestCommandFailureExitCode(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "pass.yaml", passingScenario)
	writeScenario(t, dir, "fail.yaml", failingScenario)

	out, err := runTestCommand(t, "json", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, 1, resp.Data.Passed)
	assert.Equal(t, 1, resp.Data.Failed)
	for _, s := range resp.Data.Scenarios {
		if s.Name == "wrong_version" {
			assert.Equal(t, []string{"step 1 (commit): version_after: expected 2, got 1"}, s.Errors)
		}
	}
}

func TestTestCommandFilter(t *testing.T) {
	dir := t.TempDir()
	writeScenario(t, dir, "pass.yaml", passingScenario)
	writeScenario(t, dir, "fail.yaml", failingScenario)

	out, err := runTestCommand(t, "text", dir, "--filter", "pa*")
	require.NoError(t, err, out)
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
}

func TestTestCommandGolden(t *testing.T) {
	dir := t.TempDir()
	file := writeScenario(t, dir, "pass.yaml", passingScenario)

	out, err := runTestCommand(t, "text", file, "--update")
	require.NoError(t, err, out)
	assert.Contains(t, out, "(golden updated)")

	golden, err := os.ReadFile(filepath.Join(dir, "golden", "pass.golden"))
	require.NoError(t, err)
	assert.Contains(t, string(golden), `"scenario":"create_once"`)

	_, err = runTestCommand(t, "text", file)
	require.NoError(t, err)

	// The golden directory is not itself scanned for scenarios.
	out, err = runTestCommand(t, "text", dir)
	require.NoError(t, err, out)
	assert.Contains(t, out, "1 total")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "golden", "pass.golden"), []byte("{}\n"), 0o644))
	out, err = runTestCommand(t, "text", file)
	require.Error(t, err)
	assert.Contains(t, out, "trace does not match golden file")
}

func TestTestCommandLoadError(t *testing.T) {
	dir := t.TempDir()
	file := writeScenario(t, dir, "broken.yaml", "name: broken\nsteps: []\n")

	out, err := runTestCommand(t, "text", file)
	require.Error(t, err)
	assert.Contains(t, out, "✗ broken.yaml")
	assert.Contains(t, out, "load error")
}
