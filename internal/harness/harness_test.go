package harness

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int64p(v int64) *int64 { return &v }
func intp(v int) *int       { return &v }

func TestRun_Scenarios(t *testing.T) {
	paths, err := filepath.Glob(filepath.Join("testdata", "scenarios", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			scenario, err := LoadScenario(path)
			require.NoError(t, err)

			result, err := RunWithGolden(t, scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "errors: %v", result.Errors)
			assert.Len(t, result.Trace, len(scenario.Steps))
		})
	}
}

func TestRun_IsDeterministic(t *testing.T) {
	scenario, err := LoadScenario(filepath.Join("testdata", "scenarios", "lineage_recall.yaml"))
	require.NoError(t, err)

	first, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	second, err := Run(context.Background(), scenario)
	require.NoError(t, err)

	a, err := first.Snapshot(scenario.Name)
	require.NoError(t, err)
	b, err := second.Snapshot(scenario.Name)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRun_FailedExpectationsAreCollected(t *testing.T) {
	scenario := &Scenario{
		Name: "mismatch",
		Steps: []Step{
			{
				Commit: &CommitStep{
					Action:     "create",
					EntityType: "item",
					EntityID:   "item-1",
					Payload:    map[string]any{"name": "widget"},
				},
				Expect: &Expect{Status: "rejected", VersionAfter: int64p(2)},
			},
			{
				Trace:  &TraceStep{Lot: "L1", Direction: "forward"},
				Expect: &Expect{TotalAffected: intp(1), Movements: map[string]int{"M2": 1}},
			},
		},
		Assertions: []Assertion{
			{Type: AssertEntity, EntityType: "item", EntityID: "item-1", Version: int64p(5)},
		},
	}

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	assert.Equal(t, []string{
		"step 1 (commit): status: expected rejected, got ok",
		"step 1 (commit): version_after: expected 2, got 1",
		"step 2 (trace): total_affected: expected 1, got 0",
		"step 2 (trace): movement M2: expected at depth 1, not reached",
		"assertion[0]: Assertion failed: entity item/item-1\n  Expected: matching entity\n  Actual: version 5 != 1",
	}, result.Errors)
}

func TestRun_UnexpectedErrorFails(t *testing.T) {
	scenario := &Scenario{
		Name: "bad_link",
		Steps: []Step{
			{Movement: &MovementStep{Links: nil}},
		},
	}
	scenario.Steps[0].Movement.ItemID = "flour"
	scenario.Steps[0].Movement.Kind = "receipt"
	scenario.Steps[0].Movement.MovementID = "M1"

	result, err := Run(context.Background(), scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "errors: %v", result.Errors)
	require.Len(t, result.Trace, 1)
	assert.Equal(t, "M1", result.Trace[0].MovementID)

	scenario.Steps = append(scenario.Steps, Step{Movement: &MovementStep{}})
	result, err = Run(context.Background(), scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "step 2 (movement): unexpected error")
	assert.Equal(t, "VALIDATION_ERROR", result.Trace[1].Code)
}

func TestRun_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Run(ctx, &Scenario{Name: "x", Steps: []Step{{Trace: &TraceStep{Lot: "L1", Direction: "forward"}}}})
	require.ErrorIs(t, err, context.Canceled)
}

func TestSnapshot_OmitsEmptyFields(t *testing.T) {
	r := NewResult()
	r.Trace = append(r.Trace,
		StepTrace{Step: 1, Kind: kindMovement, Code: "FK_CONSTRAINT", Err: "boom"},
		StepTrace{Step: 2, Kind: kindTrace, Affected: []string{}, Truncated: true},
		StepTrace{Step: 3, Kind: kindRecall, Status: "ok", Replayed: true, VersionAfter: 4, Total: 3},
	)
	out, err := r.Snapshot("s")
	require.NoError(t, err)
	assert.Equal(t,
		`{"scenario":"s","steps":[{"code":"FK_CONSTRAINT","kind":"movement","step":1},{"affected":[],"kind":"trace","step":2,"total":0,"truncated":true},{"kind":"recall","replayed":true,"status":"ok","step":3,"total":3,"versionAfter":4}]}`+"\n",
		string(out))
}
