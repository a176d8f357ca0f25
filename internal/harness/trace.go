package harness

import (
	"github.com/roach88/mkernel/internal/canon"
)

const (
	kindCommit   = "commit"
	kindMovement = "movement"
	kindTrace    = "trace"
	kindRecall   = "recall"
)

// StepTrace is the observable outcome of one step.
// Generated ids and timestamps are left out so traces compare across runs.
type StepTrace struct {
	Step int
	Kind string

	Status       string
	Code         string
	VersionAfter int64
	Replayed     bool
	Conflict     string

	MovementID string

	// Affected lists trace results as "movement@depth" in result order.
	Affected  []string
	Total     int
	Truncated bool

	// Err is the error text of a failed movement or trace. Not snapshotted.
	Err string

	depths map[string]int
}

// canonical renders the fields that matter for the step's kind.
func (st StepTrace) canonical() canon.Object {
	obj := canon.Object{
		"step": canon.Int(int64(st.Step)),
		"kind": canon.String(st.Kind),
	}
	if st.Code != "" {
		obj["code"] = canon.String(st.Code)
	}
	switch st.Kind {
	case kindCommit, kindRecall:
		if st.Status != "" {
			obj["status"] = canon.String(st.Status)
			obj["replayed"] = canon.Bool(st.Replayed)
		}
		if st.VersionAfter > 0 {
			obj["versionAfter"] = canon.Int(st.VersionAfter)
		}
		if st.Conflict != "" {
			obj["conflict"] = canon.String(st.Conflict)
		}
		if st.Kind == kindRecall && st.Err == "" {
			obj["total"] = canon.Int(int64(st.Total))
		}
	case kindMovement:
		if st.MovementID != "" {
			obj["movementId"] = canon.String(st.MovementID)
		}
	case kindTrace:
		if st.Err == "" {
			affected := make(canon.Array, len(st.Affected))
			for i, a := range st.Affected {
				affected[i] = canon.String(a)
			}
			obj["affected"] = affected
			obj["total"] = canon.Int(int64(st.Total))
			obj["truncated"] = canon.Bool(st.Truncated)
		}
	}
	return obj
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is false once any expectation or assertion failed.
	Pass bool

	// Trace holds one entry per step, in order.
	Trace []StepTrace

	// Errors lists every failed expectation and assertion.
	Errors []string
}

// NewResult returns a passing, empty Result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []StepTrace{},
		Errors: []string{},
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Snapshot renders the trace as canonical JSON followed by a newline.
func (r *Result) Snapshot(scenarioName string) ([]byte, error) {
	steps := make(canon.Array, len(r.Trace))
	for i, st := range r.Trace {
		steps[i] = st.canonical()
	}
	out, err := canon.Marshal(canon.Object{
		"scenario": canon.String(scenarioName),
		"steps":    steps,
	})
	if err != nil {
		return nil, err
	}
	return append(out, '\n'), nil
}
