package harness

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/roach88/mkernel/internal/canon"
	"github.com/roach88/mkernel/internal/errcode"
	"github.com/roach88/mkernel/internal/kernel"
	"github.com/roach88/mkernel/internal/lineage"
	"github.com/roach88/mkernel/internal/receipt"
	"github.com/roach88/mkernel/internal/store"
	"github.com/roach88/mkernel/internal/telemetry"
	"github.com/roach88/mkernel/internal/tenant"
	"github.com/roach88/mkernel/internal/testutil"
)

// Harness runs one scenario against its own store.
type Harness struct {
	scenario *Scenario
	store    *store.Store
	kernel   *kernel.Kernel
	lineage  *lineage.Service
	logger   *slog.Logger
}

// Option configures Run.
type Option func(*config)

type config struct {
	logger *slog.Logger
}

// WithLogger receives the kernel's and the harness's logs. Logs are
// discarded by default.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// Run executes scenario in a fresh in-memory database.
//
// Ids come from a sequence and time from a step clock starting at
// testutil.Epoch, so two runs of the same scenario produce the same trace.
// Failed expectations and assertions are collected in the Result; the
// returned error is reserved for failures of the harness itself.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	cfg := config{logger: telemetry.Discard()}
	for _, opt := range opts {
		opt(&cfg)
	}

	st, err := store.Open(":memory:", store.WithLogger(cfg.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	ids := kernel.NewSequenceGenerator("id")
	clock := testutil.NewStepClock(time.Millisecond)
	k := kernel.New(st, kernel.Options{
		IDs:    ids,
		Clock:  clock,
		Logger: cfg.logger,
	})
	h := &Harness{
		scenario: scenario,
		store:    st,
		kernel:   k,
		lineage: lineage.NewService(k,
			lineage.WithLogger(cfg.logger),
			lineage.WithRecorder(lineage.NewRecorder(ids.NewID, clock.Now)),
		),
		logger: cfg.logger,
	}

	result := NewResult()
	for i, step := range scenario.Steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		h.runStep(ctx, i+1, step, result)
	}

	actx := &AssertionContext{Store: st, Scenario: scenario, Ctx: ctx}
	for _, msg := range EvaluateAssertions(scenario.Assertions, actx) {
		result.AddError(msg)
	}

	h.logger.Info("scenario finished",
		"event", "harness.run",
		"scenario", scenario.Name,
		"steps", len(scenario.Steps),
		"pass", result.Pass)
	return result, nil
}

func (h *Harness) runStep(ctx context.Context, n int, step Step, result *Result) {
	tc, _ := h.scenario.tenantFor(step.As)
	var st StepTrace
	switch {
	case step.Commit != nil:
		st = h.commit(ctx, n, tc, step.Commit)
	case step.Movement != nil:
		st = h.movement(ctx, n, tc, step.Movement)
	case step.Trace != nil:
		st = h.trace(ctx, n, tc, step.Trace)
	case step.Recall != nil:
		st = h.recall(ctx, n, tc, step.Recall)
	}
	result.Trace = append(result.Trace, st)
	for _, msg := range checkExpect(st, step.Expect) {
		result.AddError(fmt.Sprintf("step %d (%s): %s", n, st.Kind, msg))
	}
}

func (h *Harness) commit(ctx context.Context, n int, tc tenant.Context, c *CommitStep) StepTrace {
	st := StepTrace{Step: n, Kind: kindCommit}
	in, err := c.intent()
	if err != nil {
		st.Code = string(errcode.Validation)
		st.Err = err.Error()
		return st
	}
	res := h.kernel.Commit(ctx, tc, in)
	st.fromReceipt(res.Receipt)
	st.Replayed = res.Replayed
	st.Conflict = string(res.Conflict)
	return st
}

func (h *Harness) movement(ctx context.Context, n int, tc tenant.Context, m *MovementStep) StepTrace {
	st := StepTrace{Step: n, Kind: kindMovement}
	mv, err := h.lineage.Record(ctx, tc, m.MovementInput, m.Links)
	if err != nil {
		st.fromError(err)
		return st
	}
	st.MovementID = mv.MovementID
	return st
}

func (h *Harness) trace(ctx context.Context, n int, tc tenant.Context, t *TraceStep) StepTrace {
	st := StepTrace{Step: n, Kind: kindTrace}
	dir, err := lineage.ParseDirection(t.Direction)
	if err != nil {
		st.fromError(err)
		return st
	}
	res, err := h.lineage.Trace(ctx, tc, t.Lot, dir, t.MaxDepth)
	if err != nil {
		st.fromError(err)
		return st
	}
	st.fromTrace(res)
	return st
}

func (h *Harness) recall(ctx context.Context, n int, tc tenant.Context, r *RecallStep) StepTrace {
	st := StepTrace{Step: n, Kind: kindRecall}
	res, err := h.lineage.Recall(ctx, tc, r.Lot, lineage.RecallRequest{
		IdempotencyKey: r.IdempotencyKey,
		Reason:         r.Reason,
		MaxDepth:       r.MaxDepth,
	})
	if err != nil {
		st.fromError(err)
		return st
	}
	st.fromReceipt(res.Receipt)
	st.Replayed = res.Replayed
	st.Total = res.TotalAffected
	return st
}

func (st *StepTrace) fromReceipt(r receipt.Receipt) {
	st.Status = string(r.Status())
	st.Code = string(receipt.Code(r))
	if ok, isOk := r.(receipt.Ok); isOk {
		st.VersionAfter = ok.VersionAfter
	}
}

func (st *StepTrace) fromError(err error) {
	st.Code = string(errcode.Of(err))
	st.Err = err.Error()
}

func (st *StepTrace) fromTrace(res lineage.Result) {
	st.Total = res.TotalAffected
	st.Truncated = res.Truncated
	st.Affected = make([]string, 0, len(res.AffectedMovements))
	st.depths = make(map[string]int, len(res.AffectedMovements))
	for _, a := range res.AffectedMovements {
		st.Affected = append(st.Affected, fmt.Sprintf("%s@%d", a.MovementID, a.Depth))
		st.depths[a.MovementID] = a.Depth
	}
}

// checkExpect returns one message per mismatch.
func checkExpect(st StepTrace, e *Expect) []string {
	if e == nil {
		if st.Err != "" {
			return []string{"unexpected error: " + st.Err}
		}
		return nil
	}
	var errs []string
	mismatch := func(field string, want, got any) {
		errs = append(errs, fmt.Sprintf("%s: expected %v, got %v", field, want, got))
	}

	if st.Err != "" && e.Code == "" {
		errs = append(errs, "unexpected error: "+st.Err)
	}
	if e.Status != "" && e.Status != st.Status {
		mismatch("status", e.Status, st.Status)
	}
	if e.Code != "" && e.Code != st.Code {
		mismatch("code", e.Code, st.Code)
	}
	if e.VersionAfter != nil && *e.VersionAfter != st.VersionAfter {
		mismatch("version_after", *e.VersionAfter, st.VersionAfter)
	}
	if e.Replayed != nil && *e.Replayed != st.Replayed {
		mismatch("replayed", *e.Replayed, st.Replayed)
	}
	if e.Conflict != "" && e.Conflict != st.Conflict {
		mismatch("conflict", e.Conflict, st.Conflict)
	}
	if e.TotalAffected != nil && *e.TotalAffected != st.Total {
		mismatch("total_affected", *e.TotalAffected, st.Total)
	}
	if e.Truncated != nil && *e.Truncated != st.Truncated {
		mismatch("truncated", *e.Truncated, st.Truncated)
	}
	if e.Movements != nil {
		errs = append(errs, checkMovements(e.Movements, st.depths)...)
	}
	return errs
}

func checkMovements(want, got map[string]int) []string {
	ids := make([]string, 0, len(want)+len(got))
	for id := range want {
		ids = append(ids, id)
	}
	for id := range got {
		if _, ok := want[id]; !ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var errs []string
	for _, id := range ids {
		w, inWant := want[id]
		g, inGot := got[id]
		switch {
		case !inGot:
			errs = append(errs, fmt.Sprintf("movement %s: expected at depth %d, not reached", id, w))
		case !inWant:
			errs = append(errs, fmt.Sprintf("movement %s: unexpected at depth %d", id, g))
		case w != g:
			errs = append(errs, fmt.Sprintf("movement %s: expected depth %d, got %d", id, w, g))
		}
	}
	return errs
}

func canonPayload(m map[string]any) (canon.Object, error) {
	if m == nil {
		return canon.Object{}, nil
	}
	obj, err := canon.ObjectFromAny(m)
	if err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	return obj, nil
}
