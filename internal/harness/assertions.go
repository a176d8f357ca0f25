package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/mkernel/internal/audit"
	"github.com/roach88/mkernel/internal/canon"
	"github.com/roach88/mkernel/internal/store"
)

// outboxScanLimit bounds the pending events an outbox_pending assertion counts.
const outboxScanLimit = 10000

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Subject  string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "Assertion failed: %s", e.Type)
	if e.Subject != "" {
		fmt.Fprintf(&buf, " %s", e.Subject)
	}
	fmt.Fprintf(&buf, "\n  Expected: %s\n  Actual: %s", e.Expected, e.Actual)
	return buf.String()
}

// AssertionContext provides what assertions need to read the final state.
type AssertionContext struct {
	Store    *store.Store
	Scenario *Scenario
	Ctx      context.Context
}

// EvaluateAssertions runs every assertion and returns one message per failure.
func EvaluateAssertions(assertions []Assertion, actx *AssertionContext) []string {
	var errs []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertEntity:
			err = assertEntity(actx, a)
		case AssertAuditCount:
			err = assertAuditCount(actx, a)
		case AssertOutboxPending:
			err = assertOutboxPending(actx, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, fmt.Sprintf("assertion[%d]: %s", i, err.Error()))
		}
	}
	return errs
}

// withTenant runs fn in a read transaction bound to the assertion's tenant.
func (actx *AssertionContext) withTenant(a Assertion, fn func(*store.Tx) error) error {
	tc, ok := actx.Scenario.tenantFor(a.As)
	if !ok {
		return fmt.Errorf("unknown tenant %q", a.As)
	}
	return actx.Store.WithTenant(actx.Ctx, tc, fn)
}

func assertEntity(actx *AssertionContext, a Assertion) error {
	subject := a.EntityType + "/" + a.EntityID
	var (
		e     store.Entity
		found bool
	)
	err := actx.withTenant(a, func(tx *store.Tx) error {
		var err error
		e, found, err = tx.GetEntity(actx.Ctx, a.EntityType, a.EntityID)
		return err
	})
	if err != nil {
		return fmt.Errorf("read %s: %w", subject, err)
	}

	if a.Absent {
		if found {
			return &AssertionError{Type: a.Type, Subject: subject, Expected: "absent", Actual: fmt.Sprintf("version %d", e.Version)}
		}
		return nil
	}
	if !found {
		return &AssertionError{Type: a.Type, Subject: subject, Expected: "present", Actual: "not found"}
	}

	var diffs []string
	if a.Version != nil && *a.Version != e.Version {
		diffs = append(diffs, fmt.Sprintf("version %d != %d", *a.Version, e.Version))
	}
	if a.Status != "" && a.Status != e.Status {
		diffs = append(diffs, fmt.Sprintf("status %q != %q", a.Status, e.Status))
	}
	if len(a.State) > 0 {
		stateDiffs, err := stateSubset(a.State, e.State)
		if err != nil {
			return fmt.Errorf("%s: %w", subject, err)
		}
		diffs = append(diffs, stateDiffs...)
	}
	if len(diffs) > 0 {
		return &AssertionError{
			Type:     a.Type,
			Subject:  subject,
			Expected: "matching entity",
			Actual:   strings.Join(diffs, "; "),
		}
	}
	return nil
}

// stateSubset compares every expected key against the stored canonical state.
// Extra keys in the state are ignored.
func stateSubset(expected map[string]any, stored []byte) ([]string, error) {
	want, err := canon.ObjectFromAny(expected)
	if err != nil {
		return nil, fmt.Errorf("expected state: %w", err)
	}
	got, err := canon.ParseObject(stored)
	if err != nil {
		return nil, fmt.Errorf("stored state: %w", err)
	}

	var diffs []string
	for _, k := range want.SortedKeys() {
		g, ok := got[k]
		if !ok {
			diffs = append(diffs, fmt.Sprintf("state.%s missing", k))
			continue
		}
		if !canon.Equal(want[k], g) {
			diffs = append(diffs, fmt.Sprintf("state.%s %s != %s", k, canon.MustMarshal(want[k]), canon.MustMarshal(g)))
		}
	}
	return diffs, nil
}

func assertAuditCount(actx *AssertionContext, a Assertion) error {
	tc, ok := actx.Scenario.tenantFor(a.As)
	if !ok {
		return fmt.Errorf("unknown tenant %q", a.As)
	}
	var entries []audit.Entry
	err := actx.Store.WithTenant(actx.Ctx, tc, func(tx *store.Tx) error {
		var err error
		entries, err = audit.Query(actx.Ctx, tx, tc, audit.Filter{EntityType: a.EntityType, EntityID: a.EntityID})
		return err
	})
	if err != nil {
		return fmt.Errorf("query audit: %w", err)
	}
	if len(entries) != *a.Count {
		return &AssertionError{
			Type:     a.Type,
			Subject:  subjectOf(a),
			Expected: fmt.Sprintf("%d entries", *a.Count),
			Actual:   fmt.Sprintf("%d entries", len(entries)),
		}
	}
	return nil
}

func assertOutboxPending(actx *AssertionContext, a Assertion) error {
	var pending []store.OutboxEvent
	err := actx.withTenant(a, func(tx *store.Tx) error {
		var err error
		pending, err = tx.PendingOutbox(actx.Ctx, outboxScanLimit)
		return err
	})
	if err != nil {
		return fmt.Errorf("read outbox: %w", err)
	}
	n := 0
	for _, ev := range pending {
		if a.EntityType != "" && ev.EntityType != a.EntityType {
			continue
		}
		if a.EntityID != "" && ev.EntityID != a.EntityID {
			continue
		}
		n++
	}
	if n != *a.Count {
		return &AssertionError{
			Type:     a.Type,
			Subject:  subjectOf(a),
			Expected: fmt.Sprintf("%d events", *a.Count),
			Actual:   fmt.Sprintf("%d events", n),
		}
	}
	return nil
}

func subjectOf(a Assertion) string {
	switch {
	case a.EntityType == "":
		return ""
	case a.EntityID == "":
		return a.EntityType
	default:
		return a.EntityType + "/" + a.EntityID
	}
}
