package harness

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/roach88/mkernel/internal/errcode"
	"github.com/roach88/mkernel/internal/kernel"
	"github.com/roach88/mkernel/internal/lineage"
	"github.com/roach88/mkernel/internal/receipt"
	"github.com/roach88/mkernel/internal/tenant"
)

// DefaultTenant is the tenant name used by steps without an "as" field.
const DefaultTenant = "default"

// Scenario is a scripted run of commits, movements, traces and recalls
// against a fresh store, followed by assertions on the final state.
type Scenario struct {
	// Name identifies the scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what the scenario checks.
	Description string `yaml:"description"`

	// Tenants maps the names used by steps to tenant contexts.
	// "default" is always available and resolves to org-default/user-default
	// unless overridden here.
	Tenants map[string]tenant.Context `yaml:"tenants,omitempty"`

	// Steps run in order, each as exactly one operation.
	Steps []Step `yaml:"steps"`

	// Assertions run after the last step.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step is one operation. Exactly one of Commit, Movement, Trace and Recall is set.
type Step struct {
	// As names the tenant the step runs for.
	As string `yaml:"as,omitempty"`

	Commit   *CommitStep   `yaml:"commit,omitempty"`
	Movement *MovementStep `yaml:"movement,omitempty"`
	Trace    *TraceStep    `yaml:"trace,omitempty"`
	Recall   *RecallStep   `yaml:"recall,omitempty"`

	// Expect is checked against the step's outcome when present.
	Expect *Expect `yaml:"expect,omitempty"`
}

// CommitStep is a kernel mutation.
type CommitStep struct {
	Action          string         `yaml:"action"`
	EntityType      string         `yaml:"entity_type"`
	EntityID        string         `yaml:"entity_id,omitempty"`
	Payload         map[string]any `yaml:"payload,omitempty"`
	IdempotencyKey  string         `yaml:"idempotency_key,omitempty"`
	ExpectedVersion *int64         `yaml:"expected_version,omitempty"`
	// Org is written into the intent as its tenant id, to exercise spoofing.
	Org    string `yaml:"org,omitempty"`
	Reason string `yaml:"reason,omitempty"`
}

// MovementStep records a movement with its inbound links.
// Quantities should be quoted so they parse as exact decimals.
type MovementStep struct {
	lineage.MovementInput `yaml:",inline"`
	Links                 []lineage.LinkInput `yaml:"links,omitempty"`
}

// TraceStep runs a lineage trace.
type TraceStep struct {
	Lot       string `yaml:"lot"`
	Direction string `yaml:"direction"`
	MaxDepth  int    `yaml:"max_depth,omitempty"`
}

// RecallStep recalls a lot.
type RecallStep struct {
	Lot            string `yaml:"lot"`
	IdempotencyKey string `yaml:"idempotency_key,omitempty"`
	Reason         string `yaml:"reason,omitempty"`
	MaxDepth       int    `yaml:"max_depth,omitempty"`
}

// Expect is matched against a step outcome. Unset fields are not checked.
type Expect struct {
	// Status is the receipt status: ok, rejected or error.
	Status string `yaml:"status,omitempty"`
	// Code is the receipt error code, or the error code of a failed
	// movement or trace.
	Code         string `yaml:"code,omitempty"`
	VersionAfter *int64 `yaml:"version_after,omitempty"`
	Replayed     *bool  `yaml:"replayed,omitempty"`
	Conflict     string `yaml:"conflict,omitempty"`

	TotalAffected *int  `yaml:"total_affected,omitempty"`
	Truncated     *bool `yaml:"truncated,omitempty"`
	// Movements maps every movement the trace must report to its depth.
	Movements map[string]int `yaml:"movements,omitempty"`
}

// Assertion checks the store after all steps ran.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// As names the tenant whose view is checked.
	As string `yaml:"as,omitempty"`

	EntityType string `yaml:"entity_type,omitempty"`
	EntityID   string `yaml:"entity_id,omitempty"`

	// Version and Status are compared exactly (entity).
	Version *int64 `yaml:"version,omitempty"`
	Status  string `yaml:"status,omitempty"`

	// State is a subset match against the entity state (entity).
	State map[string]any `yaml:"state,omitempty"`

	// Count is the expected number of rows (audit_count, outbox_pending).
	Count *int `yaml:"count,omitempty"`

	// Absent asserts the entity is not visible (entity).
	Absent bool `yaml:"absent,omitempty"`
}

// Assertion types.
const (
	AssertEntity        = "entity"
	AssertAuditCount    = "audit_count"
	AssertOutboxPending = "outbox_pending"
)

// LoadScenario reads and validates a scenario file.
// Unknown fields are rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// tenantFor resolves a step's tenant name.
func (s *Scenario) tenantFor(name string) (tenant.Context, bool) {
	if name == "" {
		name = DefaultTenant
	}
	if tc, ok := s.Tenants[name]; ok {
		return tc, true
	}
	if name == DefaultTenant {
		return tenant.Context{OrgID: "org-default", UserID: "user-default"}, true
	}
	return tenant.Context{}, false
}

func (s Step) kind() string {
	var kinds []string
	if s.Commit != nil {
		kinds = append(kinds, kindCommit)
	}
	if s.Movement != nil {
		kinds = append(kinds, kindMovement)
	}
	if s.Trace != nil {
		kinds = append(kinds, kindTrace)
	}
	if s.Recall != nil {
		kinds = append(kinds, kindRecall)
	}
	if len(kinds) != 1 {
		return ""
	}
	return kinds[0]
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	names := make([]string, 0, len(s.Tenants))
	for name := range s.Tenants {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := s.Tenants[name].Validate(); err != nil {
			return fmt.Errorf("tenant %q: %w", name, err)
		}
	}

	for i, step := range s.Steps {
		n := i + 1
		if _, ok := s.tenantFor(step.As); !ok {
			return fmt.Errorf("step %d: unknown tenant %q", n, step.As)
		}
		switch step.kind() {
		case kindCommit:
			if step.Commit.Action == "" {
				return fmt.Errorf("step %d: commit.action is required", n)
			}
		case kindMovement:
		case kindTrace:
			if step.Trace.Lot == "" {
				return fmt.Errorf("step %d: trace.lot is required", n)
			}
			if _, err := lineage.ParseDirection(step.Trace.Direction); err != nil {
				return fmt.Errorf("step %d: %w", n, err)
			}
		case kindRecall:
			if step.Recall.Lot == "" {
				return fmt.Errorf("step %d: recall.lot is required", n)
			}
		default:
			return fmt.Errorf("step %d: exactly one of commit, movement, trace or recall is required", n)
		}
		if err := validateExpect(step.Expect); err != nil {
			return fmt.Errorf("step %d: %w", n, err)
		}
	}

	for i, a := range s.Assertions {
		n := i + 1
		if _, ok := s.tenantFor(a.As); !ok {
			return fmt.Errorf("assertion %d: unknown tenant %q", n, a.As)
		}
		switch a.Type {
		case AssertEntity:
			if a.EntityType == "" || a.EntityID == "" {
				return fmt.Errorf("assertion %d: entity requires entity_type and entity_id", n)
			}
		case AssertAuditCount, AssertOutboxPending:
			if a.Count == nil {
				return fmt.Errorf("assertion %d: %s requires count", n, a.Type)
			}
		default:
			return fmt.Errorf("assertion %d: unknown type %q", n, a.Type)
		}
	}
	return nil
}

func validateExpect(e *Expect) error {
	if e == nil {
		return nil
	}
	switch receipt.Status(e.Status) {
	case "", receipt.StatusOk, receipt.StatusRejected, receipt.StatusError:
	default:
		return fmt.Errorf("expect.status %q is not ok, rejected or error", e.Status)
	}
	if e.Code != "" {
		if _, err := errcode.Parse(e.Code); err != nil {
			return fmt.Errorf("expect.code: %w", err)
		}
	}
	if e.Conflict != "" {
		if _, err := errcode.Parse(e.Conflict); err != nil {
			return fmt.Errorf("expect.conflict: %w", err)
		}
	}
	return nil
}

// intent builds the kernel intent for a commit step.
func (c *CommitStep) intent() (kernel.Intent, error) {
	payload, err := canonPayload(c.Payload)
	if err != nil {
		return kernel.Intent{}, err
	}
	return kernel.Intent{
		Action:          kernel.Action(c.Action),
		EntityType:      c.EntityType,
		EntityID:        c.EntityID,
		Payload:         payload,
		IdempotencyKey:  c.IdempotencyKey,
		ExpectedVersion: c.ExpectedVersion,
		TenantID:        c.Org,
		Reason:          c.Reason,
	}, nil
}
