// Package errcode is the closed registry of error codes surfaced by the kernel.
//
// Every failure that reaches a receipt, a log record or the CLI carries one of
// the codes declared here. Adding a code means adding it to the const block and
// to the registry table below; internal/lint rejects Code literals anywhere else.
package errcode

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Code is a machine-readable error code.
type Code string

const (
	// Client faults: the request must change before it can succeed.
	Validation              Code = "VALIDATION_ERROR"
	Forbidden               Code = "FORBIDDEN"
	PolicyDenied            Code = "POLICY_DENIED"
	ExpectedVersionMismatch Code = "EXPECTED_VERSION_MISMATCH"
	IdempotencyKeyReuse     Code = "IDEMPOTENCY_KEY_REUSE_CONFLICT"
	UniqueConstraint        Code = "UNIQUE_CONSTRAINT"
	FKConstraint            Code = "FK_CONSTRAINT"
	NotFound                Code = "NOT_FOUND"
	ClosedFiscalPeriod      Code = "CLOSED_FISCAL_PERIOD"
	PostedDocumentImmutable Code = "POSTED_DOCUMENT_IMMUTABLE"

	// Server faults.
	OutboxWriteFailed Code = "OUTBOX_WRITE_FAILED"
	ConflictRetry     Code = "CONFLICT_RETRY"
	Internal          Code = "INTERNAL"
)

// Fault classifies who has to act on an error.
type Fault int

const (
	FaultClient Fault = iota + 1
	FaultServer
)

func (f Fault) String() string {
	switch f {
	case FaultClient:
		return "client"
	case FaultServer:
		return "server"
	default:
		return "unknown"
	}
}

type entry struct {
	fault     Fault
	retryable bool
}

var registry = map[Code]entry{
	Validation:              {FaultClient, false},
	Forbidden:               {FaultClient, false},
	PolicyDenied:            {FaultClient, false},
	ExpectedVersionMismatch: {FaultClient, false},
	IdempotencyKeyReuse:     {FaultClient, false},
	UniqueConstraint:        {FaultClient, false},
	FKConstraint:            {FaultClient, false},
	NotFound:                {FaultClient, false},
	ClosedFiscalPeriod:      {FaultClient, false},
	PostedDocumentImmutable: {FaultClient, false},
	OutboxWriteFailed:       {FaultServer, true},
	ConflictRetry:           {FaultServer, true},
	Internal:                {FaultServer, false},
}

// All returns every registered code in lexical order.
func All() []Code {
	out := make([]Code, 0, len(registry))
	for c := range registry {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

// Parse converts a string into a registered Code.
func Parse(s string) (Code, error) {
	c := Code(s)
	if _, ok := registry[c]; !ok {
		return "", fmt.Errorf("unregistered error code %q", s)
	}
	return c, nil
}

// Valid reports whether c is a registered code.
func (c Code) Valid() bool {
	_, ok := registry[c]
	return ok
}

// Fault returns the fault class. Unregistered codes are server faults.
func (c Code) Fault() Fault {
	if e, ok := registry[c]; ok {
		return e.fault
	}
	return FaultServer
}

// ClientFault reports whether the caller must fix the request.
func (c Code) ClientFault() bool {
	return c.Fault() == FaultClient
}

// Retryable reports whether a caller may resubmit the same request unchanged.
func (c Code) Retryable() bool {
	return registry[c].retryable
}

func (c Code) String() string {
	return string(c)
}

// UnmarshalJSON rejects unregistered codes.
func (c *Code) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
