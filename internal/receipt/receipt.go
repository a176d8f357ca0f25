// Package receipt defines the result contract of a mutation.
//
// A Receipt is exactly one of Ok, Rejected or Error. Consumers switch on the
// concrete type (or use Match, which forces every variant to be handled).
// Receipts are immutable once built and are replayed byte-for-byte from the
// idempotency ledger, so Encode must stay deterministic.
package receipt

import (
	"fmt"
	"time"

	"github.com/roach88/mkernel/internal/errcode"
)

// Status is the wire discriminator.
type Status string

const (
	StatusOk       Status = "ok"
	StatusRejected Status = "rejected"
	StatusError    Status = "error"
)

// Header is carried by every variant.
type Header struct {
	RequestID  string
	MutationID string
	BatchID    string // optional
	EntityType string
	EntityID   string
}

// Receipt is the closed union of mutation outcomes.
type Receipt interface {
	Head() Header
	Status() Status
	receipt()
}

// Ok reports a successfully applied mutation.
type Ok struct {
	Header
	VersionBefore int64
	VersionAfter  int64
	AuditLogID    string
}

// Rejected reports a client fault. Never retryable as-is.
type Rejected struct {
	Header
	ErrorID string
	Code    errcode.Code
}

// Error reports a server fault.
type Error struct {
	Header
	ErrorID    string
	Code       errcode.Code
	Retryable  bool
	RetryAfter time.Duration // zero when no hint
}

func (r Ok) Head() Header       { return r.Header }
func (r Rejected) Head() Header { return r.Header }
func (r Error) Head() Header    { return r.Header }

func (Ok) Status() Status       { return StatusOk }
func (Rejected) Status() Status { return StatusRejected }
func (Error) Status() Status    { return StatusError }

func (Ok) receipt()       {}
func (Rejected) receipt() {}
func (Error) receipt()    {}

// ForCode builds the failure variant that matches code's fault class.
// Client faults become Rejected; server faults become Error with the
// code's default retryability.
func ForCode(h Header, errorID string, code errcode.Code, retryAfter time.Duration) Receipt {
	if code.ClientFault() {
		return Rejected{Header: h, ErrorID: errorID, Code: code}
	}
	return Error{
		Header:     h,
		ErrorID:    errorID,
		Code:       code,
		Retryable:  code.Retryable(),
		RetryAfter: retryAfter,
	}
}

// Code returns the error code of a failure receipt, or "" for Ok.
func Code(r Receipt) errcode.Code {
	return Match(r,
		func(Ok) errcode.Code { return "" },
		func(rj Rejected) errcode.Code { return rj.Code },
		func(e Error) errcode.Code { return e.Code },
	)
}

// Match dispatches on the variant. Panics on a nil receipt.
func Match[T any](r Receipt, ok func(Ok) T, rejected func(Rejected) T, failed func(Error) T) T {
	switch v := r.(type) {
	case Ok:
		return ok(v)
	case Rejected:
		return rejected(v)
	case Error:
		return failed(v)
	default:
		panic(fmt.Sprintf("receipt: unknown variant %T", r))
	}
}

// Visitor handles every receipt variant. Adding a variant breaks every
// implementation at compile time.
type Visitor interface {
	VisitOk(Ok)
	VisitRejected(Rejected)
	VisitError(Error)
}

// Visit calls the method of v matching r's variant. Panics on a nil receipt.
func Visit(r Receipt, v Visitor) {
	switch rr := r.(type) {
	case Ok:
		v.VisitOk(rr)
	case Rejected:
		v.VisitRejected(rr)
	case Error:
		v.VisitError(rr)
	default:
		panic(fmt.Sprintf("receipt: unknown variant %T", r))
	}
}
