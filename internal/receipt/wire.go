package receipt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/mkernel/internal/errcode"
)

// wire is the JSON shape shared with callers. Field order is the encoding order.
type wire struct {
	RequestID     string        `json:"requestId"`
	MutationID    string        `json:"mutationId"`
	BatchID       string        `json:"batchId,omitempty"`
	EntityType    string        `json:"entityType"`
	EntityID      string        `json:"entityId"`
	Status        Status        `json:"status"`
	VersionBefore *int64        `json:"versionBefore"`
	VersionAfter  *int64        `json:"versionAfter"`
	AuditLogID    *string       `json:"auditLogId"`
	ErrorID       string        `json:"errorId,omitempty"`
	ErrorCode     *errcode.Code `json:"errorCode,omitempty"`
	IsClientFault *bool         `json:"isClientFault,omitempty"`
	Retryable     *bool         `json:"retryable,omitempty"`
	RetryAfterMs  *int64        `json:"retryAfterMs,omitempty"`
}

func toWire(r Receipt) wire {
	h := r.Head()
	w := wire{
		RequestID:  h.RequestID,
		MutationID: h.MutationID,
		BatchID:    h.BatchID,
		EntityType: h.EntityType,
		EntityID:   h.EntityID,
		Status:     r.Status(),
	}
	switch v := r.(type) {
	case Ok:
		w.VersionBefore = &v.VersionBefore
		w.VersionAfter = &v.VersionAfter
		w.AuditLogID = &v.AuditLogID
	case Rejected:
		code, client, retry := v.Code, true, false
		w.ErrorID = v.ErrorID
		w.ErrorCode = &code
		w.IsClientFault = &client
		w.Retryable = &retry
	case Error:
		code, client, retry := v.Code, false, v.Retryable
		w.ErrorID = v.ErrorID
		w.ErrorCode = &code
		w.IsClientFault = &client
		w.Retryable = &retry
		if v.RetryAfter > 0 {
			ms := v.RetryAfter.Milliseconds()
			w.RetryAfterMs = &ms
		}
	}
	return w
}

// Encode renders r in its wire shape. The output is deterministic.
func Encode(r Receipt) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("encode receipt: nil")
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(toWire(r)); err != nil {
		return nil, fmt.Errorf("encode receipt: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Decode parses a wire receipt and validates it against its variant.
func Decode(data []byte) (Receipt, error) {
	var w wire
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("decode receipt: %w", err)
	}
	h := Header{
		RequestID:  w.RequestID,
		MutationID: w.MutationID,
		BatchID:    w.BatchID,
		EntityType: w.EntityType,
		EntityID:   w.EntityID,
	}
	if h.MutationID == "" || h.EntityType == "" {
		return nil, fmt.Errorf("decode receipt: missing mutationId or entityType")
	}

	switch w.Status {
	case StatusOk:
		if w.VersionBefore == nil || w.VersionAfter == nil || w.AuditLogID == nil {
			return nil, fmt.Errorf("decode receipt: ok receipt missing version or audit id")
		}
		if w.ErrorCode != nil {
			return nil, fmt.Errorf("decode receipt: ok receipt carries error code %s", *w.ErrorCode)
		}
		return Ok{Header: h, VersionBefore: *w.VersionBefore, VersionAfter: *w.VersionAfter, AuditLogID: *w.AuditLogID}, nil
	case StatusRejected:
		if w.ErrorCode == nil {
			return nil, fmt.Errorf("decode receipt: rejected receipt missing errorCode")
		}
		if !w.ErrorCode.ClientFault() {
			return nil, fmt.Errorf("decode receipt: %s is not a client fault", *w.ErrorCode)
		}
		return Rejected{Header: h, ErrorID: w.ErrorID, Code: *w.ErrorCode}, nil
	case StatusError:
		if w.ErrorCode == nil {
			return nil, fmt.Errorf("decode receipt: error receipt missing errorCode")
		}
		if w.ErrorCode.ClientFault() {
			return nil, fmt.Errorf("decode receipt: %s is a client fault", *w.ErrorCode)
		}
		e := Error{Header: h, ErrorID: w.ErrorID, Code: *w.ErrorCode}
		if w.Retryable != nil {
			e.Retryable = *w.Retryable
		}
		if w.RetryAfterMs != nil {
			e.RetryAfter = time.Duration(*w.RetryAfterMs) * time.Millisecond
		}
		return e, nil
	default:
		return nil, fmt.Errorf("decode receipt: unknown status %q", w.Status)
	}
}

// Equal reports whether two receipts encode identically.
func Equal(a, b Receipt) bool {
	ab, errA := Encode(a)
	bb, errB := Encode(b)
	return errA == nil && errB == nil && bytes.Equal(ab, bb)
}
