package kernel

import (
	"strings"

	"github.com/roach88/mkernel/internal/canon"
	"github.com/roach88/mkernel/internal/errcode"
)

// Action is the kind of state change an intent asks for.
type Action string

const (
	// ActionCreate inserts a new entity at version 1 with the payload as state.
	ActionCreate Action = "create"
	// ActionUpdate shallow-merges the payload into the current state.
	ActionUpdate Action = "update"
	// ActionReplace swaps the whole state for the payload.
	ActionReplace Action = "replace"
	// ActionSetStatus moves the entity to payload.status. State is untouched.
	// This is also how entities are retired: there is no physical delete.
	ActionSetStatus Action = "set_status"
)

// StatusActive is the status of a freshly created entity.
const StatusActive = "active"

const (
	maxIDLength  = 128
	maxKeyLength = 255
)

// Intent is one requested mutation.
//
// ExpectedVersion is optional. When it is nil an update is applied to
// whatever version is current (last writer wins); callers that need conflict
// detection must always send it. For create it may only be 0.
//
// Payload and Metadata are canonical values and hold integers only.
// canon.FromAny rejects fractional numbers such as 12.5, so amounts and
// quantities travel as decimal strings ("12.5").
type Intent struct {
	Action          Action       `json:"action"`
	EntityType      string       `json:"entityType"`
	EntityID        string       `json:"entityId,omitempty"`
	Payload         canon.Object `json:"payload"`
	IdempotencyKey  string       `json:"idempotencyKey,omitempty"`
	ExpectedVersion *int64       `json:"expectedVersion,omitempty"`
	TenantID        string       `json:"orgId,omitempty"`
	Reason          string       `json:"reason,omitempty"`
	ActorName       string       `json:"actorName,omitempty"`
	Metadata        canon.Object `json:"metadata,omitempty"`
	BatchID         string       `json:"batchId,omitempty"`
	RequestID       string       `json:"requestId,omitempty"`
}

// Validate checks the intent's shape. It does not touch the store.
func (in Intent) Validate() error {
	switch in.Action {
	case ActionCreate, ActionUpdate, ActionReplace, ActionSetStatus:
	default:
		return errcode.New(errcode.Validation, "unknown action %q", in.Action)
	}
	if err := validID("entity type", in.EntityType); err != nil {
		return err
	}
	if in.Action != ActionCreate || in.EntityID != "" {
		if err := validID("entity id", in.EntityID); err != nil {
			return err
		}
	}
	if len(in.IdempotencyKey) > maxKeyLength {
		return errcode.New(errcode.Validation, "idempotency key exceeds %d bytes", maxKeyLength)
	}
	if in.ExpectedVersion != nil && *in.ExpectedVersion < 0 {
		return errcode.New(errcode.Validation, "expected version must not be negative")
	}
	if in.Action == ActionCreate && in.ExpectedVersion != nil && *in.ExpectedVersion != 0 {
		return errcode.New(errcode.Validation, "create accepts only expected version 0")
	}
	if in.Action == ActionSetStatus {
		status := in.Payload.Str("status")
		if err := validID("status", status); err != nil {
			return err
		}
	}
	if _, err := canon.Marshal(in.payload()); err != nil {
		return errcode.Wrap(errcode.Validation, err, "payload")
	}
	return nil
}

func (in Intent) payload() canon.Object {
	if in.Payload == nil {
		return canon.Object{}
	}
	return in.Payload
}

// RequestHash fingerprints the intent for idempotency comparison.
func (in Intent) RequestHash() (string, error) {
	return canon.RequestHash(string(in.Action), in.EntityType, in.EntityID, in.ExpectedVersion, in.payload())
}

func validID(what, v string) error {
	switch {
	case strings.TrimSpace(v) == "":
		return errcode.New(errcode.Validation, "%s is required", what)
	case len(v) > maxIDLength:
		return errcode.New(errcode.Validation, "%s exceeds %d bytes", what, maxIDLength)
	case strings.ContainsAny(v, " \t\r\n"):
		return errcode.New(errcode.Validation, "%s must not contain whitespace", what)
	}
	return nil
}
