package kernel

import (
	"github.com/roach88/mkernel/internal/errcode"
	"github.com/roach88/mkernel/internal/store"
)

// LockedStatuses maps a lifecycle status to the code that rejects any
// mutation of an entity currently in that status.
type LockedStatuses map[string]errcode.Code

// DefaultLockedStatuses locks posted documents and closed periods.
func DefaultLockedStatuses() LockedStatuses {
	return LockedStatuses{
		"posted": errcode.PostedDocumentImmutable,
		"closed": errcode.ClosedFiscalPeriod,
	}
}

// check is the pre-write decision for one intent against the current row.
// It returns "" when the mutation may proceed.
func (l LockedStatuses) check(in Intent, current store.Entity, found bool) errcode.Code {
	if in.Action == ActionCreate {
		if found {
			return errcode.UniqueConstraint
		}
		return ""
	}
	if !found {
		return errcode.NotFound
	}
	if code, ok := l[current.Status]; ok {
		return code
	}
	if in.ExpectedVersion != nil && *in.ExpectedVersion != current.Version {
		return errcode.ExpectedVersionMismatch
	}
	return ""
}
