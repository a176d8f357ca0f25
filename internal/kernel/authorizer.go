package kernel

import (
	"context"
	"errors"

	"github.com/roach88/mkernel/internal/errcode"
	"github.com/roach88/mkernel/internal/tenant"
)

// Authorizer decides whether tc may perform in. A nil error allows it.
// Errors without a client-fault code are reported as FORBIDDEN.
type Authorizer interface {
	Authorize(ctx context.Context, tc tenant.Context, in Intent) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, tc tenant.Context, in Intent) error

func (f AuthorizerFunc) Authorize(ctx context.Context, tc tenant.Context, in Intent) error {
	return f(ctx, tc, in)
}

func denialCode(err error) errcode.Code {
	var ce *errcode.Error
	if errors.As(err, &ce) && ce.Code.ClientFault() {
		return ce.Code
	}
	return errcode.Forbidden
}
