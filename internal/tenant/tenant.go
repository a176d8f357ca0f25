// Package tenant carries the resolved organization and user for a call.
//
// Identity resolution itself lives outside the kernel; callers hand a
// Context (or a Resolver that produces one) to every store and kernel
// operation.
package tenant

import (
	"context"
	"errors"
	"strings"

	"github.com/roach88/mkernel/internal/errcode"
)

// Context identifies who is acting and on whose data.
type Context struct {
	OrgID  string `json:"orgId" yaml:"org"`
	UserID string `json:"userId" yaml:"user"`
}

// Validate requires both identifiers.
func (c Context) Validate() error {
	var missing []string
	if strings.TrimSpace(c.OrgID) == "" {
		missing = append(missing, "org id")
	}
	if strings.TrimSpace(c.UserID) == "" {
		missing = append(missing, "user id")
	}
	if len(missing) > 0 {
		return errcode.New(errcode.Validation, "tenant context missing %s", strings.Join(missing, " and "))
	}
	return nil
}

type ctxKey struct{}

// With returns a copy of ctx carrying tc.
func With(ctx context.Context, tc Context) context.Context {
	return context.WithValue(ctx, ctxKey{}, tc)
}

// From returns the tenant context attached to ctx.
func From(ctx context.Context) (Context, bool) {
	tc, ok := ctx.Value(ctxKey{}).(Context)
	return tc, ok
}

// ErrNoTenant is returned when no tenant context can be resolved.
var ErrNoTenant = errors.New("no tenant context")

// Resolver produces the tenant context for a call.
type Resolver interface {
	Resolve(ctx context.Context) (Context, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context) (Context, error)

func (f ResolverFunc) Resolve(ctx context.Context) (Context, error) {
	return f(ctx)
}

// Static always resolves to the same context (CLI flags, tests).
type Static Context

func (s Static) Resolve(context.Context) (Context, error) {
	tc := Context(s)
	if err := tc.Validate(); err != nil {
		return Context{}, err
	}
	return tc, nil
}

// FromContextResolver resolves whatever With attached to the context.
var FromContextResolver Resolver = ResolverFunc(func(ctx context.Context) (Context, error) {
	tc, ok := From(ctx)
	if !ok {
		return Context{}, ErrNoTenant
	}
	if err := tc.Validate(); err != nil {
		return Context{}, err
	}
	return tc, nil
})
