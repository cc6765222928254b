// Package routing carries the primary/replica choice on the request context.
//
// Business code marks a unit of work read-only with ReadOnly; data access code
// asks a router for its handle at the moment it needs one, and the router
// consults the context. Scopes nest: each call pushes a frame onto a chain held
// in the derived context, so the caller's target is back in effect as soon as
// the scoped function returns, whether it succeeded, failed or panicked.
package routing

import "context"

// Target is the database a call should use.
type Target int

const (
	Primary Target = iota
	Replica
)

func (t Target) String() string {
	if t == Replica {
		return "replica"
	}
	return "primary"
}

type frame struct {
	target Target
	parent *frame
}

type ctxKey struct{}

// WithTarget returns a context routed to t.
func WithTarget(ctx context.Context, t Target) context.Context {
	parent, _ := ctx.Value(ctxKey{}).(*frame)
	return context.WithValue(ctx, ctxKey{}, &frame{target: t, parent: parent})
}

// TargetFrom returns the innermost target on ctx, Primary when none was set.
func TargetFrom(ctx context.Context) Target {
	if f, ok := ctx.Value(ctxKey{}).(*frame); ok {
		return f.target
	}
	return Primary
}

// Depth reports how many routing scopes enclose ctx.
func Depth(ctx context.Context) int {
	n := 0
	for f, _ := ctx.Value(ctxKey{}).(*frame); f != nil; f = f.parent {
		n++
	}
	return n
}

// ReadOnly runs fn with every data access routed to the replica.
func ReadOnly(ctx context.Context, fn func(context.Context) error) error {
	return fn(WithTarget(ctx, Replica))
}

// ReadOnlyResult is ReadOnly for functions that return a value.
func ReadOnlyResult[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	return fn(WithTarget(ctx, Replica))
}

// Writable runs fn against the primary, even inside an enclosing ReadOnly scope.
func Writable(ctx context.Context, fn func(context.Context) error) error {
	return fn(WithTarget(ctx, Primary))
}
