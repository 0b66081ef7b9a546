package identity

import "context"

// SystemActor is the audit identity recorded when no principal is attached
// to the context, e.g. internal maintenance writes.
const SystemActor = "system"

// ctxKey is an unexported type used as the context key for Principal.
type ctxKey struct{}

// Principal carries the resolved actor identity through request context. All
// audit stamps (CreatedBy, UpdatedBy) and emitted events record Name.
type Principal struct {
	Name string
	Role string
}

// WithPrincipal returns a new context with the given Principal attached.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

// PrincipalFromContext retrieves the Principal from the context.
// Returns the zero value and false if no principal is set.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(Principal)
	return p, ok
}

// ActorFromContext is a convenience function that returns the principal name
// from the context, or SystemActor if none is set.
func ActorFromContext(ctx context.Context) string {
	p, ok := PrincipalFromContext(ctx)
	if !ok || p.Name == "" {
		return SystemActor
	}
	return p.Name
}
