package shared

import "context"

// Actor is the opaque identity+role assertion attached to each request by the
// upstream gateway. This service consumes assertions; it never issues them.
type Actor struct {
	Identity string
	Role     string
}

// Valid reports whether the assertion carries an identity.
func (a Actor) Valid() bool {
	return a.Identity != ""
}

type actorContextKey struct{}

// ContextWithActor stores the actor assertion in the context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext returns the actor assertion, if any.
func ActorFromContext(ctx context.Context) Actor {
	actor, _ := ctx.Value(actorContextKey{}).(Actor)
	return actor
}
