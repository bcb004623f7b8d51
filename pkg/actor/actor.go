// Package actor identifies who performs a stock operation. The identifier is
// opaque to the stock service and is stored verbatim in the ledger for audit.
package actor

import (
	"context"
)

// SystemID identifies background jobs such as the expiry sweep
const SystemID = "system"

// Actor represents the entity performing an action in the system.
type Actor struct {
	// ID is the opaque identifier recorded in the ledger
	ID string `json:"id"`

	// Source tells how the identity was established: "header", "token" or "system"
	Source string `json:"source"`
}

// String returns the identifier for logging
func (a *Actor) String() string {
	if a == nil {
		return SystemID
	}
	return a.ID
}

// contextKey is the type for context keys to avoid collisions
type contextKey string

const actorContextKey contextKey = "actor"

// FromContext retrieves the Actor from the context.
// Returns nil if no actor is present (e.g., system operations).
func FromContext(ctx context.Context) *Actor {
	if ctx == nil {
		return nil
	}
	a, ok := ctx.Value(actorContextKey).(*Actor)
	if !ok {
		return nil
	}
	return a
}

// WithActor returns a new context with the Actor attached.
func WithActor(ctx context.Context, a *Actor) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, actorContextKey, a)
}

// IDFromContext returns the actor ID from the context, or "" when absent
func IDFromContext(ctx context.Context) string {
	if a := FromContext(ctx); a != nil {
		return a.ID
	}
	return ""
}

// SystemActor returns an Actor representing the system itself.
// Use this for background jobs, scheduled tasks, and system-initiated operations.
func SystemActor() *Actor {
	return &Actor{ID: SystemID, Source: "system"}
}

// IsSystem returns true if the actor represents the system.
func (a *Actor) IsSystem() bool {
	return a == nil || a.ID == SystemID
}
