package shared

import (
	"context"

	"github.com/google/uuid"
)

type actorKey struct{}

// WithActor stores the authenticated actor id on the context.
func WithActor(ctx context.Context, id uuid.UUID) context.Context {
	return context.WithValue(ctx, actorKey{}, id)
}

// ActorFromContext returns the authenticated actor id, if any.
func ActorFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(actorKey{}).(uuid.UUID)
	return id, ok
}
