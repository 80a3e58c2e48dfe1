package audit

import (
	"context"

	"github.com/google/uuid"
)

type clientKey struct{}

type actorKey struct{}

// WithClient attaches the request's client context for events built further down
func WithClient(ctx context.Context, c Client) context.Context {
	return context.WithValue(ctx, clientKey{}, c)
}

// ClientFromContext returns the client context set by WithClient, or the zero Client
func ClientFromContext(ctx context.Context) Client {
	c, _ := ctx.Value(clientKey{}).(Client)
	return c
}

// WithActor records the authenticated principal acting in ctx
func WithActor(ctx context.Context, principalID uuid.UUID) context.Context {
	return context.WithValue(ctx, actorKey{}, principalID)
}

// ActorFromContext returns the acting principal, if any
func ActorFromContext(ctx context.Context) *uuid.UUID {
	id, ok := ctx.Value(actorKey{}).(uuid.UUID)
	if !ok || id == uuid.Nil {
		return nil
	}
	return &id
}
