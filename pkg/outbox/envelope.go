package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ActorRef identifies who produced the event.
type ActorRef struct {
	TenantID uuid.UUID `json:"tenantId"`
	Source   string    `json:"source,omitempty"`
}

const (
	SourceAPI       = "api"
	SourceScheduler = "scheduler"
	SourceWebhook   = "webhook"
)

// PayloadEnvelope is the stable payload structure stored in outbox_events.
type PayloadEnvelope struct {
	Version    int             `json:"version"`
	EventID    string          `json:"eventId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Actor      *ActorRef       `json:"actor,omitempty"`
	Data       json.RawMessage `json:"data"`
}

type sourceKey struct{}

// WithSource tags ctx with the component that triggers the events emitted under it.
func WithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, sourceKey{}, source)
}

// SourceFrom returns the source set by WithSource, defaulting to SourceAPI.
func SourceFrom(ctx context.Context) string {
	if ctx != nil {
		if source, ok := ctx.Value(sourceKey{}).(string); ok && source != "" {
			return source
		}
	}
	return SourceAPI
}

// Actor builds the actor reference for a tenant using the source carried by ctx.
func Actor(ctx context.Context, tenantID uuid.UUID) *ActorRef {
	return &ActorRef{TenantID: tenantID, Source: SourceFrom(ctx)}
}
