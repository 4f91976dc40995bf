package auth

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tablepipe/internal/apperr"
	"github.com/wolfeidau/tablepipe/internal/models"
	"github.com/wolfeidau/tablepipe/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type actorContextKey struct{}

// WithActor stores the authenticated actor in the context.
func WithActor(ctx context.Context, actor models.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext returns the actor stored by WithActor.
func ActorFromContext(ctx context.Context) (models.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(models.Actor)
	return actor, ok
}

// RequireOrg returns a Forbidden error when the actor does not belong to the
// resource's organization. Every denial is logged as a security event.
func RequireOrg(ctx context.Context, actor models.Actor, resourceOrg uuid.UUID, resource string, resourceID uuid.UUID) error {
	if actor.OrgID != uuid.Nil && actor.OrgID == resourceOrg {
		return nil
	}

	log.Warn().
		Str("event", "security").
		Str("actor_org_id", actor.OrgID.String()).
		Str("actor", actor.UserID).
		Str("resource", resource).
		Str("resource_id", resourceID.String()).
		Msg("Cross-tenant access denied")

	telemetry.GetMetrics().SecurityEventsTotal.Add(ctx, 1,
		metric.WithAttributes(attribute.String("resource", resource)))

	return apperr.Forbidden("%s %s is not accessible", resource, resourceID)
}
