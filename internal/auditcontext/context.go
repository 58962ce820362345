package auditcontext

import "context"

type contextKey string

const (
	actorTypeKey contextKey = "audit_actor_type"
	actorIDKey   contextKey = "audit_actor_id"
	requestIDKey contextKey = "audit_request_id"
)

// WithActor stamps the acting principal onto the context so every audit entry
// written downstream records who drove the change.
func WithActor(ctx context.Context, actorType, actorID string) context.Context {
	ctx = context.WithValue(ctx, actorTypeKey, actorType)
	return context.WithValue(ctx, actorIDKey, actorID)
}

func ActorFromContext(ctx context.Context) (actorType, actorID string) {
	if v, ok := ctx.Value(actorTypeKey).(string); ok {
		actorType = v
	}
	if v, ok := ctx.Value(actorIDKey).(string); ok {
		actorID = v
	}
	return actorType, actorID
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}
