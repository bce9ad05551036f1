package eventing

import "context"

type contextKey string

const (
	contextKeyEnvelope contextKey = "eventing.envelope"
	contextKeySensor   contextKey = "eventing.sensor_id"
	contextKeyCorr     contextKey = "eventing.correlation_id"
	contextKeyEventID  contextKey = "eventing.event_id"
)

// WithEnvelope attaches envelope metadata to context.
func WithEnvelope(ctx context.Context, env Envelope) context.Context {
	return context.WithValue(ctx, contextKeyEnvelope, env)
}

// EnvelopeFromContext returns envelope metadata if available.
func EnvelopeFromContext(ctx context.Context) (Envelope, bool) {
	value := ctx.Value(contextKeyEnvelope)
	env, ok := value.(Envelope)
	return env, ok
}

// WithSensorID sets sensor id in context.
func WithSensorID(ctx context.Context, sensorID string) context.Context {
	return context.WithValue(ctx, contextKeySensor, sensorID)
}

// WithCorrelationID sets correlation id in context.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return context.WithValue(ctx, contextKeyCorr, correlationID)
}

// WithEventID sets event id in context.
func WithEventID(ctx context.Context, eventID string) context.Context {
	return context.WithValue(ctx, contextKeyEventID, eventID)
}

// MetaFromContext builds metadata from context.
func MetaFromContext(ctx context.Context) Meta {
	meta := Meta{}
	if value := ctx.Value(contextKeySensor); value != nil {
		if sensorID, ok := value.(string); ok {
			meta.SensorID = sensorID
		}
	}
	if value := ctx.Value(contextKeyCorr); value != nil {
		if corr, ok := value.(string); ok {
			meta.CorrelationID = corr
		}
	}
	if value := ctx.Value(contextKeyEventID); value != nil {
		if id, ok := value.(string); ok {
			meta.EventID = id
		}
	}
	return meta
}
