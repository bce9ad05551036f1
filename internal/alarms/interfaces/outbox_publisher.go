package interfaces

import (
	"context"

	"sitewatch/internal/alarms/application"
	"sitewatch/internal/eventing"
)

// OutboxPublisher writes lifecycle events to the durable outbox.
type OutboxPublisher struct {
	publisher *eventing.Publisher
}

// NewOutboxPublisher constructs an outbox publisher.
func NewOutboxPublisher(publisher *eventing.Publisher) *OutboxPublisher {
	return &OutboxPublisher{publisher: publisher}
}

// PublishLifecycle buffers the event; dispatch happens on the same call when
// downstream is healthy and on the redispatch loop otherwise.
func (p *OutboxPublisher) PublishLifecycle(ctx context.Context, event application.LifecycleEvent) error {
	if p == nil || p.publisher == nil {
		return nil
	}
	ctx = eventing.WithSensorID(ctx, event.Alarm.SensorID)
	return p.publisher.Publish(ctx, event)
}
