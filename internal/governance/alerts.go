package governance

import (
	"context"

	"github.com/clinical-coding/platform/internal/admission"
	"github.com/clinical-coding/platform/internal/shared/events"
	"github.com/clinical-coding/platform/internal/shared/logging"
)

// AlertEventType is the event type of published quota alerts.
const AlertEventType = "quota.alert"

// AlertPublisher forwards quota alerts to the event bus.
type AlertPublisher struct {
	bus events.EventBus
}

// NewAlertPublisher creates an admission.AlertSink backed by bus.
func NewAlertPublisher(bus events.EventBus) *AlertPublisher {
	return &AlertPublisher{bus: bus}
}

// PublishAlert implements admission.AlertSink.
func (p *AlertPublisher) PublishAlert(ctx context.Context, alert admission.Alert) error {
	event := events.NewEvent(AlertEventType, "admission", alert)
	if id := logging.RequestIDFromContext(ctx); id != "" {
		event = event.WithCorrelation(id)
	}
	return p.bus.Publish(ctx, event)
}

var _ admission.AlertSink = (*AlertPublisher)(nil)
