package mqtt

import (
	"github.com/go-logr/logr"

	"github.com/sweeney/aps-controller/internal/events"
	"github.com/sweeney/aps-controller/internal/logging"
)

// EventPublisher forwards loop events to the broker. Register Handle with
// events.Bus.Subscribe.
type EventPublisher struct {
	client Client
	logger logr.Logger
}

// NewEventPublisher creates an EventPublisher.
func NewEventPublisher(client Client, logger logr.Logger) *EventPublisher {
	return &EventPublisher{client: client, logger: logger.WithName("event-publisher")}
}

// Handle publishes e on EventTopic(e.Kind). Suggestions and loop state are
// retained so late subscribers see the latest value.
func (p *EventPublisher) Handle(e events.Event) {
	payload, err := FormatEvent(e)
	if err != nil {
		p.logger.Error(err, "Failed to format event", "kind", e.Kind)
		return
	}
	retained := e.Kind == events.KindSuggestion || e.Kind == events.KindLoopCompleted
	if err := p.client.Publish(EventTopic(e.Kind), 0, retained, payload); err != nil {
		// Don't crash on publish failure
		p.logger.Error(err, "Publish error", "kind", e.Kind)
		return
	}
	p.logger.V(logging.DEBUG).Info("Published event", "kind", e.Kind)
}
