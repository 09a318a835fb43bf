package stores

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyoflow/pkg/telemetry"
)

// EventSink persists telemetry events. Subscribe it to an event publisher
// with Subscriber.
type EventSink struct {
	store   Store
	logger  zerolog.Logger
	timeout time.Duration
}

// NewEventSink creates a sink writing to store.
func NewEventSink(store Store, logger zerolog.Logger) *EventSink {
	return &EventSink{
		store:   store,
		logger:  logger.With().Str("component", "event-sink").Logger(),
		timeout: 5 * time.Second,
	}
}

// Subscriber returns the function to register with EventPublisher.Subscribe.
func (s *EventSink) Subscriber() telemetry.EventSubscriber {
	return func(event telemetry.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		if err := s.store.AppendEvent(ctx, FromTelemetry(event)); err != nil {
			s.logger.Warn().Err(err).Str("type", event.Type).Msg("Failed to persist event")
		}
	}
}

// FromTelemetry converts a telemetry event to its stored form. Workflow
// and action names are folded into the details blob.
func FromTelemetry(event telemetry.Event) *Event {
	out := &Event{
		RunID:     optional(event.RunID),
		StepID:    optional(event.StepID),
		Type:      event.Type,
		Level:     EventLevel(event.Level),
		Message:   event.Message,
		Timestamp: event.Timestamp,
	}
	if out.Level == "" {
		out.Level = EventLevelInfo
	}

	details := make(map[string]interface{}, len(event.Data)+3)
	for k, v := range event.Data {
		details[k] = v
	}
	if event.Source != "" {
		details["source"] = event.Source
	}
	if event.WorkflowID != "" {
		details["workflow_id"] = event.WorkflowID
	}
	if event.Action != "" {
		details["action"] = event.Action
	}
	if len(details) > 0 {
		if data, err := json.Marshal(details); err == nil {
			out.Details = optional(string(data))
		}
	}
	return out
}
