package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is one notable thing that happened in a run, an executor session,
// a manifest sync or a policy decision.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	// Source is the subsystem that published the event: runner, executor,
	// manifest or policy.
	Source  string `json:"source"`
	Level   string `json:"level"`
	Message string `json:"message"`

	RunID      string `json:"run_id,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	StepID     string `json:"step_id,omitempty"`
	Action     string `json:"action,omitempty"`

	Data map[string]interface{} `json:"data,omitempty"`
}

// Event types.
const (
	EventTypeRunStarted      = "run.started"
	EventTypeRunCompleted    = "run.completed"
	EventTypeRunFailed       = "run.failed"
	EventTypeStepCompleted   = "step.completed"
	EventTypeStepFailed      = "step.failed"
	EventTypeSessionOpened   = "session.opened"
	EventTypeSessionClosed   = "session.closed"
	EventTypeSessionReaped   = "session.reaped"
	EventTypeManifestSynced  = "manifest.synced"
	EventTypePolicyViolation = "policy.violation"
)

// Event levels, in increasing severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// ErrPublisherClosed is returned by Publish after Shutdown.
var ErrPublisherClosed = errors.New("event publisher closed")

// EventSubscriber handles one event.
type EventSubscriber func(event Event)

// EventFilter selects the events a subscriber receives.
type EventFilter func(event Event) bool

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// EventPublisher fans events out to subscribers in publish order. In sync
// mode subscribers run on the publishing goroutine. In async mode one
// background goroutine delivers from a bounded queue. A nil or disabled
// publisher drops everything.
type EventPublisher struct {
	cfg EventsConfig

	mu     sync.RWMutex
	subs   []subscription
	closed bool

	queue chan Event
	done  chan struct{}
}

// NewEventPublisher creates a publisher for cfg.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{cfg: cfg}
	if !cfg.Enabled || !cfg.EnableAsync {
		return ep, nil
	}
	if cfg.BufferSize <= 0 {
		return nil, fmt.Errorf("async event publisher needs a positive buffer size, got %d", cfg.BufferSize)
	}

	ep.queue = make(chan Event, cfg.BufferSize)
	ep.done = make(chan struct{})
	go func() {
		defer close(ep.done)
		for event := range ep.queue {
			ep.deliver(event)
		}
	}()
	return ep, nil
}

func (ep *EventPublisher) enabled() bool {
	return ep != nil && ep.cfg.Enabled
}

// Subscribe registers fn for events accepted by filter. A nil filter
// accepts everything.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	if !ep.enabled() {
		return
	}
	ep.mu.Lock()
	ep.subs = append(ep.subs, subscription{fn: fn, filter: filter})
	ep.mu.Unlock()
}

// Publish stamps event with an id and timestamp when missing and delivers
// it. An async publisher with a full queue drops the event and says so.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.enabled() {
		return nil
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	ep.mu.RLock()
	defer ep.mu.RUnlock()
	if ep.closed {
		return ErrPublisherClosed
	}
	if ep.queue == nil {
		ep.deliverLocked(event)
		return nil
	}
	select {
	case ep.queue <- event:
		return nil
	default:
		return fmt.Errorf("event buffer full, dropped %s", event.Type)
	}
}

func (ep *EventPublisher) deliver(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()
	ep.deliverLocked(event)
}

func (ep *EventPublisher) deliverLocked(event Event) {
	for _, s := range ep.subs {
		if s.filter == nil || s.filter(event) {
			s.fn(event)
		}
	}
}

// Shutdown stops accepting events and waits for queued ones to be
// delivered or for ctx to end.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.enabled() {
		return nil
	}

	ep.mu.Lock()
	if ep.closed {
		ep.mu.Unlock()
		return nil
	}
	ep.closed = true
	if ep.queue != nil {
		close(ep.queue)
	}
	ep.mu.Unlock()

	if ep.done == nil {
		return nil
	}
	select {
	case <-ep.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

// PublishRunStarted announces a run. traceID may be empty.
func (ep *EventPublisher) PublishRunStarted(runID, workflow, traceID string) error {
	data := map[string]interface{}{"workflow": workflow}
	if traceID != "" {
		data["trace_id"] = traceID
	}
	return ep.Publish(Event{
		Type:    EventTypeRunStarted,
		Source:  "runner",
		Level:   EventLevelInfo,
		RunID:   runID,
		Message: fmt.Sprintf("Run %s of %s started", runID, workflow),
		Data:    data,
	})
}

// PublishRunCompleted announces a run that finished without error.
func (ep *EventPublisher) PublishRunCompleted(runID, state string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeRunCompleted,
		Source:  "runner",
		Level:   EventLevelInfo,
		RunID:   runID,
		Message: fmt.Sprintf("Run %s finished %s in %s", runID, state, duration.Round(time.Millisecond)),
		Data:    map[string]interface{}{"state": state, "duration": duration.Seconds()},
	})
}

// PublishRunFailed announces a run stopped by an error.
func (ep *EventPublisher) PublishRunFailed(runID, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeRunFailed,
		Source:  "runner",
		Level:   EventLevelError,
		RunID:   runID,
		Message: fmt.Sprintf("Run %s failed: %s", runID, reason),
		Data:    map[string]interface{}{"reason": reason},
	})
}

// PublishStepCompleted announces a step that reached Success or Skipped.
func (ep *EventPublisher) PublishStepCompleted(runID, stepID, action, state string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeStepCompleted,
		Source:  "runner",
		Level:   EventLevelInfo,
		RunID:   runID,
		StepID:  stepID,
		Action:  action,
		Message: fmt.Sprintf("Step %s (%s): %s", stepID, action, state),
		Data:    map[string]interface{}{"state": state, "duration": duration.Seconds()},
	})
}

// PublishStepFailed announces a step that ended in Error.
func (ep *EventPublisher) PublishStepFailed(runID, stepID, action, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeStepFailed,
		Source:  "runner",
		Level:   EventLevelError,
		RunID:   runID,
		StepID:  stepID,
		Action:  action,
		Message: fmt.Sprintf("Step %s (%s) failed: %s", stepID, action, reason),
		Data:    map[string]interface{}{"reason": reason},
	})
}

// PublishSessionOpened announces a session created by Begin.
func (ep *EventPublisher) PublishSessionOpened(workflowID, action string) error {
	return ep.Publish(Event{
		Type:       EventTypeSessionOpened,
		Source:     "executor",
		Level:      EventLevelInfo,
		WorkflowID: workflowID,
		Action:     action,
		Message:    fmt.Sprintf("Session %s opened for %s", workflowID, action),
	})
}

// PublishSessionClosed announces a session disposed by End, or by the
// reaper when reaped is set.
func (ep *EventPublisher) PublishSessionClosed(workflowID, action, reason string, reaped bool) error {
	typ, level := EventTypeSessionClosed, EventLevelInfo
	if reaped {
		typ, level = EventTypeSessionReaped, EventLevelWarning
	}
	return ep.Publish(Event{
		Type:       typ,
		Source:     "executor",
		Level:      level,
		WorkflowID: workflowID,
		Action:     action,
		Message:    fmt.Sprintf("Session %s closed: %s", workflowID, reason),
		Data:       map[string]interface{}{"reason": reason},
	})
}

// PublishManifestSynced announces the outcome of a manifest sync.
func (ep *EventPublisher) PublishManifestSynced(remoteURL, outcome string, fetched int) error {
	level := EventLevelInfo
	if outcome == "offline" || outcome == "partial" {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:    EventTypeManifestSynced,
		Source:  "manifest",
		Level:   level,
		Message: fmt.Sprintf("Manifest sync with %s: %s", remoteURL, outcome),
		Data:    map[string]interface{}{"remote_url": remoteURL, "outcome": outcome, "fetched": fetched},
	})
}

// PublishPolicyViolation announces a step refused by policy.
func (ep *EventPublisher) PublishPolicyViolation(stepID, action, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypePolicyViolation,
		Source:  "policy",
		Level:   EventLevelError,
		StepID:  stepID,
		Action:  action,
		Message: fmt.Sprintf("Policy denied step %s (%s): %s", stepID, action, reason),
		Data:    map[string]interface{}{"reason": reason},
	})
}

var levelRank = map[string]int{EventLevelInfo: 0, EventLevelWarning: 1, EventLevelError: 2}

// FilterByLevel accepts events at minLevel or above.
func FilterByLevel(minLevel string) EventFilter {
	floor := levelRank[minLevel]
	return func(event Event) bool {
		return levelRank[event.Level] >= floor
	}
}

// FilterByType accepts events of the given types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(event Event) bool {
		_, ok := set[event.Type]
		return ok
	}
}

// FilterBySource accepts events published by source.
func FilterBySource(source string) EventFilter {
	return func(event Event) bool {
		return event.Source == source
	}
}
