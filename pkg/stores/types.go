package stores

import (
	"context"
	"time"

	"github.com/openfroyo/froyoflow/pkg/engine"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Run is one recorded workflow run.
type Run struct {
	ID          string     `json:"id"`
	Workflow    string     `json:"workflow"`
	State       string     `json:"state"` // engine.ActionState name; Running until completed
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
	Variables   string     `json:"variables"` // JSON array of engine.Variable
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// StepRecord is the recorded outcome of one step.
type StepRecord struct {
	ID           int64     `json:"id"`
	RunID        string    `json:"run_id"`
	StepID       string    `json:"step_id"`
	Action       string    `json:"action"`
	Remote       bool      `json:"remote"`
	State        string    `json:"state"`
	ErrorCode    *string   `json:"error_code,omitempty"`
	ErrorMessage *string   `json:"error_message,omitempty"`
	Outputs      string    `json:"outputs"` // JSON object of engine.Value
	StartedAt    time.Time `json:"started_at"`
	CompletedAt  time.Time `json:"completed_at"`
}

// Duration returns the step's wall time.
func (r *StepRecord) Duration() time.Duration {
	return r.CompletedAt.Sub(r.StartedAt)
}

// Event represents an append-only log event
type Event struct {
	ID        int64      `json:"id"`
	RunID     *string    `json:"run_id,omitempty"`
	StepID    *string    `json:"step_id,omitempty"`
	Type      string     `json:"type"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	Details   *string    `json:"details,omitempty"` // JSON blob
	Timestamp time.Time  `json:"timestamp"`
}

// EventQuery filters GetEvents. Nil fields match everything.
type EventQuery struct {
	RunID  *string
	Type   *string
	Level  *EventLevel
	Limit  int
	Offset int
}

// Store defines the interface for the persistence layer
type Store interface {
	engine.Recorder

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	CompleteRun(ctx context.Context, id, state string, completedAt time.Time, errMsg *string, variables string) error
	ListRuns(ctx context.Context, workflow *string, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error
	PruneRuns(ctx context.Context, before time.Time) (int64, error)

	// Step operations
	AddStepRecord(ctx context.Context, step *StepRecord) error
	ListStepRecords(ctx context.Context, runID string) ([]*StepRecord, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, q EventQuery) ([]*Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
