package stores

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/openfroyo/froyoflow/pkg/actions"
	"github.com/openfroyo/froyoflow/pkg/engine"
	"github.com/openfroyo/froyoflow/pkg/telemetry"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := Open(context.Background(), Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "history.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	// A second migration is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to re-run migrations: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"runs", "step_results", "events"} {
		var count int
		if err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count); err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

func TestRunCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	started := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

	run := &Run{ID: "run-1", Workflow: "deploy", State: engine.StateRunning.String(), StartedAt: started}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.Workflow != "deploy" || got.State != "Running" || !got.StartedAt.Equal(started) {
		t.Errorf("unexpected run: %+v", got)
	}
	if got.CompletedAt != nil || got.Error != nil {
		t.Errorf("expected open run, got %+v", got)
	}

	msg := "step s failed"
	if err := store.CompleteRun(ctx, "run-1", "Error", started.Add(time.Minute), &msg, `[{"name":"x","value":{"kind":"int","value":1}}]`); err != nil {
		t.Fatalf("failed to complete run: %v", err)
	}

	got, err = store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if got.State != "Error" || got.Error == nil || *got.Error != msg {
		t.Errorf("unexpected completed run: %+v", got)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(started.Add(time.Minute)) {
		t.Errorf("expected completed_at, got %v", got.CompletedAt)
	}

	if err := store.CompleteRun(ctx, "missing", "Success", started, nil, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := store.DeleteRun(ctx, "run-1"); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}
	if err := store.DeleteRun(ctx, "run-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestListAndPruneRuns(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	for i, wf := range []string{"a", "b", "a"} {
		run := &Run{ID: string(rune('1' + i)), Workflow: wf, State: "Success", StartedAt: base.Add(time.Duration(i) * time.Hour)}
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatalf("failed to create run: %v", err)
		}
	}
	if err := store.AppendEvent(ctx, &Event{RunID: optional("1"), Type: "run.started", Level: EventLevelInfo, Message: "m"}); err != nil {
		t.Fatalf("failed to append event: %v", err)
	}

	runs, err := store.ListRuns(ctx, nil, 0, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 3 || runs[0].ID != "3" {
		t.Fatalf("expected 3 runs newest first, got %d", len(runs))
	}

	wf := "a"
	runs, err = store.ListRuns(ctx, &wf, 1, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != "3" {
		t.Errorf("expected newest run of workflow a, got %+v", runs)
	}

	n, err := store.PruneRuns(ctx, base.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("failed to prune runs: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 pruned runs, got %d", n)
	}
	events, err := store.GetEvents(ctx, EventQuery{})
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected events of pruned runs to be deleted, got %d", len(events))
	}
}

func TestStepRecordsCascade(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := store.CreateRun(ctx, &Run{ID: "r", Workflow: "w", State: "Running", StartedAt: now}); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}
	for _, id := range []string{"first", "second"} {
		rec := &StepRecord{RunID: "r", StepID: id, Action: "text.case", State: "Success", StartedAt: now, CompletedAt: now.Add(time.Second)}
		if err := store.AddStepRecord(ctx, rec); err != nil {
			t.Fatalf("failed to add step: %v", err)
		}
		if rec.ID == 0 {
			t.Error("expected step ID to be set")
		}
	}

	if err := store.AddStepRecord(ctx, &StepRecord{RunID: "nope", StepID: "x", Action: "a", State: "Success", StartedAt: now, CompletedAt: now}); err == nil {
		t.Error("expected foreign key violation for unknown run")
	}

	steps, err := store.ListStepRecords(ctx, "r")
	if err != nil {
		t.Fatalf("failed to list steps: %v", err)
	}
	if len(steps) != 2 || steps[0].StepID != "first" || steps[1].StepID != "second" {
		t.Fatalf("unexpected steps: %+v", steps)
	}
	if steps[0].Duration() != time.Second {
		t.Errorf("expected 1s duration, got %v", steps[0].Duration())
	}

	if err := store.DeleteRun(ctx, "r"); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}
	steps, err = store.ListStepRecords(ctx, "r")
	if err != nil {
		t.Fatalf("failed to list steps: %v", err)
	}
	if len(steps) != 0 {
		t.Errorf("expected step records to cascade, got %d", len(steps))
	}
}

func TestEventQueries(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := "r1"
	for _, e := range []*Event{
		{RunID: &run, Type: telemetry.EventTypeRunStarted, Level: EventLevelInfo, Message: "started"},
		{RunID: &run, Type: telemetry.EventTypeStepFailed, Level: EventLevelError, Message: "boom"},
		{Type: telemetry.EventTypeManifestSynced, Level: EventLevelInfo, Message: "synced"},
	} {
		if err := store.AppendEvent(ctx, e); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
	}

	tests := []struct {
		name  string
		query EventQuery
		want  int
	}{
		{name: "all", query: EventQuery{}, want: 3},
		{name: "by run", query: EventQuery{RunID: &run}, want: 2},
		{name: "by level", query: EventQuery{Level: levelPtr(EventLevelError)}, want: 1},
		{name: "by type", query: EventQuery{Type: strPtr(telemetry.EventTypeManifestSynced)}, want: 1},
		{name: "limit", query: EventQuery{Limit: 2}, want: 2},
		{name: "offset", query: EventQuery{Offset: 2}, want: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := store.GetEvents(ctx, tt.query)
			if err != nil {
				t.Fatalf("failed to get events: %v", err)
			}
			if len(events) != tt.want {
				t.Errorf("expected %d events, got %d", tt.want, len(events))
			}
		})
	}
}

func TestRecorderWithRunner(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	def := &engine.Definition{
		Name: "convert",
		Steps: []engine.Step{
			{ID: "snake", Action: actions.CaseActionName, Inputs: map[string]interface{}{"source-string": "HELLO.World"}},
			{ID: "bad", Action: actions.CaseActionName, DependsOn: []string{"snake"},
				Inputs: map[string]interface{}{"source-string": "x", "style": "bogus"}},
		},
	}

	result, err := engine.NewRunner(actions.NewRegistry(), engine.WithRecorder(store)).Run(ctx, def)
	if err == nil {
		t.Fatal("expected run to fail")
	}

	run, err := store.GetRun(ctx, result.RunID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}
	if run.State != "Error" || run.Error == nil || run.CompletedAt == nil {
		t.Errorf("unexpected recorded run: %+v", run)
	}

	var vars []engine.Variable
	if err := json.Unmarshal([]byte(run.Variables), &vars); err != nil {
		t.Fatalf("failed to decode variables: %v", err)
	}
	if len(vars) != 1 || vars[0].Name != "result" || vars[0].Value.String() != "hello_world" {
		t.Errorf("unexpected variables: %+v", vars)
	}

	steps, err := store.ListStepRecords(ctx, result.RunID)
	if err != nil {
		t.Fatalf("failed to list steps: %v", err)
	}
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(steps))
	}
	if steps[0].State != "Success" || steps[0].ErrorCode != nil {
		t.Errorf("unexpected first step: %+v", steps[0])
	}
	if steps[1].State != "Error" || steps[1].ErrorCode == nil || *steps[1].ErrorCode != engine.ErrCodeActionFailed {
		t.Errorf("unexpected second step: %+v", steps[1])
	}
	if steps[1].ErrorMessage == nil || *steps[1].ErrorMessage != `unsupported style "bogus"` {
		t.Errorf("expected verbatim error message, got %v", steps[1].ErrorMessage)
	}
}

func TestEventSink(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	publisher, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("failed to create publisher: %v", err)
	}
	defer func() { _ = publisher.Shutdown(ctx) }()

	publisher.Subscribe(NewEventSink(store, telemetry.NopLogger().Zerolog()).Subscriber(), nil)
	if err := publisher.PublishStepFailed("run-9", "deploy", "shell.exec", "exit status 1"); err != nil {
		t.Fatalf("failed to publish: %v", err)
	}

	runID := "run-9"
	events, err := store.GetEvents(ctx, EventQuery{RunID: &runID})
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	e := events[0]
	if e.Type != telemetry.EventTypeStepFailed || e.Level != EventLevelError || e.StepID == nil || *e.StepID != "deploy" {
		t.Errorf("unexpected event: %+v", e)
	}

	var details map[string]interface{}
	if e.Details == nil || json.Unmarshal([]byte(*e.Details), &details) != nil {
		t.Fatalf("expected JSON details, got %v", e.Details)
	}
	if details["action"] != "shell.exec" {
		t.Errorf("expected action in details, got %v", details)
	}
}

func strPtr(s string) *string { return &s }

func levelPtr(l EventLevel) *EventLevel { return &l }
