package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/kalambet/duplex/internal/backend"
	"github.com/kalambet/duplex/internal/coordinator"
	"github.com/kalambet/duplex/internal/record"
)

func newTestWorker(t *testing.T) (*Worker, *coordinator.Coordinator, *backend.LocalRunner) {
	t.Helper()
	catalog, err := backend.OpenSQLiteCatalog(":memory:")
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { catalog.Close() })

	runner := backend.NewLocalRunner(time.Hour)
	coord := coordinator.New(backend.NewMemoryStore(), catalog, coordinator.Options{})
	return NewWorker(catalog, runner, coord, time.Millisecond), coord, runner
}

func startJob(t *testing.T, coord *coordinator.Coordinator, runner *backend.LocalRunner, subjectID int64) string {
	t.Helper()
	ctx := context.Background()
	id, err := runner.Start(ctx, subjectID, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := coord.Write(ctx, &record.JobExecutionRecord{ExecutionID: id, SubjectID: subjectID}); err != nil {
		t.Fatalf("record: %v", err)
	}
	return id
}

func TestRunOnceLeavesRunningJobs(t *testing.T) {
	w, coord, runner := newTestWorker(t)
	id := startJob(t, coord, runner, 1)

	n, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if n != 0 {
		t.Errorf("finalized = %d, want 0", n)
	}
	rec, err := coord.ReadJobExecution(context.Background(), id)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rec.Status != record.StatusRunning {
		t.Errorf("status = %s, want RUNNING", rec.Status)
	}
}

func TestRunOnceFinalizesTerminalJobs(t *testing.T) {
	w, coord, runner := newTestWorker(t)
	id := startJob(t, coord, runner, 1)

	stopped := time.Now().UTC()
	runner.Force(id, backend.JobStatus{
		ExecutionID: id,
		Status:      record.StatusFailed,
		StartedAt:   stopped.Add(-5 * time.Second),
		StoppedAt:   &stopped,
		Error:       "step timed out",
	})

	n, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if n != 1 {
		t.Fatalf("finalized = %d, want 1", n)
	}

	rec, err := coord.ReadJobExecution(context.Background(), id)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rec.Status != record.StatusFailed || rec.StoppedAt == nil {
		t.Errorf("record not finalized: %+v", rec)
	}
	if rec.ErrorMessage != "step timed out" {
		t.Errorf("error = %q", rec.ErrorMessage)
	}
	if rec.DurationSeconds <= 0 {
		t.Errorf("duration = %d, want > 0", rec.DurationSeconds)
	}

	// A second sweep finds nothing left to do.
	n, err = w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if n != 0 {
		t.Errorf("finalized = %d, want 0", n)
	}
}

func TestRunOnceSurvivesMissingExecution(t *testing.T) {
	w, coord, runner := newTestWorker(t)
	// A record whose execution the runner never saw. Describe fails, the
	// sweep continues.
	ctx := context.Background()
	if _, err := coord.Write(ctx, &record.JobExecutionRecord{ExecutionID: "ghost", SubjectID: 1}); err != nil {
		t.Fatalf("record: %v", err)
	}
	id := startJob(t, coord, runner, 2)
	stopped := time.Now().UTC()
	runner.Force(id, backend.JobStatus{
		ExecutionID: id,
		Status:      record.StatusSucceeded,
		StartedAt:   stopped.Add(-time.Second),
		StoppedAt:   &stopped,
	})

	n, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if n != 1 {
		t.Errorf("finalized = %d, want 1", n)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	w, _, _ := newTestWorker(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}
