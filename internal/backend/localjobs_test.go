package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/duplex/internal/record"
)

func TestLocalRunnerLifecycle(t *testing.T) {
	runner := NewLocalRunner(time.Hour)
	ctx := context.Background()

	id, err := runner.Start(ctx, 42, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if id == "" {
		t.Fatal("empty execution id")
	}

	status, err := runner.Describe(ctx, id)
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if status.Status != record.StatusRunning {
		t.Errorf("status = %s, want RUNNING", status.Status)
	}
}

func TestLocalRunnerCompletes(t *testing.T) {
	runner := NewLocalRunner(0)
	ctx := context.Background()

	id, err := runner.Start(ctx, 42, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	status, err := runner.Describe(ctx, id)
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if status.Status != record.StatusSucceeded {
		t.Errorf("status = %s, want SUCCEEDED", status.Status)
	}
	if status.StoppedAt == nil {
		t.Error("terminal status missing StoppedAt")
	}
}

func TestLocalRunnerIdempotencyToken(t *testing.T) {
	runner := NewLocalRunner(time.Hour)
	ctx := context.Background()

	first, err := runner.Start(ctx, 42, "token-1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	second, err := runner.Start(ctx, 42, "token-1")
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if first != second {
		t.Errorf("same token produced different executions: %s vs %s", first, second)
	}

	third, err := runner.Start(ctx, 42, "token-2")
	if err != nil {
		t.Fatalf("third start: %v", err)
	}
	if third == first {
		t.Error("different token reused execution")
	}
}

func TestLocalRunnerUnknownExecution(t *testing.T) {
	runner := NewLocalRunner(0)
	_, err := runner.Describe(context.Background(), "local-nope")
	var coded *CodedError
	if !errors.As(err, &coded) || coded.Code != "ExecutionDoesNotExist" {
		t.Errorf("expected ExecutionDoesNotExist, got %v", err)
	}
}

func TestLocalRunnerForcedStatus(t *testing.T) {
	runner := NewLocalRunner(time.Hour)
	ctx := context.Background()

	id, err := runner.Start(ctx, 9, "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	stopped := time.Now().UTC()
	runner.Force(id, JobStatus{
		ExecutionID: id,
		Status:      record.StatusFailed,
		StoppedAt:   &stopped,
		Error:       "States.TaskFailed: boom",
	})

	status, err := runner.Describe(ctx, id)
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if status.Status != record.StatusFailed || status.Error == "" {
		t.Errorf("unexpected status %+v", status)
	}
}
