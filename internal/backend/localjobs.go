package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/duplex/internal/record"
)

// LocalRunner is an in-process job runner for local mode and tests. Started
// jobs succeed automatically once CompleteAfter has elapsed; tests can pin
// outcomes per execution instead.
type LocalRunner struct {
	mu         sync.Mutex
	executions map[string]*localExecution
	byToken    map[string]string

	// CompleteAfter is how long a job stays RUNNING before it succeeds.
	// Zero means jobs succeed on the first Describe.
	CompleteAfter time.Duration

	now func() time.Time
}

type localExecution struct {
	subjectID int64
	startedAt time.Time
	forced    *JobStatus
}

func NewLocalRunner(completeAfter time.Duration) *LocalRunner {
	return &LocalRunner{
		executions:    make(map[string]*localExecution),
		byToken:       make(map[string]string),
		CompleteAfter: completeAfter,
		now:           time.Now,
	}
}

func (r *LocalRunner) Start(_ context.Context, subjectID int64, idempotencyToken string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if idempotencyToken != "" {
		if id, ok := r.byToken[idempotencyToken]; ok {
			return id, nil
		}
	}

	id := "local-" + uuid.New().String()
	r.executions[id] = &localExecution{subjectID: subjectID, startedAt: r.now().UTC()}
	if idempotencyToken != "" {
		r.byToken[idempotencyToken] = id
	}
	return id, nil
}

func (r *LocalRunner) Describe(_ context.Context, executionID string) (JobStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	exec, ok := r.executions[executionID]
	if !ok {
		return JobStatus{}, &CodedError{Code: "ExecutionDoesNotExist", Op: "jobs.describe",
			Err: fmt.Errorf("execution %q", executionID)}
	}
	if exec.forced != nil {
		return *exec.forced, nil
	}

	status := JobStatus{
		ExecutionID: executionID,
		Status:      record.StatusRunning,
		StartedAt:   exec.startedAt,
	}
	if elapsed := r.now().UTC().Sub(exec.startedAt); elapsed >= r.CompleteAfter {
		stopped := exec.startedAt.Add(r.CompleteAfter)
		status.Status = record.StatusSucceeded
		status.StoppedAt = &stopped
	}
	return status, nil
}

// Force pins the status returned by Describe for an execution. Test helper.
func (r *LocalRunner) Force(executionID string, status JobStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if exec, ok := r.executions[executionID]; ok {
		exec.forced = &status
	}
}
