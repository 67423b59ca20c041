// Package monitor finalizes job executions in the background. Jobs are
// fire-and-monitor: start_job records them as RUNNING, and either a later
// check_job_status call or this worker writes the terminal outcome.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kalambet/duplex/internal/backend"
	"github.com/kalambet/duplex/internal/coordinator"
	"github.com/kalambet/duplex/internal/record"
)

const pendingBatchSize = 100

// Worker polls running executions and persists their terminal outcomes.
type Worker struct {
	catalog backend.Catalog
	runner  backend.JobRunner
	coord   *coordinator.Coordinator
	poll    time.Duration
	logger  *slog.Logger
}

// NewWorker creates a Worker. If pollInterval is <= 0, it defaults to 30s.
func NewWorker(catalog backend.Catalog, runner backend.JobRunner, coord *coordinator.Coordinator, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	return &Worker{
		catalog: catalog,
		runner:  runner,
		coord:   coord,
		poll:    pollInterval,
		logger:  slog.Default(),
	}
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		if _, err := w.RunOnce(ctx); err != nil {
			w.logger.Error("monitor iteration failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce sweeps running executions once and returns how many it finalized.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	rs, err := w.catalog.Query(ctx,
		"SELECT execution_id FROM job_executions WHERE status = ? ORDER BY started_at",
		[]any{string(record.StatusRunning)}, pendingBatchSize, 0)
	if err != nil {
		return 0, fmt.Errorf("listing running executions: %w", err)
	}

	finalized := 0
	for _, row := range rs.Rows {
		executionID, ok := row["execution_id"].(string)
		if !ok || executionID == "" {
			continue
		}
		done, err := w.finalize(ctx, executionID)
		if err != nil {
			// One stuck execution must not starve the rest of the sweep.
			w.logger.Warn("finalizing execution failed", "execution_id", executionID, "error", err)
			continue
		}
		if done {
			finalized++
		}
	}
	return finalized, nil
}

func (w *Worker) finalize(ctx context.Context, executionID string) (bool, error) {
	status, err := w.runner.Describe(ctx, executionID)
	if err != nil {
		return false, fmt.Errorf("describing: %w", err)
	}
	if !status.Status.Terminal() {
		return false, nil
	}

	rec, err := w.coord.ReadJobExecution(ctx, executionID)
	if err != nil {
		return false, fmt.Errorf("reading record: %w", err)
	}
	if rec.Status.Terminal() {
		return false, nil
	}

	rec.Status = status.Status
	rec.StoppedAt = status.StoppedAt
	rec.ErrorMessage = status.Error
	if status.StoppedAt != nil {
		rec.DurationSeconds = int64(status.StoppedAt.Sub(rec.StartedAt).Seconds())
	}
	if _, err := w.coord.Update(ctx, rec); err != nil {
		return false, fmt.Errorf("updating record: %w", err)
	}

	w.logger.Info("execution finalized",
		"execution_id", executionID,
		"status", string(rec.Status),
		"duration_s", rec.DurationSeconds,
	)
	return true, nil
}
