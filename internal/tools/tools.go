package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/duplex/internal/backend"
	"github.com/kalambet/duplex/internal/coordinator"
	"github.com/kalambet/duplex/internal/faults"
	"github.com/kalambet/duplex/internal/record"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

// Deps holds everything the tool implementations call into.
type Deps struct {
	Coordinator *coordinator.Coordinator
	Catalog     backend.Catalog
	Runner      backend.JobRunner
	// Retry is applied to idempotent backend reads and, when an
	// idempotency token is supplied, to job starts.
	Retry faults.Policy
	// Timeout bounds each tool invocation; zero means DefaultTimeout.
	Timeout time.Duration
}

// NewRegistryWithTools builds a registry with every tool registered.
func NewRegistryWithTools(deps Deps, logger *slog.Logger) *Registry {
	r := NewRegistry(logger)
	r.Register(queryPendingJobs(deps))
	r.Register(startJob(deps))
	r.Register(checkJobStatus(deps))
	r.Register(submitFeedback(deps))
	r.Register(getRecord(deps))
	r.Register(runQuery(deps))
	r.Register(listEscalations(deps))
	r.Register(getStats(deps))
	r.Register(resolveEscalation(deps))
	return r
}

func (d Deps) readPolicy() faults.Policy {
	p := d.Retry
	p.Idempotent = true
	return p
}

func queryPendingJobs(deps Deps) *Handler {
	return &Handler{
		Name:        "query_pending_jobs",
		Description: "List job executions that are still running.",
		Params: []Param{
			{Name: "limit", Type: TypeInteger, Description: "Maximum executions to return (default 50)"},
		},
		OpContext: "job_status",
		Timeout:   deps.Timeout,
		Execute: func(ctx context.Context, args Args) (any, error) {
			limit := args.Int("limit", 50)
			if limit <= 0 {
				limit = 50
			}
			return faults.Do(ctx, deps.readPolicy(), "job_status", func(ctx context.Context) (*backend.ResultSet, error) {
				return deps.Catalog.Query(ctx,
					"SELECT * FROM job_executions WHERE status = ? ORDER BY started_at",
					[]any{string(record.StatusRunning)}, limit, 0)
			})
		},
	}
}

func startJob(deps Deps) *Handler {
	return &Handler{
		Name:        "start_job",
		Description: "Start a background processing job for a subject.",
		Params: []Param{
			{Name: "subject_id", Type: TypeInteger, Description: "Positive subject identifier", Required: true},
			{Name: "idempotency_token", Type: TypeString, Description: "Token for safe retries; repeated starts with the same token return the original execution"},
		},
		OpContext: "job_start",
		Timeout:   deps.Timeout,
		Execute: func(ctx context.Context, args Args) (any, error) {
			subjectID := args.Int64("subject_id", 0)
			if subjectID <= 0 {
				return nil, faults.Newf(faults.KindUserInput, "subject_id must be positive, got %d", subjectID)
			}
			token := args.String("idempotency_token", "")

			var executionID string
			var err error
			if token != "" {
				// The token makes a duplicate start return the original
				// execution, so retrying is safe.
				executionID, err = faults.Do(ctx, deps.Retry, "job_start", func(ctx context.Context) (string, error) {
					return deps.Runner.Start(ctx, subjectID, token)
				})
			} else {
				executionID, err = deps.Runner.Start(ctx, subjectID, token)
			}
			if err != nil {
				return nil, err
			}

			rec := &record.JobExecutionRecord{
				ExecutionID: executionID,
				SubjectID:   subjectID,
			}
			result, err := deps.Coordinator.Write(ctx, rec)
			if err != nil {
				return nil, fmt.Errorf("job %s started but recording failed: %w", executionID, err)
			}
			return map[string]any{
				"execution_id": executionID,
				"subject_id":   subjectID,
				"status":       rec.Status,
				"location":     result.Location,
			}, nil
		},
	}
}

func checkJobStatus(deps Deps) *Handler {
	return &Handler{
		Name:        "check_job_status",
		Description: "Check the status of a job execution; terminal outcomes are persisted.",
		Params: []Param{
			{Name: "execution_id", Type: TypeString, Description: "Execution identifier returned by start_job", Required: true},
		},
		OpContext: "job_status",
		Timeout:   deps.Timeout,
		Execute: func(ctx context.Context, args Args) (any, error) {
			executionID := args.String("execution_id", "")
			if executionID == "" {
				return nil, faults.New(faults.KindUserInput, "execution_id must not be empty")
			}

			status, err := faults.Do(ctx, deps.readPolicy(), "job_status", func(ctx context.Context) (backend.JobStatus, error) {
				return deps.Runner.Describe(ctx, executionID)
			})
			if err != nil {
				return nil, err
			}

			if status.Status.Terminal() {
				if err := finalizeJob(ctx, deps.Coordinator, status); err != nil {
					return nil, err
				}
			}
			return map[string]any{
				"execution_id": status.ExecutionID,
				"status":       status.Status,
				"started_at":   status.StartedAt,
				"stopped_at":   status.StoppedAt,
				"error":        status.Error,
			}, nil
		},
	}
}

// finalizeJob writes the terminal outcome into the stored execution record.
// A record already terminal is left alone so the stored outcome never flips.
func finalizeJob(ctx context.Context, c *coordinator.Coordinator, status backend.JobStatus) error {
	rec, err := c.ReadJobExecution(ctx, status.ExecutionID)
	if errors.Is(err, record.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.Status.Terminal() {
		return nil
	}

	rec.Status = status.Status
	rec.StoppedAt = status.StoppedAt
	rec.ErrorMessage = status.Error
	if status.StoppedAt != nil {
		rec.DurationSeconds = int64(status.StoppedAt.Sub(rec.StartedAt).Seconds())
	}
	_, err = c.Update(ctx, rec)
	return err
}

func submitFeedback(deps Deps) *Handler {
	return &Handler{
		Name:        "submit_feedback",
		Description: "Record human feedback on a generated record.",
		Params: []Param{
			{Name: "subject_id", Type: TypeInteger, Description: "Subject the feedback refers to", Required: true},
			{Name: "version", Type: TypeInteger, Description: "Record version the feedback refers to", Required: true},
			{Name: "content", Type: TypeString, Description: "Feedback text", Required: true},
			{Name: "category", Type: TypeString, Description: "One of: incorrect, too_broad, too_narrow, other", Required: true},
		},
		OpContext: "feedback",
		Timeout:   deps.Timeout,
		Execute: func(ctx context.Context, args Args) (any, error) {
			rec := &record.FeedbackRecord{
				SubjectID: args.Int64("subject_id", 0),
				Version:   args.Int("version", 0),
				Content:   args.String("content", ""),
				Category:  args.String("category", ""),
			}
			result, err := deps.Coordinator.Write(ctx, rec)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"feedback_id": result.GeneratedID,
				"location":    result.Location,
			}, nil
		},
	}
}

func getRecord(deps Deps) *Handler {
	return &Handler{
		Name:        "get_record",
		Description: "Fetch one generated record by subject and version.",
		Params: []Param{
			{Name: "subject_id", Type: TypeInteger, Description: "Subject identifier", Required: true},
			{Name: "version", Type: TypeInteger, Description: "Record version", Required: true},
		},
		OpContext: "record_read",
		Timeout:   deps.Timeout,
		Execute: func(ctx context.Context, args Args) (any, error) {
			return deps.Coordinator.ReadGenerated(ctx, args.Int64("subject_id", 0), args.Int("version", 0))
		},
	}
}

func runQuery(deps Deps) *Handler {
	return &Handler{
		Name:        "run_query",
		Description: "Run a read-only SELECT query against the record catalog.",
		Params: []Param{
			{Name: "query", Type: TypeString, Description: "SELECT statement", Required: true},
			{Name: "page_size", Type: TypeInteger, Description: "Rows per page (default 10, max 100)"},
			{Name: "page", Type: TypeInteger, Description: "Zero-based page number"},
		},
		OpContext: "query",
		Timeout:   deps.Timeout,
		Execute: func(ctx context.Context, args Args) (any, error) {
			query := strings.TrimSpace(args.String("query", ""))
			if err := guardQuery(query); err != nil {
				return nil, err
			}

			pageSize := args.Int("page_size", defaultPageSize)
			if pageSize <= 0 {
				pageSize = defaultPageSize
			}
			if pageSize > maxPageSize {
				pageSize = maxPageSize
			}
			page := args.Int("page", 0)
			if page < 0 {
				page = 0
			}

			return faults.Do(ctx, deps.readPolicy(), "query", func(ctx context.Context) (*backend.ResultSet, error) {
				return deps.Catalog.Query(ctx, query, nil, pageSize, page*pageSize)
			})
		},
	}
}

// guardQuery rejects anything other than a single SELECT statement.
func guardQuery(query string) error {
	if query == "" {
		return faults.New(faults.KindUserInput, "query must not be empty")
	}
	first := strings.ToUpper(strings.Fields(query)[0])
	if first != "SELECT" {
		return faults.Newf(faults.KindUserInput, "only SELECT statements are accepted, got %s", first).
			WithSuggestion("Rewrite the query as a single read-only SELECT statement.")
	}
	if strings.Contains(query, ";") {
		return faults.New(faults.KindUserInput, "multiple statements are not accepted").
			WithSuggestion("Remove the semicolon and submit a single SELECT statement.")
	}
	return nil
}

func listEscalations(deps Deps) *Handler {
	return &Handler{
		Name:        "list_escalations",
		Description: "List escalations by status (default pending).",
		Params: []Param{
			{Name: "status", Type: TypeString, Description: "One of: pending, resolved, cancelled (default pending)"},
			{Name: "limit", Type: TypeInteger, Description: "Maximum escalations to return (default 50)"},
		},
		OpContext: "escalation",
		Timeout:   deps.Timeout,
		Execute: func(ctx context.Context, args Args) (any, error) {
			status := record.EscalationStatus(args.String("status", string(record.EscalationPending)))
			if !status.Valid() {
				return nil, faults.Newf(faults.KindUserInput, "unknown escalation status %q", status)
			}
			limit := args.Int("limit", 50)
			if limit <= 0 {
				limit = 50
			}
			return faults.Do(ctx, deps.readPolicy(), "escalation", func(ctx context.Context) (*backend.ResultSet, error) {
				return deps.Catalog.Query(ctx,
					"SELECT * FROM escalations WHERE status = ? ORDER BY escalated_at",
					[]any{string(status)}, limit, 0)
			})
		},
	}
}

func getStats(deps Deps) *Handler {
	return &Handler{
		Name:        "get_stats",
		Description: "Aggregate counts across all record tables.",
		OpContext:   "query",
		Timeout:     deps.Timeout,
		Execute: func(ctx context.Context, args Args) (any, error) {
			stats := make(map[string]int64, len(record.Kinds)+2)
			var mu sync.Mutex
			group, gctx := errgroup.WithContext(ctx)

			count := func(key, query string, args []any) func() error {
				return func() error {
					n, err := countQuery(gctx, deps, query, args)
					if err != nil {
						return err
					}
					mu.Lock()
					stats[key] = n
					mu.Unlock()
					return nil
				}
			}

			for _, kind := range record.Kinds {
				table := kind.TableName()
				group.Go(count(table, "SELECT COUNT(*) AS n FROM "+table, nil))
			}
			group.Go(count("pending_escalations",
				"SELECT COUNT(*) AS n FROM escalations WHERE status = ?",
				[]any{string(record.EscalationPending)}))
			group.Go(count("running_jobs",
				"SELECT COUNT(*) AS n FROM job_executions WHERE status = ?",
				[]any{string(record.StatusRunning)}))

			if err := group.Wait(); err != nil {
				return nil, err
			}
			return stats, nil
		},
	}
}

func countQuery(ctx context.Context, deps Deps, query string, args []any) (int64, error) {
	rs, err := faults.Do(ctx, deps.readPolicy(), "query", func(ctx context.Context) (*backend.ResultSet, error) {
		return deps.Catalog.Query(ctx, query, args, 1, 0)
	})
	if err != nil {
		return 0, err
	}
	if len(rs.Rows) == 0 {
		return 0, nil
	}
	// SQLite yields integers; Athena yields every cell as a string.
	for _, v := range rs.Rows[0] {
		switch n := v.(type) {
		case int64:
			return n, nil
		case float64:
			return int64(n), nil
		case string:
			if parsed, err := strconv.ParseInt(n, 10, 64); err == nil {
				return parsed, nil
			}
		}
	}
	return 0, fmt.Errorf("count query returned no numeric column")
}

func resolveEscalation(deps Deps) *Handler {
	return &Handler{
		Name:        "resolve_escalation",
		Description: "Resolve or cancel a pending escalation.",
		Params: []Param{
			{Name: "escalation_id", Type: TypeString, Description: "Escalation identifier", Required: true},
			{Name: "status", Type: TypeString, Description: "Target status: resolved or cancelled", Required: true},
			{Name: "notes", Type: TypeString, Description: "Resolution notes"},
		},
		OpContext: "escalation",
		Timeout:   deps.Timeout,
		Execute: func(ctx context.Context, args Args) (any, error) {
			return deps.Coordinator.ResolveEscalation(ctx,
				args.String("escalation_id", ""),
				record.EscalationStatus(args.String("status", "")),
				args.String("notes", ""))
		},
	}
}
