// Package backend defines the collaborator interfaces the coordinator and
// tools depend on — object store, queryable catalog, and job-execution
// service — together with their AWS and local implementations. Adapters
// normalize backend failures to error codes so the fault layer can classify
// them without knowing any SDK.
package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/duplex/internal/record"
)

// ErrNoSuchKey is returned by ObjectStore.Get and Delete when the key does
// not exist.
var ErrNoSuchKey = errors.New("no such key")

// ObjectStore puts and gets immutable JSON blobs keyed by logical
// identifiers.
type ObjectStore interface {
	// Put stores data under key and returns the resulting location
	// (e.g. "s3://bucket/prefix/key").
	Put(ctx context.Context, key string, data []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
}

// ResultSet is a page of rows from a catalog query.
type ResultSet struct {
	Columns  []string         `json:"columns"`
	Rows     []map[string]any `json:"rows"`
	RowCount int              `json:"row_count"`
}

// Catalog executes bulk queries over the record tables and verifies that
// the table backing a record kind is reachable with a compatible schema.
type Catalog interface {
	// Probe confirms the catalog infrastructure for kind is healthy: the
	// backing table exists and its column set covers record.Schema(kind).
	// It does not read back any particular row.
	Probe(ctx context.Context, kind record.Kind) error

	// Load makes a just-written document visible to bulk queries.
	// Catalogs whose tables read the object store directly (Athena
	// external tables) implement this as a no-op.
	Load(ctx context.Context, kind record.Kind, doc []byte) error

	// Query runs a parameterized read-only query, returning at most limit
	// rows starting at offset.
	Query(ctx context.Context, query string, args []any, limit, offset int) (*ResultSet, error)
}

// JobStatus is the job-execution service's view of one execution.
type JobStatus struct {
	ExecutionID string
	Status      record.ExecutionStatus
	StartedAt   time.Time
	StoppedAt   *time.Time
	Error       string
}

// JobRunner starts and monitors background jobs. Jobs are fire-and-monitor:
// nothing here cancels work already dispatched.
type JobRunner interface {
	// Start launches a job for the subject and returns its execution ID.
	// A non-empty idempotencyToken makes repeated Start calls with the
	// same token return the original execution instead of a duplicate.
	Start(ctx context.Context, subjectID int64, idempotencyToken string) (string, error)
	Describe(ctx context.Context, executionID string) (JobStatus, error)
}

// CodedError attaches a backend error code to an underlying error. Local
// adapters use it to speak the same code vocabulary as the AWS SDKs, whose
// errors already expose ErrorCode.
type CodedError struct {
	Code string
	Op   string
	Err  error
}

func (e *CodedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *CodedError) ErrorCode() string { return e.Code }
func (e *CodedError) Unwrap() error     { return e.Err }
