// Package coordinator owns the dual-storage write path: every record is
// written to the object store and verified against the queryable catalog,
// with the object-store write rolled back when verification fails. True
// two-phase commit across an object store and a catalog is impossible, so
// the guarantee is "never silently diverge, fail loudly and undo" rather
// than "never fail". Tool implementations never touch either backend
// directly for record writes.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/duplex/internal/backend"
	"github.com/kalambet/duplex/internal/faults"
	"github.com/kalambet/duplex/internal/record"
)

// InconsistencyError reports a write whose catalog verification failed
// after the object-store put. The object has been rolled back by the time
// the error propagates. The fault layer classifies it as backend_service.
type InconsistencyError struct {
	Kind record.Kind
	Key  string
	Err  error
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("storage inconsistency writing %s %s: %v", e.Kind, e.Key, e.Err)
}

func (e *InconsistencyError) ErrorCode() string { return "StorageInconsistency" }
func (e *InconsistencyError) Unwrap() error     { return e.Err }

// WriteResult is the acknowledgement for a successful dual write.
type WriteResult struct {
	// Location is the object-store location of the document.
	Location string
	// GeneratedID is the identifier assigned during the write, empty for
	// kinds whose identity is caller-supplied.
	GeneratedID string
}

// Options tunes coordinator behavior.
type Options struct {
	// EscalationThreshold is the confidence below which a written
	// GeneratedRecord automatically raises an escalation.
	EscalationThreshold float64
	Logger              *slog.Logger
}

// Coordinator performs dual writes and unified reads over the two storage
// backends.
type Coordinator struct {
	objects   backend.ObjectStore
	catalog   backend.Catalog
	threshold float64
	logger    *slog.Logger
	now       func() time.Time
}

func New(objects backend.ObjectStore, catalog backend.Catalog, opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		objects:   objects,
		catalog:   catalog,
		threshold: opts.EscalationThreshold,
		logger:    logger,
		now:       time.Now,
	}
}

// Write assigns generated identifiers and derived fields, validates the
// record, writes it to the object store, and verifies the catalog can
// surface it. On verification failure the object is deleted before the
// error propagates, so no acknowledged record ever exists in one backend
// only.
func (c *Coordinator) Write(ctx context.Context, rec record.Record) (WriteResult, error) {
	generatedID := c.fill(rec)

	if err := rec.Validate(); err != nil {
		return WriteResult{}, err
	}
	return c.commit(ctx, rec, generatedID, true)
}

// Update rewrites an existing status-bearing record (job executions and
// escalations only). Verification runs before the put: rolling back an
// update by deletion would destroy the existing record, so the ordering is
// probe-then-write instead of write-then-probe. When the catalog load-back
// fails after the put, the previous document is restored so the object
// store and catalog keep agreeing on the old version.
func (c *Coordinator) Update(ctx context.Context, rec record.Record) (WriteResult, error) {
	kind := rec.RecordKind()
	if kind != record.KindJobExecution && kind != record.KindEscalation {
		return WriteResult{}, faults.Newf(faults.KindSystem, "record kind %s is append-only and cannot be updated", kind)
	}
	if err := rec.Validate(); err != nil {
		return WriteResult{}, err
	}
	return c.commit(ctx, rec, "", false)
}

// commit runs the dual write. rollback selects write-then-probe with
// delete-on-failure (creates) versus probe-then-write (updates).
func (c *Coordinator) commit(ctx context.Context, rec record.Record, generatedID string, rollback bool) (WriteResult, error) {
	kind := rec.RecordKind()
	key := record.Key(rec)

	doc, err := json.Marshal(rec)
	if err != nil {
		return WriteResult{}, fmt.Errorf("encoding %s: %w", kind, err)
	}

	// prev holds the document an update overwrites, for restoration when
	// verification fails after the put.
	var prev []byte
	if !rollback {
		if err := c.catalog.Probe(ctx, kind); err != nil {
			return WriteResult{}, fmt.Errorf("verifying catalog for %s: %w", kind, err)
		}
		prev, err = c.objects.Get(ctx, key)
		if err != nil {
			return WriteResult{}, fmt.Errorf("reading current %s: %w", key, err)
		}
	}

	location, err := c.objects.Put(ctx, key, doc)
	if err != nil {
		return WriteResult{}, fmt.Errorf("writing %s: %w", key, err)
	}

	verify := func() error {
		if rollback {
			if err := c.catalog.Probe(ctx, kind); err != nil {
				return err
			}
		}
		return c.catalog.Load(ctx, kind, doc)
	}
	if err := verify(); err != nil {
		if rollback {
			if delErr := c.objects.Delete(ctx, key); delErr != nil {
				// The record now exists in the object store but not the
				// catalog; operators must reconcile by hand.
				c.logger.Error("rollback failed, storage backends diverged",
					"kind", kind, "key", key, "error", delErr)
			}
		} else if _, putErr := c.objects.Put(ctx, key, prev); putErr != nil {
			// The object store holds the new document while the catalog
			// still surfaces the old one; operators must reconcile by hand.
			c.logger.Error("restore failed, storage backends diverged",
				"kind", kind, "key", key, "error", putErr)
		}
		return WriteResult{}, &InconsistencyError{Kind: kind, Key: key, Err: err}
	}

	c.logger.Debug("record committed", "kind", kind, "key", key, "location", location)
	return WriteResult{Location: location, GeneratedID: generatedID}, nil
}

// fill assigns generated identifiers and derived fields, returning the
// identifier generated for this write, if any.
func (c *Coordinator) fill(rec record.Record) string {
	now := c.now().UTC()
	switch r := rec.(type) {
	case *record.GeneratedRecord:
		if r.GeneratedAt.IsZero() {
			r.GeneratedAt = now
		}
	case *record.FeedbackRecord:
		if r.FeedbackID == "" {
			r.FeedbackID = uuid.New().String()
		}
		if r.SubmittedAt.IsZero() {
			r.SubmittedAt = now
		}
		return r.FeedbackID
	case *record.JobExecutionRecord:
		if r.Status == "" {
			r.Status = record.StatusRunning
		}
		if r.StartedAt.IsZero() {
			r.StartedAt = now
		}
	case *record.EscalationRecord:
		if r.EscalationID == "" {
			r.EscalationID = uuid.New().String()
		}
		if r.Status == "" {
			r.Status = record.EscalationPending
		}
		if r.EscalatedAt.IsZero() {
			r.EscalatedAt = now
		}
		return r.EscalationID
	}
	return ""
}

// read fetches a document from the object store only. Single-record
// lookups never touch the catalog: the object store is strongly consistent
// for them, while the catalog is reserved for bulk filtering.
func (c *Coordinator) read(ctx context.Context, key string, v any) error {
	data, err := c.objects.Get(ctx, key)
	if errors.Is(err, backend.ErrNoSuchKey) {
		return fmt.Errorf("%s: %w", key, record.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("reading %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding %s: %w", key, err)
	}
	return nil
}

func (c *Coordinator) ReadGenerated(ctx context.Context, subjectID int64, version int) (*record.GeneratedRecord, error) {
	r := &record.GeneratedRecord{SubjectID: subjectID, Version: version}
	if err := c.read(ctx, record.Key(r), r); err != nil {
		return nil, err
	}
	return r, nil
}

func (c *Coordinator) ReadFeedback(ctx context.Context, feedbackID string) (*record.FeedbackRecord, error) {
	r := &record.FeedbackRecord{FeedbackID: feedbackID}
	if err := c.read(ctx, record.Key(r), r); err != nil {
		return nil, err
	}
	return r, nil
}

func (c *Coordinator) ReadJobExecution(ctx context.Context, executionID string) (*record.JobExecutionRecord, error) {
	r := &record.JobExecutionRecord{ExecutionID: executionID}
	if err := c.read(ctx, record.Key(r), r); err != nil {
		return nil, err
	}
	return r, nil
}

func (c *Coordinator) ReadEscalation(ctx context.Context, escalationID string) (*record.EscalationRecord, error) {
	r := &record.EscalationRecord{EscalationID: escalationID}
	if err := c.read(ctx, record.Key(r), r); err != nil {
		return nil, err
	}
	return r, nil
}

// WriteGenerated writes a generated record and applies the escalation
// eligibility rule: confidence below the threshold raises an
// EscalationRecord automatically. The generated record stays committed
// even if the escalation write fails; the returned error reports the
// escalation failure in that case.
func (c *Coordinator) WriteGenerated(ctx context.Context, r *record.GeneratedRecord) (WriteResult, *record.EscalationRecord, error) {
	result, err := c.Write(ctx, r)
	if err != nil {
		return WriteResult{}, nil, err
	}

	if r.Confidence >= c.threshold {
		return result, nil, nil
	}

	esc := &record.EscalationRecord{
		SubjectID:  r.SubjectID,
		Reason:     fmt.Sprintf("confidence %.2f below threshold %.2f for version %d", r.Confidence, c.threshold, r.Version),
		Confidence: r.Confidence,
	}
	if _, err := c.Write(ctx, esc); err != nil {
		return result, nil, fmt.Errorf("record committed but escalation failed: %w", err)
	}
	c.logger.Info("subject escalated for review",
		"subject_id", r.SubjectID, "version", r.Version,
		"confidence", r.Confidence, "escalation_id", esc.EscalationID)
	return result, esc, nil
}

// ResolveEscalation transitions a pending escalation to resolved or
// cancelled. Any other transition is rejected.
func (c *Coordinator) ResolveEscalation(ctx context.Context, escalationID string, status record.EscalationStatus, notes string) (*record.EscalationRecord, error) {
	if status != record.EscalationResolved && status != record.EscalationCancelled {
		return nil, faults.Newf(faults.KindUserInput, "escalations can only transition to %q or %q, not %q",
			record.EscalationResolved, record.EscalationCancelled, status)
	}

	esc, err := c.ReadEscalation(ctx, escalationID)
	if err != nil {
		return nil, err
	}
	if esc.Status != record.EscalationPending {
		return nil, faults.Newf(faults.KindUserInput, "escalation %s is already %s", escalationID, esc.Status)
	}

	resolvedAt := c.now().UTC()
	esc.Status = status
	esc.ResolvedAt = &resolvedAt
	esc.ResolutionNotes = notes

	if _, err := c.Update(ctx, esc); err != nil {
		return nil, err
	}
	return esc, nil
}
