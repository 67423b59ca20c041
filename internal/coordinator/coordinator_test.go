package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/duplex/internal/backend"
	"github.com/kalambet/duplex/internal/faults"
	"github.com/kalambet/duplex/internal/record"
)

// fakeCatalog records probe/load calls and can be made to fail.
type fakeCatalog struct {
	mu       sync.Mutex
	probeErr error
	loadErr  error
	probes   int
	loaded   map[record.Kind][][]byte
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{loaded: make(map[record.Kind][][]byte)}
}

func (f *fakeCatalog) Probe(_ context.Context, _ record.Kind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	return f.probeErr
}

func (f *fakeCatalog) Load(_ context.Context, kind record.Kind, doc []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return f.loadErr
	}
	f.loaded[kind] = append(f.loaded[kind], doc)
	return nil
}

func (f *fakeCatalog) Query(_ context.Context, _ string, _ []any, _, _ int) (*backend.ResultSet, error) {
	return &backend.ResultSet{}, nil
}

func newTestCoordinator(t *testing.T) (*Coordinator, *backend.MemoryStore, *fakeCatalog) {
	t.Helper()
	objects := backend.NewMemoryStore()
	catalog := newFakeCatalog()
	c := New(objects, catalog, Options{EscalationThreshold: 0.7})
	return c, objects, catalog
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	c, _, catalog := newTestCoordinator(t)
	ctx := context.Background()

	rec := &record.GeneratedRecord{
		SubjectID:  77,
		Version:    3,
		Pattern:    `^[A-Z]{2}-\d+$`,
		Summary:    "id format",
		Scores:     []float64{0.9, 0.85},
		Confidence: 0.95,
	}
	result, err := c.Write(ctx, rec)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if result.Location == "" {
		t.Error("empty location")
	}
	if catalog.probes == 0 {
		t.Error("catalog was never probed")
	}

	got, err := c.ReadGenerated(ctx, 77, 3)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.SubjectID != 77 || got.Version != 3 || got.Pattern != rec.Pattern || got.Confidence != 0.95 {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.GeneratedAt.IsZero() {
		t.Error("generated_at was not filled")
	}
}

// Catalog probe failure must leave no trace in the object store.
func TestRollbackOnProbeFailure(t *testing.T) {
	c, objects, catalog := newTestCoordinator(t)
	catalog.probeErr = &backend.CodedError{Code: "TableNotFoundException", Op: "catalog.probe", Err: errors.New("gone")}

	rec := &record.GeneratedRecord{SubjectID: 5, Version: 1, Pattern: "p", Confidence: 0.9}
	_, err := c.Write(context.Background(), rec)

	var inconsistency *InconsistencyError
	if !errors.As(err, &inconsistency) {
		t.Fatalf("expected InconsistencyError, got %v", err)
	}
	if inconsistency.ErrorCode() != "StorageInconsistency" {
		t.Errorf("ErrorCode = %q", inconsistency.ErrorCode())
	}
	if objects.Has(record.Key(rec)) {
		t.Error("object survived a failed verification")
	}

	// StorageInconsistency always classifies as backend_service.
	if f := faults.Classify(err, "storage_write"); f.Kind != faults.KindBackendService {
		t.Errorf("classified as %s, want backend_service", f.Kind)
	}
}

func TestRollbackOnLoadFailure(t *testing.T) {
	c, objects, catalog := newTestCoordinator(t)
	catalog.loadErr = &backend.CodedError{Code: "CatalogUnreachable", Op: "catalog.load", Err: errors.New("down")}

	rec := &record.FeedbackRecord{SubjectID: 1, Version: 1, Content: "x", Category: "other"}
	if _, err := c.Write(context.Background(), rec); err == nil {
		t.Fatal("expected error")
	}
	if objects.Len() != 0 {
		t.Error("object store not empty after rollback")
	}
}

func TestWriteRejectsInvalidRecord(t *testing.T) {
	c, objects, catalog := newTestCoordinator(t)

	rec := &record.GeneratedRecord{SubjectID: -5, Version: 1, Pattern: "p", Confidence: 0.9}
	_, err := c.Write(context.Background(), rec)

	var validationErr *record.ValidationError
	if !errors.As(err, &validationErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	// Validation failures must never reach the backends.
	if objects.Len() != 0 || catalog.probes != 0 {
		t.Error("invalid record touched a backend")
	}
}

func TestFeedbackIDGenerated(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	rec := &record.FeedbackRecord{
		SubjectID: 77,
		Version:   3,
		Content:   "regex too broad, see case 4521",
		Category:  "too_broad",
	}
	result, err := c.Write(ctx, rec)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if result.GeneratedID == "" {
		t.Fatal("no feedback id generated")
	}

	got, err := c.ReadFeedback(ctx, result.GeneratedID)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.SubjectID != 77 || got.Version != 3 {
		t.Errorf("feedback mismatch: %+v", got)
	}
}

func TestReadMissingRecord(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	_, err := c.ReadGenerated(context.Background(), 999, 1)
	if !errors.Is(err, record.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestEscalationRule(t *testing.T) {
	c, _, catalog := newTestCoordinator(t)
	ctx := context.Background()

	// High confidence: no escalation.
	_, esc, err := c.WriteGenerated(ctx, &record.GeneratedRecord{
		SubjectID: 1, Version: 1, Pattern: "p", Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if esc != nil {
		t.Error("unexpected escalation for high confidence")
	}

	// Low confidence: escalation created, pending, reason filled.
	_, esc, err = c.WriteGenerated(ctx, &record.GeneratedRecord{
		SubjectID: 2, Version: 1, Pattern: "p", Confidence: 0.4,
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if esc == nil {
		t.Fatal("expected escalation for low confidence")
	}
	if esc.Status != record.EscalationPending || esc.EscalationID == "" || esc.Reason == "" {
		t.Errorf("escalation not initialized: %+v", esc)
	}
	if len(catalog.loaded[record.KindEscalation]) != 1 {
		t.Error("escalation not loaded into catalog")
	}

	got, err := c.ReadEscalation(ctx, esc.EscalationID)
	if err != nil {
		t.Fatalf("read escalation: %v", err)
	}
	if got.SubjectID != 2 || got.Confidence != 0.4 {
		t.Errorf("escalation mismatch: %+v", got)
	}
}

func TestResolveEscalation(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, esc, err := c.WriteGenerated(ctx, &record.GeneratedRecord{
		SubjectID: 3, Version: 1, Pattern: "p", Confidence: 0.2,
	})
	if err != nil || esc == nil {
		t.Fatalf("setup: esc=%v err=%v", esc, err)
	}

	resolved, err := c.ResolveEscalation(ctx, esc.EscalationID, record.EscalationResolved, "pattern confirmed manually")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != record.EscalationResolved || resolved.ResolvedAt == nil {
		t.Errorf("not resolved: %+v", resolved)
	}

	// Double resolution is rejected as user input.
	_, err = c.ResolveEscalation(ctx, esc.EscalationID, record.EscalationCancelled, "")
	var f *faults.Fault
	if !errors.As(err, &f) || f.Kind != faults.KindUserInput {
		t.Errorf("expected user_input fault, got %v", err)
	}

	// Invalid target status.
	_, err = c.ResolveEscalation(ctx, esc.EscalationID, record.EscalationPending, "")
	if !errors.As(err, &f) || f.Kind != faults.KindUserInput {
		t.Errorf("expected user_input fault for pending target, got %v", err)
	}
}

func TestUpdateRejectsAppendOnlyKinds(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	_, err := c.Update(context.Background(), &record.GeneratedRecord{
		SubjectID: 1, Version: 1, Pattern: "p", Confidence: 0.9, GeneratedAt: time.Now(),
	})
	if err == nil {
		t.Fatal("expected error updating append-only kind")
	}
}

// A catalog load failure after the update's put must restore the previous
// document, so reads keep returning the version the catalog still surfaces.
func TestUpdateRestoresPreviousDocumentOnLoadFailure(t *testing.T) {
	c, _, catalog := newTestCoordinator(t)
	ctx := context.Background()

	job := &record.JobExecutionRecord{ExecutionID: "exec-9", SubjectID: 6}
	if _, err := c.Write(ctx, job); err != nil {
		t.Fatalf("write: %v", err)
	}

	catalog.loadErr = &backend.CodedError{Code: "CatalogUnreachable", Op: "catalog.load", Err: errors.New("down")}
	stopped := time.Now().UTC()
	job.Status = record.StatusSucceeded
	job.StoppedAt = &stopped

	_, err := c.Update(ctx, job)
	var inconsistency *InconsistencyError
	if !errors.As(err, &inconsistency) {
		t.Fatalf("expected InconsistencyError, got %v", err)
	}

	got, readErr := c.ReadJobExecution(ctx, "exec-9")
	if readErr != nil {
		t.Fatalf("read: %v", readErr)
	}
	if got.Status != record.StatusRunning {
		t.Errorf("status = %s, want RUNNING restored", got.Status)
	}
	if got.StoppedAt != nil {
		t.Errorf("stopped_at = %v, want nil restored", got.StoppedAt)
	}
}

func TestUpdateProbesBeforeWrite(t *testing.T) {
	c, objects, catalog := newTestCoordinator(t)
	ctx := context.Background()

	job := &record.JobExecutionRecord{ExecutionID: "exec-1", SubjectID: 4}
	if _, err := c.Write(ctx, job); err != nil {
		t.Fatalf("write: %v", err)
	}

	// A failing probe must leave the existing object untouched.
	catalog.probeErr = &backend.CodedError{Code: "CatalogUnreachable", Op: "catalog.probe", Err: errors.New("down")}
	stopped := time.Now().UTC()
	job.Status = record.StatusSucceeded
	job.StoppedAt = &stopped
	if _, err := c.Update(ctx, job); err == nil {
		t.Fatal("expected update to fail")
	}
	if !objects.Has(record.Key(job)) {
		t.Error("existing record was deleted by a failed update")
	}

	// Stored document still holds the pre-update status.
	data, err := objects.Get(ctx, record.Key(job))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var stored record.JobExecutionRecord
	if err := json.Unmarshal(data, &stored); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if stored.Status != record.StatusRunning {
		t.Errorf("stored status = %s, want RUNNING", stored.Status)
	}
}
