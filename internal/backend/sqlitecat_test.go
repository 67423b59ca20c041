package backend

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/kalambet/duplex/internal/record"
)

func newTestCatalog(t *testing.T) *SQLiteCatalog {
	t.Helper()
	cat, err := OpenSQLiteCatalog(":memory:")
	if err != nil {
		t.Fatalf("opening catalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })
	return cat
}

func TestProbeAllKinds(t *testing.T) {
	cat := newTestCatalog(t)
	for _, kind := range record.Kinds {
		if err := cat.Probe(context.Background(), kind); err != nil {
			t.Errorf("Probe(%s) = %v", kind, err)
		}
	}
}

func TestProbeUnknownKind(t *testing.T) {
	cat := newTestCatalog(t)
	err := cat.Probe(context.Background(), record.Kind("bogus"))
	if err == nil {
		t.Fatal("expected error for unknown kind")
	}
}

func TestProbeMissingTable(t *testing.T) {
	cat := newTestCatalog(t)
	if _, err := cat.db.Exec("DROP TABLE escalations"); err != nil {
		t.Fatalf("dropping table: %v", err)
	}

	err := cat.Probe(context.Background(), record.KindEscalation)
	var coded *CodedError
	if !errors.As(err, &coded) || coded.Code != "TableNotFoundException" {
		t.Errorf("expected TableNotFoundException, got %v", err)
	}
}

func TestProbeMissingColumn(t *testing.T) {
	cat := newTestCatalog(t)
	stmts := []string{
		"DROP TABLE feedback",
		"CREATE TABLE feedback (feedback_id TEXT PRIMARY KEY, subject_id INTEGER)",
	}
	for _, stmt := range stmts {
		if _, err := cat.db.Exec(stmt); err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}

	err := cat.Probe(context.Background(), record.KindFeedback)
	var coded *CodedError
	if !errors.As(err, &coded) || coded.Code != "MetadataException" {
		t.Errorf("expected MetadataException, got %v", err)
	}
}

func loadRecord(t *testing.T, cat *SQLiteCatalog, r record.Record) {
	t.Helper()
	doc, err := json.Marshal(r)
	if err != nil {
		t.Fatalf("marshalling record: %v", err)
	}
	if err := cat.Load(context.Background(), r.RecordKind(), doc); err != nil {
		t.Fatalf("loading record: %v", err)
	}
}

func TestLoadAndQuery(t *testing.T) {
	cat := newTestCatalog(t)
	now := time.Now().UTC()

	for i := 1; i <= 3; i++ {
		loadRecord(t, cat, &record.FeedbackRecord{
			FeedbackID:  string(rune('a' + i - 1)),
			SubjectID:   int64(i * 10),
			Version:     1,
			Content:     "needs work",
			Category:    "other",
			SubmittedAt: now,
		})
	}

	rs, err := cat.Query(context.Background(),
		"SELECT feedback_id, subject_id FROM feedback WHERE subject_id >= ? ORDER BY subject_id", []any{20}, 10, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if rs.RowCount != 2 {
		t.Fatalf("RowCount = %d, want 2", rs.RowCount)
	}
	if rs.Rows[0]["feedback_id"] != "b" {
		t.Errorf("first row = %v", rs.Rows[0])
	}
}

func TestLoadReplacesRowOnStatusTransition(t *testing.T) {
	cat := newTestCatalog(t)
	now := time.Now().UTC()

	esc := &record.EscalationRecord{
		EscalationID: "esc-1",
		SubjectID:    7,
		Reason:       "confidence 0.40 below threshold 0.70",
		Confidence:   0.4,
		Status:       record.EscalationPending,
		EscalatedAt:  now,
	}
	loadRecord(t, cat, esc)

	esc.Status = record.EscalationResolved
	esc.ResolvedAt = &now
	loadRecord(t, cat, esc)

	rs, err := cat.Query(context.Background(), "SELECT status FROM escalations WHERE escalation_id = ?", []any{"esc-1"}, 10, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if rs.RowCount != 1 {
		t.Fatalf("RowCount = %d, want 1 (load must replace, not append)", rs.RowCount)
	}
	if rs.Rows[0]["status"] != "resolved" {
		t.Errorf("status = %v, want resolved", rs.Rows[0]["status"])
	}
}

func TestQueryPagination(t *testing.T) {
	cat := newTestCatalog(t)
	now := time.Now().UTC()
	for i := 1; i <= 5; i++ {
		loadRecord(t, cat, &record.GeneratedRecord{
			SubjectID:   int64(i),
			Version:     1,
			Pattern:     "p",
			Confidence:  0.9,
			GeneratedAt: now,
		})
	}

	rs, err := cat.Query(context.Background(), "SELECT subject_id FROM generated_records ORDER BY subject_id", nil, 2, 2)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if rs.RowCount != 2 {
		t.Fatalf("RowCount = %d, want 2", rs.RowCount)
	}
	if got := rs.Rows[0]["subject_id"]; got != int64(3) {
		t.Errorf("first row subject_id = %v (%T), want 3", got, got)
	}
}

func TestQueryMalformedSQL(t *testing.T) {
	cat := newTestCatalog(t)
	_, err := cat.Query(context.Background(), "SELEC wrong FROM nowhere", nil, 10, 0)
	var coded *CodedError
	if !errors.As(err, &coded) || coded.Code != "InvalidQueryException" {
		t.Errorf("expected InvalidQueryException, got %v", err)
	}
}

func TestMigrationsRecorded(t *testing.T) {
	cat := newTestCatalog(t)
	var n int
	if err := cat.db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&n); err != nil {
		t.Fatalf("querying schema_version: %v", err)
	}
	if n == 0 {
		t.Error("no migrations recorded")
	}
}
