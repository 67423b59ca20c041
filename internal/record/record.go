// Package record defines the four logical record kinds stored by the
// platform, their validation rules, and the catalog schema each kind must
// be queryable under. Records are tagged variants: every document that
// crosses a storage boundary is one of these types, never an untyped map.
package record

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Kind identifies one of the four record kinds.
type Kind string

const (
	KindGenerated    Kind = "generated_record"
	KindFeedback     Kind = "feedback_record"
	KindJobExecution Kind = "job_execution_record"
	KindEscalation   Kind = "escalation_record"
)

// Kinds lists all record kinds in stable order.
var Kinds = []Kind{KindGenerated, KindFeedback, KindJobExecution, KindEscalation}

// TableName returns the catalog table backing this kind.
func (k Kind) TableName() string {
	switch k {
	case KindGenerated:
		return "generated_records"
	case KindFeedback:
		return "feedback"
	case KindJobExecution:
		return "job_executions"
	case KindEscalation:
		return "escalations"
	}
	return ""
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	return k.TableName() != ""
}

// ExecutionStatus is the lifecycle status of a background job execution.
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "RUNNING"
	StatusSucceeded ExecutionStatus = "SUCCEEDED"
	StatusFailed    ExecutionStatus = "FAILED"
	StatusTimedOut  ExecutionStatus = "TIMED_OUT"
	StatusAborted   ExecutionStatus = "ABORTED"
)

// Terminal reports whether the status is a terminal state.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusTimedOut, StatusAborted:
		return true
	}
	return false
}

// Valid reports whether s is a known execution status.
func (s ExecutionStatus) Valid() bool {
	return s == StatusRunning || s.Terminal()
}

// EscalationStatus is the lifecycle status of an escalation.
type EscalationStatus string

const (
	EscalationPending   EscalationStatus = "pending"
	EscalationResolved  EscalationStatus = "resolved"
	EscalationCancelled EscalationStatus = "cancelled"
)

// Valid reports whether s is a known escalation status.
func (s EscalationStatus) Valid() bool {
	return s == EscalationPending || s == EscalationResolved || s == EscalationCancelled
}

// FeedbackCategories are the accepted values for FeedbackRecord.Category.
var FeedbackCategories = []string{"incorrect", "too_broad", "too_narrow", "other"}

// ValidFeedbackCategory reports whether c is an accepted feedback category.
func ValidFeedbackCategory(c string) bool {
	for _, v := range FeedbackCategories {
		if c == v {
			return true
		}
	}
	return false
}

// ValidationError marks a record that failed boundary validation. It is
// classified as a user-input error by the fault layer.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Record is implemented by all four record kinds.
type Record interface {
	RecordKind() Kind
	// StorageKey is the object-store key suffix, unique within the kind.
	StorageKey() string
	Validate() error
}

// Key derives the deterministic object-store key for a record.
func Key(r Record) string {
	return fmt.Sprintf("%s/%s.json", r.RecordKind().TableName(), r.StorageKey())
}

// GeneratedRecord is a model-produced result for a subject. One is created
// per processing cycle; a new version supersedes, never mutates, an old one.
type GeneratedRecord struct {
	SubjectID   int64     `json:"subject_id"`
	Version     int       `json:"version"`
	Pattern     string    `json:"pattern"`
	Summary     string    `json:"summary"`
	Scores      []float64 `json:"scores"`
	Confidence  float64   `json:"confidence"`
	GeneratedAt time.Time `json:"generated_at"`
}

func (r *GeneratedRecord) RecordKind() Kind { return KindGenerated }

func (r *GeneratedRecord) StorageKey() string {
	return fmt.Sprintf("%d-v%d", r.SubjectID, r.Version)
}

func (r *GeneratedRecord) Validate() error {
	if r.SubjectID <= 0 {
		return &ValidationError{Field: "subject_id", Reason: "must be a positive integer"}
	}
	if r.Version <= 0 {
		return &ValidationError{Field: "version", Reason: "must be a positive integer"}
	}
	if r.Pattern == "" {
		return &ValidationError{Field: "pattern", Reason: "must not be empty"}
	}
	if r.Confidence < 0 || r.Confidence > 1 {
		return &ValidationError{Field: "confidence", Reason: "must be in [0, 1]"}
	}
	return nil
}

// FeedbackRecord captures human feedback against a generated record version.
type FeedbackRecord struct {
	FeedbackID  string    `json:"feedback_id"`
	SubjectID   int64     `json:"subject_id"`
	Version     int       `json:"version"`
	Content     string    `json:"content"`
	Category    string    `json:"category"`
	SubmittedAt time.Time `json:"submitted_at"`
}

const maxFeedbackContent = 10000

func (r *FeedbackRecord) RecordKind() Kind   { return KindFeedback }
func (r *FeedbackRecord) StorageKey() string { return r.FeedbackID }

func (r *FeedbackRecord) Validate() error {
	if r.SubjectID <= 0 {
		return &ValidationError{Field: "subject_id", Reason: "must be a positive integer"}
	}
	if r.Version <= 0 {
		return &ValidationError{Field: "version", Reason: "must be a positive integer"}
	}
	if r.Content == "" {
		return &ValidationError{Field: "content", Reason: "must not be empty"}
	}
	if len(r.Content) > maxFeedbackContent {
		return &ValidationError{Field: "content", Reason: fmt.Sprintf("exceeds %d bytes", maxFeedbackContent)}
	}
	if !ValidFeedbackCategory(r.Category) {
		return &ValidationError{Field: "category", Reason: fmt.Sprintf("must be one of %v", FeedbackCategories)}
	}
	return nil
}

// JobExecutionRecord tracks one background job execution. Created at job
// start and updated exactly once when the execution reaches a terminal state.
type JobExecutionRecord struct {
	ExecutionID     string          `json:"execution_id"`
	SubjectID       int64           `json:"subject_id"`
	Status          ExecutionStatus `json:"status"`
	StartedAt       time.Time       `json:"started_at"`
	StoppedAt       *time.Time      `json:"stopped_at,omitempty"`
	DurationSeconds int64           `json:"duration_seconds"`
	ErrorMessage    string          `json:"error_message,omitempty"`
}

func (r *JobExecutionRecord) RecordKind() Kind   { return KindJobExecution }
func (r *JobExecutionRecord) StorageKey() string { return r.ExecutionID }

func (r *JobExecutionRecord) Validate() error {
	if r.ExecutionID == "" {
		return &ValidationError{Field: "execution_id", Reason: "must not be empty"}
	}
	if r.SubjectID <= 0 {
		return &ValidationError{Field: "subject_id", Reason: "must be a positive integer"}
	}
	if !r.Status.Valid() {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", r.Status)}
	}
	if r.Status.Terminal() && r.StoppedAt == nil {
		return &ValidationError{Field: "stopped_at", Reason: "required for terminal status"}
	}
	return nil
}

// EscalationRecord is created automatically when a generated record falls
// below the confidence threshold. Only its status fields ever change.
type EscalationRecord struct {
	EscalationID    string           `json:"escalation_id"`
	SubjectID       int64            `json:"subject_id"`
	Reason          string           `json:"reason"`
	Confidence      float64          `json:"confidence"`
	Status          EscalationStatus `json:"status"`
	EscalatedAt     time.Time        `json:"escalated_at"`
	ResolvedAt      *time.Time       `json:"resolved_at,omitempty"`
	ResolutionNotes string           `json:"resolution_notes,omitempty"`
}

func (r *EscalationRecord) RecordKind() Kind   { return KindEscalation }
func (r *EscalationRecord) StorageKey() string { return r.EscalationID }

func (r *EscalationRecord) Validate() error {
	if r.EscalationID == "" {
		return &ValidationError{Field: "escalation_id", Reason: "must not be empty"}
	}
	if r.SubjectID <= 0 {
		return &ValidationError{Field: "subject_id", Reason: "must be a positive integer"}
	}
	if r.Reason == "" {
		return &ValidationError{Field: "reason", Reason: "must not be empty"}
	}
	if !r.Status.Valid() {
		return &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", r.Status)}
	}
	return nil
}
