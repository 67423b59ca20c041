// Package faults converts heterogeneous backend failures into a small,
// stable taxonomy and wraps designated operations with a bounded retry
// policy. Classification is total: any error that reaches this layer comes
// back as a structured Fault with a user-facing message and a non-empty
// suggestion, so raw backend errors never leak to callers.
package faults

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"github.com/kalambet/duplex/internal/record"
)

// Kind is one of exactly four error categories.
type Kind string

const (
	KindUserInput      Kind = "user_input"
	KindBackendService Kind = "backend_service"
	KindPermission     Kind = "permission"
	KindSystem         Kind = "system"
)

// Fault is a classified failure. It carries what the caller should see
// (Message, Suggestion) alongside the technical detail for logs.
type Fault struct {
	Kind       Kind   `json:"type"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	Suggestion string `json:"suggestion"`

	cause error
}

func (f *Fault) Error() string {
	if f.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", f.Kind, f.Message, f.Details)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Fault) Unwrap() error { return f.cause }

// New builds a Fault raised intentionally by validation or business logic.
// The classifier passes it through unchanged.
func New(kind Kind, message string) *Fault {
	return &Fault{
		Kind:       kind,
		Message:    message,
		Suggestion: defaultSuggestion(kind),
	}
}

// Newf is New with formatting.
func Newf(kind Kind, format string, args ...any) *Fault {
	return New(kind, fmt.Sprintf(format, args...))
}

// WithSuggestion overrides the suggestion and returns the fault.
func (f *Fault) WithSuggestion(s string) *Fault {
	if s != "" {
		f.Suggestion = s
	}
	return f
}

// coder is satisfied by backend errors that carry a service error code,
// including AWS smithy.APIError and backend.CodedError.
type coder interface {
	ErrorCode() string
}

// codeKinds maps backend error codes onto the taxonomy. New backends add
// codes here, never branches in Classify.
var codeKinds = map[string]Kind{
	// Access-denied family.
	"AccessDenied":          KindPermission,
	"AccessDeniedException": KindPermission,
	"UnauthorizedOperation": KindPermission,
	"Forbidden":             KindPermission,
	"ExpiredToken":          KindPermission,
	"ExpiredTokenException": KindPermission,
	"InvalidAccessKeyId":    KindPermission,

	// Throttled / timeout / not-found / unavailable family.
	"Throttling":                   KindBackendService,
	"ThrottlingException":          KindBackendService,
	"TooManyRequestsException":     KindBackendService,
	"SlowDown":                     KindBackendService,
	"RequestTimeout":               KindBackendService,
	"RequestTimeoutException":      KindBackendService,
	"ServiceUnavailable":           KindBackendService,
	"ServiceUnavailableException":  KindBackendService,
	"InternalError":                KindBackendService,
	"InternalFailure":              KindBackendService,
	"InternalServerError":          KindBackendService,
	"InternalServerException":      KindBackendService,
	"NoSuchBucket":                 KindBackendService,
	"NoSuchKey":                    KindBackendService,
	"ResourceNotFoundException":    KindBackendService,
	"EntityNotFoundException":      KindBackendService,
	"MetadataException":            KindBackendService,
	"TableNotFoundException":       KindBackendService,
	"StateMachineDoesNotExist":     KindBackendService,
	"TooManyExecutions":            KindBackendService,
	"CatalogUnreachable":           KindBackendService,
	"StorageInconsistency":         KindBackendService,

	// Malformed / invalid / missing-parameter family.
	"ValidationException":          KindUserInput,
	"InvalidParameterValue":        KindUserInput,
	"InvalidParameterCombination":  KindUserInput,
	"InvalidRequestException":      KindUserInput,
	"MissingParameter":             KindUserInput,
	"MissingParameterException":    KindUserInput,
	"MalformedQueryString":         KindUserInput,
	"InvalidQueryException":        KindUserInput,
	"InvalidName":                  KindUserInput,
	"InvalidArn":                   KindUserInput,
	"InvalidToken":                 KindUserInput,
	"ExecutionDoesNotExist":        KindUserInput,
	"ExecutionAlreadyExists":       KindUserInput,
	"InvalidExecutionInput":        KindUserInput,
}

// Classify maps any error to a Fault. op names the operation context and
// selects a more specific suggestion when one exists; it never changes the
// kind. Classify never returns nil for a non-nil error and never panics.
func Classify(err error, op string) *Fault {
	if err == nil {
		return nil
	}

	// 1. Already classified: pass through unchanged.
	var f *Fault
	if errors.As(err, &f) {
		return f
	}

	// 2. Backend error code lookup.
	var c coder
	if errors.As(err, &c) {
		if kind, ok := codeKinds[c.ErrorCode()]; ok {
			return build(kind, op, err)
		}
	}

	// 3. Structural type inspection.
	if kind, ok := structuralKind(err); ok {
		return build(kind, op, err)
	}

	// 4. Anything else is a system error.
	return build(KindSystem, op, err)
}

func structuralKind(err error) (Kind, bool) {
	var (
		validationErr *record.ValidationError
		syntaxErr     *json.SyntaxError
		typeErr       *json.UnmarshalTypeError
		numErr        *strconv.NumError
		netErr        net.Error
	)
	switch {
	case errors.As(err, &validationErr),
		errors.As(err, &syntaxErr),
		errors.As(err, &typeErr),
		errors.As(err, &numErr),
		errors.Is(err, record.ErrNotFound):
		return KindUserInput, true
	case errors.Is(err, os.ErrPermission):
		return KindPermission, true
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, context.Canceled),
		errors.Is(err, os.ErrDeadlineExceeded):
		return KindBackendService, true
	case errors.As(err, &netErr) && netErr.Timeout():
		return KindBackendService, true
	}
	return "", false
}

func build(kind Kind, op string, cause error) *Fault {
	return &Fault{
		Kind:       kind,
		Message:    messageFor(kind, cause),
		Details:    cause.Error(),
		Suggestion: suggestionFor(kind, op),
		cause:      cause,
	}
}

func messageFor(kind Kind, cause error) string {
	switch kind {
	case KindUserInput:
		if errors.Is(cause, record.ErrNotFound) {
			return "The requested record does not exist."
		}
		return "The request parameters are invalid or incomplete."
	case KindBackendService:
		return "A backend service failed or is temporarily unavailable."
	case KindPermission:
		return "The operation was denied by backend permissions."
	}
	return "An unexpected internal error occurred."
}

// suggestions is keyed by operation context, then kind. Missing entries fall
// back to the per-kind default, so a Fault can never leave this package
// without a suggestion.
var suggestions = map[string]map[Kind]string{
	"job_start": {
		KindPermission:     "Contact an administrator to grant job-execution permission.",
		KindBackendService: "The job-execution service may be busy; retry in a few seconds.",
		KindUserInput:      "Provide a positive subject identifier.",
	},
	"job_status": {
		KindUserInput: "Provide a valid execution identifier in the expected format.",
	},
	"feedback": {
		KindUserInput: "Provide subject_id, version, non-empty content, and a valid category.",
	},
	"record_read": {
		KindUserInput: "Check that the subject identifier and version refer to an existing record.",
	},
	"query": {
		KindUserInput:      "Check the query syntax; only read-only SELECT statements are accepted.",
		KindPermission:     "Contact an administrator to grant catalog query permission.",
		KindBackendService: "The query service may be overloaded; retry with a simpler query.",
	},
	"escalation": {
		KindUserInput: "Check the escalation identifier and that the escalation is still pending.",
	},
	"storage_write": {
		KindBackendService: "Storage verification failed and the write was rolled back; retry the operation.",
	},
}

func suggestionFor(kind Kind, op string) string {
	if byKind, ok := suggestions[op]; ok {
		if s, ok := byKind[kind]; ok {
			return s
		}
	}
	return defaultSuggestion(kind)
}

func defaultSuggestion(kind Kind) string {
	switch kind {
	case KindUserInput:
		return "Check the request parameters and try again."
	case KindBackendService:
		return "Retry the operation; if the problem persists, check backend service health."
	case KindPermission:
		return "Contact an administrator to review the required permissions."
	}
	return "Retry the operation or contact support if the problem persists."
}
