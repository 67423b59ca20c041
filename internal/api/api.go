// Package api exposes the tool registry and record submission over HTTP.
// The tool surface mirrors the MCP server exactly: both dispatch through the
// same registry and return the same response envelope.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/duplex/internal/coordinator"
	"github.com/kalambet/duplex/internal/faults"
	"github.com/kalambet/duplex/internal/record"
	"github.com/kalambet/duplex/internal/tools"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Deps holds the HTTP layer's collaborators.
type Deps struct {
	Registry    *tools.Registry
	Coordinator *coordinator.Coordinator
	Token       string
}

// NewHandler returns the duplex HTTP API. Health is unauthenticated; every
// other route requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Post("/invoke", handleInvoke(deps))
		r.Post("/records", handleSubmitRecord(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// handleInvoke runs one tool call. The response body is always the full
// envelope; the HTTP status mirrors the fault kind so plain HTTP clients can
// branch without parsing it.
func handleInvoke(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req tools.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Tool == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "tool is required")
			return
		}

		resp := deps.Registry.Dispatch(r.Context(), req)

		w.Header().Set("Content-Type", "application/json")
		if !resp.Success {
			w.WriteHeader(statusFor(resp.Error.Kind))
		}
		json.NewEncoder(w).Encode(resp)
	}
}

// SubmitRecordResponse is returned by POST /records. EscalationID is set
// when the record's confidence put it under the review threshold.
type SubmitRecordResponse struct {
	SubjectID    int64  `json:"subject_id"`
	Version      int    `json:"version"`
	Location     string `json:"location"`
	EscalationID string `json:"escalation_id,omitempty"`
}

// handleSubmitRecord ingests a generated record from the processing
// pipeline. Low-confidence records automatically open an escalation.
func handleSubmitRecord(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var rec record.GeneratedRecord
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		result, esc, err := deps.Coordinator.WriteGenerated(r.Context(), &rec)
		if err != nil {
			f := faults.Classify(err, "storage_write")
			httpError(w, statusFor(f.Kind), string(f.Kind), "%s %s", f.Message, f.Suggestion)
			return
		}

		out := SubmitRecordResponse{
			SubjectID: rec.SubjectID,
			Version:   rec.Version,
			Location:  result.Location,
		}
		if esc != nil {
			out.EscalationID = esc.EscalationID
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(out)
	}
}

func statusFor(kind faults.Kind) int {
	switch kind {
	case faults.KindUserInput:
		return http.StatusBadRequest
	case faults.KindPermission:
		return http.StatusForbidden
	case faults.KindBackendService:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
