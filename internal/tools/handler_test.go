package tools

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/duplex/internal/backend"
	"github.com/kalambet/duplex/internal/faults"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func echoHandler() *Handler {
	return &Handler{
		Name: "echo",
		Params: []Param{
			{Name: "subject_id", Type: TypeInteger, Required: true},
			{Name: "note", Type: TypeString},
		},
		Execute: func(_ context.Context, args Args) (any, error) {
			return map[string]any{"subject_id": args.Int64("subject_id", 0)}, nil
		},
	}
}

func TestHandleValidation(t *testing.T) {
	tests := []struct {
		name    string
		params  map[string]any
		wantErr bool
	}{
		{"all params", map[string]any{"subject_id": float64(7), "note": "x"}, false},
		{"optional omitted", map[string]any{"subject_id": float64(7)}, false},
		{"string coerced to integer", map[string]any{"subject_id": "42"}, false},
		{"missing required", map[string]any{"note": "x"}, true},
		{"wrong type", map[string]any{"subject_id": true}, true},
		{"fractional for integer", map[string]any{"subject_id": 1.5}, true},
		{"unparsable string", map[string]any{"subject_id": "abc"}, true},
	}
	h := echoHandler()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := h.Handle(context.Background(), Request{Tool: "echo", Params: tt.params}, testLogger())
			if tt.wantErr {
				if resp.Success {
					t.Fatal("expected failure envelope")
				}
				if resp.Error.Kind != faults.KindUserInput {
					t.Errorf("kind = %s, want user_input", resp.Error.Kind)
				}
				if resp.Error.Suggestion == "" {
					t.Error("empty suggestion")
				}
			} else if !resp.Success {
				t.Fatalf("unexpected failure: %+v", resp.Error)
			}
		})
	}
}

func TestHandleSuccessEnvelope(t *testing.T) {
	h := echoHandler()
	resp := h.Handle(context.Background(),
		Request{Tool: "echo", Params: map[string]any{"subject_id": float64(7)}, RequestID: "req-1"},
		testLogger())
	if !resp.Success {
		t.Fatalf("failed: %+v", resp.Error)
	}
	if resp.RequestID != "req-1" {
		t.Errorf("request id = %q, want req-1", resp.RequestID)
	}
	if resp.Timestamp.IsZero() {
		t.Error("zero timestamp")
	}
	if resp.ExecutionTimeMs < 0 {
		t.Errorf("negative execution time: %d", resp.ExecutionTimeMs)
	}

	// Missing request id gets generated.
	resp = h.Handle(context.Background(),
		Request{Tool: "echo", Params: map[string]any{"subject_id": float64(7)}},
		testLogger())
	if resp.RequestID == "" {
		t.Error("no request id generated")
	}
}

func TestHandleClassifiesExecuteFailure(t *testing.T) {
	h := &Handler{
		Name:      "broken",
		OpContext: "query",
		Execute: func(context.Context, Args) (any, error) {
			return nil, &backend.CodedError{Code: "ThrottlingException", Op: "catalog.query", Err: errors.New("slow down")}
		},
	}
	resp := h.Handle(context.Background(), Request{Tool: "broken"}, testLogger())
	if resp.Success {
		t.Fatal("expected failure")
	}
	if resp.Error.Kind != faults.KindBackendService {
		t.Errorf("kind = %s, want backend_service", resp.Error.Kind)
	}
	if resp.Error.Suggestion == "" {
		t.Error("empty suggestion")
	}
}

func TestHandleTimeout(t *testing.T) {
	h := &Handler{
		Name:    "slow",
		Timeout: 10 * time.Millisecond,
		Execute: func(ctx context.Context, _ Args) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	resp := h.Handle(context.Background(), Request{Tool: "slow"}, testLogger())
	if resp.Success {
		t.Fatal("expected failure")
	}
	if resp.Error.Kind != faults.KindBackendService {
		t.Errorf("kind = %s, want backend_service", resp.Error.Kind)
	}
}

func TestDispatchUnknownTool(t *testing.T) {
	r := NewRegistry(testLogger())
	resp := r.Dispatch(context.Background(), Request{Tool: "no_such_tool"})
	if resp.Success {
		t.Fatal("expected failure")
	}
	if resp.Error.Kind != faults.KindUserInput {
		t.Errorf("kind = %s, want user_input", resp.Error.Kind)
	}
}

func TestSecretParamsRedactedInLogs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	h := &Handler{
		Name: "secretive",
		Params: []Param{
			{Name: "token", Type: TypeString, Secret: true},
		},
		Execute: func(context.Context, Args) (any, error) { return "ok", nil },
	}
	resp := h.Handle(context.Background(),
		Request{Tool: "secretive", Params: map[string]any{"token": "hunter2"}}, logger)
	if !resp.Success {
		t.Fatalf("failed: %+v", resp.Error)
	}
	logged := buf.String()
	if strings.Contains(logged, "hunter2") {
		t.Errorf("secret value leaked into log: %s", logged)
	}
	if !strings.Contains(logged, "redacted") {
		t.Errorf("expected redaction marker in log: %s", logged)
	}
}

func TestRegistryOrder(t *testing.T) {
	r := NewRegistry(testLogger())
	r.Register(&Handler{Name: "b"})
	r.Register(&Handler{Name: "a"})
	r.Register(&Handler{Name: "b"}) // replacement keeps position

	handlers := r.Handlers()
	if len(handlers) != 2 {
		t.Fatalf("len = %d, want 2", len(handlers))
	}
	if handlers[0].Name != "b" || handlers[1].Name != "a" {
		t.Errorf("order = [%s %s], want [b a]", handlers[0].Name, handlers[1].Name)
	}
}
