// Package tools implements the tool surface: a small handler framework with
// uniform request/response envelopes, the registry the MCP and HTTP layers
// dispatch through, and the tool implementations themselves.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/duplex/internal/faults"
)

// DefaultTimeout bounds a single tool invocation when the handler does not
// set its own.
const DefaultTimeout = 30 * time.Second

// ParamType is the declared wire type of a tool parameter.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeInteger ParamType = "integer"
	TypeNumber  ParamType = "number"
	TypeBoolean ParamType = "boolean"
)

// Param declares one tool parameter for validation and schema generation.
type Param struct {
	Name        string
	Type        ParamType
	Description string
	Required    bool
	// Secret params are redacted in execution logs.
	Secret bool
}

// Request is a tool invocation. Params hold decoded JSON values, so numbers
// arrive as float64 regardless of the declared type.
type Request struct {
	Tool      string         `json:"tool"`
	Params    map[string]any `json:"params"`
	RequestID string         `json:"request_id,omitempty"`
}

// Response is the uniform envelope every invocation returns, success or not.
type Response struct {
	Success         bool          `json:"success"`
	Data            any           `json:"data,omitempty"`
	Error           *faults.Fault `json:"error,omitempty"`
	RequestID       string        `json:"request_id"`
	Timestamp       time.Time     `json:"timestamp"`
	ExecutionTimeMs int64         `json:"execution_time_ms"`
}

// Args wraps validated request parameters with typed accessors. Accessors
// assume Handle already enforced presence and type, so they return zero
// values for anything missing.
type Args map[string]any

// String returns the named parameter or def when absent.
func (a Args) String(name, def string) string {
	if v, ok := a[name].(string); ok {
		return v
	}
	return def
}

// Int64 returns the named integer parameter or def when absent.
func (a Args) Int64(name string, def int64) int64 {
	switch v := a[name].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return def
}

// Int is Int64 narrowed to int.
func (a Args) Int(name string, def int) int {
	return int(a.Int64(name, int64(def)))
}

// Float returns the named number parameter or def when absent.
func (a Args) Float(name string, def float64) float64 {
	switch v := a[name].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return def
}

// Bool returns the named boolean parameter or def when absent.
func (a Args) Bool(name string, def bool) bool {
	if v, ok := a[name].(bool); ok {
		return v
	}
	return def
}

// Handler is one tool: its declared interface plus the execute function.
type Handler struct {
	Name        string
	Description string
	Params      []Param
	// OpContext keys the classifier's suggestion table for this tool.
	OpContext string
	// Timeout bounds one invocation; zero means DefaultTimeout.
	Timeout time.Duration
	Execute func(ctx context.Context, args Args) (any, error)
}

// Handle runs one invocation end to end: validate, bound by timeout,
// execute, classify any failure, and log the outcome. It always returns a
// complete envelope; errors never escape as raw Go errors.
func (h *Handler) Handle(ctx context.Context, req Request, logger *slog.Logger) Response {
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}
	start := time.Now()

	args, err := h.validate(req.Params)
	if err != nil {
		return h.fail(requestID, start, err, logger)
	}

	timeout := h.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	data, err := h.Execute(ctx, args)
	if err != nil {
		return h.fail(requestID, start, err, logger)
	}

	elapsed := time.Since(start)
	logger.Info("tool.execute",
		"tool", h.Name,
		"request_id", requestID,
		"params", h.redact(args),
		"outcome", "success",
		"duration_ms", elapsed.Milliseconds(),
	)
	return Response{
		Success:         true,
		Data:            data,
		RequestID:       requestID,
		Timestamp:       time.Now().UTC(),
		ExecutionTimeMs: elapsed.Milliseconds(),
	}
}

func (h *Handler) fail(requestID string, start time.Time, err error, logger *slog.Logger) Response {
	f := faults.Classify(err, h.OpContext)
	elapsed := time.Since(start)
	logger.Warn("tool.execute",
		"tool", h.Name,
		"request_id", requestID,
		"outcome", "error",
		"error_kind", string(f.Kind),
		"error", f.Message,
		"details", f.Details,
		"duration_ms", elapsed.Milliseconds(),
	)
	return Response{
		Success:         false,
		Error:           f,
		RequestID:       requestID,
		Timestamp:       time.Now().UTC(),
		ExecutionTimeMs: elapsed.Milliseconds(),
	}
}

// validate checks presence and type of every declared parameter before any
// backend is touched. String values for numeric parameters are coerced, so
// CLI callers can pass everything as text.
func (h *Handler) validate(params map[string]any) (Args, error) {
	args := make(Args, len(params))
	for _, p := range h.Params {
		raw, ok := params[p.Name]
		if !ok || raw == nil {
			if p.Required {
				return nil, faults.Newf(faults.KindUserInput, "missing required parameter %q", p.Name)
			}
			continue
		}
		v, err := coerce(raw, p.Type)
		if err != nil {
			return nil, faults.Newf(faults.KindUserInput, "parameter %q: %v", p.Name, err)
		}
		args[p.Name] = v
	}
	return args, nil
}

func coerce(raw any, t ParamType) (any, error) {
	switch t {
	case TypeString:
		if s, ok := raw.(string); ok {
			return s, nil
		}
		return nil, fmt.Errorf("expected string, got %T", raw)
	case TypeInteger:
		switch v := raw.(type) {
		case float64:
			if v != math.Trunc(v) {
				return nil, fmt.Errorf("expected integer, got %v", v)
			}
			return int64(v), nil
		case int64:
			return v, nil
		case int:
			return int64(v), nil
		case string:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("expected integer, got %q", v)
			}
			return n, nil
		}
		return nil, fmt.Errorf("expected integer, got %T", raw)
	case TypeNumber:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case int64:
			return float64(v), nil
		case int:
			return float64(v), nil
		case string:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("expected number, got %q", v)
			}
			return f, nil
		}
		return nil, fmt.Errorf("expected number, got %T", raw)
	case TypeBoolean:
		switch v := raw.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return nil, fmt.Errorf("expected boolean, got %q", v)
			}
			return b, nil
		}
		return nil, fmt.Errorf("expected boolean, got %T", raw)
	}
	return raw, nil
}

// redact replaces secret parameter values for logging.
func (h *Handler) redact(args Args) map[string]any {
	out := make(map[string]any, len(args))
	secret := make(map[string]bool, 1)
	for _, p := range h.Params {
		if p.Secret {
			secret[p.Name] = true
		}
	}
	for k, v := range args {
		if secret[k] {
			out[k] = "[redacted]"
		} else {
			out[k] = v
		}
	}
	return out
}

// Registry holds the registered tools in registration order.
type Registry struct {
	handlers map[string]*Handler
	order    []string
	logger   *slog.Logger
}

// NewRegistry returns an empty registry logging through logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers: make(map[string]*Handler),
		logger:   logger,
	}
}

// Register adds a handler; re-registering a name replaces it.
func (r *Registry) Register(h *Handler) {
	if _, exists := r.handlers[h.Name]; !exists {
		r.order = append(r.order, h.Name)
	}
	r.handlers[h.Name] = h
}

// Get returns the named handler.
func (r *Registry) Get(name string) (*Handler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// Handlers returns all handlers in registration order.
func (r *Registry) Handlers() []*Handler {
	out := make([]*Handler, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.handlers[name])
	}
	return out
}

// Dispatch routes a request to its handler. Unknown tools come back as a
// user-input fault in the standard envelope.
func (r *Registry) Dispatch(ctx context.Context, req Request) Response {
	h, ok := r.Get(req.Tool)
	if !ok {
		requestID := req.RequestID
		if requestID == "" {
			requestID = uuid.New().String()
		}
		f := faults.Newf(faults.KindUserInput, "unknown tool %q", req.Tool).
			WithSuggestion("List the available tools and check the tool name.")
		return Response{
			Success:   false,
			Error:     f,
			RequestID: requestID,
			Timestamp: time.Now().UTC(),
		}
	}
	return h.Handle(ctx, req, r.logger)
}
