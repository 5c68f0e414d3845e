// Package toolvalidate wraps every tool the supervisor can call into a
// ValidatingTool: normalize -> semantic preflight -> schema validate ->
// invoke -> provider-error normalize -> output trim -> grounding event. Go
// has no implicit task-local storage, so per-request grounding state is
// threaded explicitly through context.Context via RequestContext.
package toolvalidate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nexus-gateway/conversant/internal/metrics"
)

// Tool is the underlying callable a ValidatingTool wraps.
type Tool interface {
	Name() string
	Description() string
	ArgsSchema() json.RawMessage
	Invoke(ctx context.Context, args map[string]any) (any, error)
}

// NormalizeFunc rewrites common structural mistakes in args before
// validation. Implementations must be conservative: only fix well-defined,
// per-tool cases, never silently drop user intent.
type NormalizeFunc func(args map[string]any) map[string]any

// PreflightFunc performs a semantic check before schema validation,
// returning a non-nil error to reject the call outright.
type PreflightFunc func(args map[string]any) error

// SummarizeFunc compresses a large tool result into a stable, compact shape.
// Implementations are source-scoped (e.g. one per tool family); the default
// is a hard character cap with "..." elision.
type SummarizeFunc func(result any) any

// internalPrefixes names tools that are never counted toward grounding:
// handoffs and memory/utility helpers.
var internalPrefixes = []string{"transfer_to_", "transfer_back_to_supervisor", "memory_", "get_current_datetime"}

// internalToolNames names exact tools that are never counted toward
// grounding even though they are composed/registered like any other tool:
// the local language/TTS helpers. A reply backed only by translation or
// speech synthesis is not grounded in anything external, so it must not
// pass the worker's grounded-memory gate.
var internalToolNames = map[string]bool{
	"detect_and_translate_to_english": true,
	"translate_to_language":           true,
	"synthesize_speech":               true,
}

func isInternalTool(name string) bool {
	if internalToolNames[name] {
		return true
	}
	for _, p := range internalPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// ErrorPayload is the canonical shape every validation/provider error is
// normalized into before reaching the supervisor.
type ErrorPayload struct {
	ErrorType    string          `json:"error_type"`
	Source       string          `json:"source"`
	Tool         string          `json:"tool"`
	Message      string          `json:"message"`
	Schema       json.RawMessage `json:"schema,omitempty"`
	InputArgs    map[string]any  `json:"input_args,omitempty"`
	ValidationErrors string       `json:"validation_errors,omitempty"`
	RequestID    string          `json:"request_id,omitempty"`
	RepeatCount  int             `json:"repeat_count,omitempty"`
	RetryPolicy  string          `json:"retry_policy,omitempty"`
	Guidance     string          `json:"guidance,omitempty"`
	Raw          any             `json:"raw,omitempty"`
}

// GroundingEvent is one (tool_name, ok) observation recorded per call.
type GroundingEvent struct {
	ToolName string
	OK       bool
}

// RequestContext carries per-message grounding state across the supervisor's
// tool calls. Created once at the start of message processing and threaded
// through context.Context (Go has no task-local storage to rely on instead).
type RequestContext struct {
	Events []GroundingEvent
}

type requestContextKey struct{}

// WithRequestContext attaches a fresh RequestContext to ctx.
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFrom retrieves the RequestContext attached to ctx, if any.
func RequestContextFrom(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc, ok
}

func (rc *RequestContext) record(toolName string, ok bool) {
	if rc == nil {
		return
	}
	rc.Events = append(rc.Events, GroundingEvent{ToolName: toolName, OK: ok})
}

// GroundedCount returns how many recorded grounding events were ok, and the
// total count of grounding-eligible events (internal tools excluded).
func (rc *RequestContext) GroundedCount() (ok int, total int) {
	if rc == nil {
		return 0, 0
	}
	for _, e := range rc.Events {
		total++
		if e.OK {
			ok++
		}
	}
	return ok, total
}

// ValidatingTool wraps an underlying Tool with the full validation pipeline.
type ValidatingTool struct {
	tool       Tool
	schema     *jsonschema.Schema
	normalize  NormalizeFunc
	preflight  PreflightFunc
	summarize  SummarizeFunc
	maxOutputChars int
	repeats    *RepeatCounter
}

// Option configures a ValidatingTool.
type Option func(*ValidatingTool)

// WithNormalize sets the per-tool structural-fixup hook.
func WithNormalize(fn NormalizeFunc) Option { return func(v *ValidatingTool) { v.normalize = fn } }

// WithPreflight sets the per-tool semantic preflight hook.
func WithPreflight(fn PreflightFunc) Option { return func(v *ValidatingTool) { v.preflight = fn } }

// WithSummarize sets the per-tool output summarizer.
func WithSummarize(fn SummarizeFunc) Option { return func(v *ValidatingTool) { v.summarize = fn } }

// WithMaxOutputChars overrides the default hard character cap on output.
func WithMaxOutputChars(n int) Option { return func(v *ValidatingTool) { v.maxOutputChars = n } }

const defaultMaxOutputChars = 4000

// New wraps tool into a ValidatingTool, sharing repeats for the
// per-(tool,message) 60-second provider-error repeat-count window.
func New(tool Tool, repeats *RepeatCounter, opts ...Option) (*ValidatingTool, error) {
	v := &ValidatingTool{
		tool:           tool,
		maxOutputChars: defaultMaxOutputChars,
		repeats:        repeats,
	}
	if raw := tool.ArgsSchema(); len(raw) > 0 {
		schema, err := jsonschema.CompileString(tool.Name()+"_args", string(raw))
		if err != nil {
			return nil, fmt.Errorf("toolvalidate: compile schema for %s: %w", tool.Name(), err)
		}
		v.schema = schema
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Name returns the wrapped tool's name.
func (v *ValidatingTool) Name() string { return v.tool.Name() }

// Description returns the wrapped tool's description.
func (v *ValidatingTool) Description() string { return v.tool.Description() }

// ArgsSchema returns the wrapped tool's raw schema.
func (v *ValidatingTool) ArgsSchema() json.RawMessage { return v.tool.ArgsSchema() }

// Call runs the full pipeline: normalize, preflight, schema-validate,
// invoke, provider-error normalize, output-trim, grounding-event record.
func (v *ValidatingTool) Call(ctx context.Context, message string, args map[string]any) any {
	name := v.tool.Name()

	if v.normalize != nil {
		args = v.normalize(args)
	}

	if v.preflight != nil {
		if err := v.preflight(args); err != nil {
			return v.finish(ctx, name, ErrorPayload{
				ErrorType: "validation_error",
				Source:    "local_semantic_validation",
				Tool:      name,
				Message:   err.Error(),
				Schema:    v.tool.ArgsSchema(),
			})
		}
	}

	if v.schema != nil {
		if err := v.schema.Validate(toAnyMap(args)); err != nil {
			return v.finish(ctx, name, ErrorPayload{
				ErrorType:        "validation_error",
				Source:           "local_schema_validation",
				Tool:             name,
				Message:          "arguments failed schema validation",
				InputArgs:        args,
				ValidationErrors: err.Error(),
				Schema:           v.tool.ArgsSchema(),
			})
		}
	}

	result, err := v.tool.Invoke(ctx, args)
	if err != nil {
		if normalized, isProviderValidation := normalizeProviderError(err); isProviderValidation {
			repeatCount := v.repeats.bump(name, message)
			normalized.Tool = name
			normalized.RepeatCount = repeatCount
			normalized.RetryPolicy = "retry_once_then_stop"
			return v.finish(ctx, name, normalized)
		}
		return v.finish(ctx, name, ErrorPayload{
			ErrorType: "tool_error",
			Source:    "invoke",
			Tool:      name,
			Message:   err.Error(),
		})
	}

	trimmed := v.trim(result)
	return v.finish(ctx, name, trimmed)
}

func toAnyMap(args map[string]any) any {
	if args == nil {
		return map[string]any{}
	}
	return args
}

func (v *ValidatingTool) trim(result any) any {
	if v.summarize != nil {
		result = v.summarize(result)
	}
	s, ok := result.(string)
	if !ok {
		return result
	}
	if len(s) <= v.maxOutputChars {
		return s
	}
	return s[:v.maxOutputChars] + "..."
}

func (v *ValidatingTool) finish(ctx context.Context, name string, result any) any {
	ok := !isErrorLike(result)
	if rc, found := RequestContextFrom(ctx); found && !isInternalTool(name) {
		rc.record(name, ok)
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	metrics.ToolCalls.WithLabelValues(name, outcome).Inc()
	return result
}

// isErrorLike reports whether a result is a stable error payload, has a
// status >= 400, or carries an {error, ...} shape.
func isErrorLike(result any) bool {
	switch r := result.(type) {
	case ErrorPayload:
		return true
	case *ErrorPayload:
		return true
	case map[string]any:
		if v, ok := r["error_type"]; ok && v != "" {
			return true
		}
		if v, ok := r["error"]; ok && v != nil {
			return true
		}
		if status, ok := r["status"].(float64); ok && status >= 400 {
			return true
		}
	}
	return false
}

// providerValidationError is the shape a tool-server returns for a
// validation rejection (status=400, code=validation_error).
type providerValidationError struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// normalizeProviderError inspects a tool-invocation error for the
// provider's validation-error shape and rewrites it into the canonical
// ErrorPayload, reporting whether normalization applied.
func normalizeProviderError(err error) (ErrorPayload, bool) {
	var pv providerValidationError
	msg := err.Error()
	if jsonErr := json.Unmarshal([]byte(msg), &pv); jsonErr == nil && pv.Status == 400 && pv.Code == "validation_error" {
		return ErrorPayload{
			ErrorType: "validation_error",
			Source:    "provider_validation",
			Message:   pv.Message,
			Guidance:  "retry once with corrected arguments, then stop",
			Raw:       msg,
		}, true
	}
	return ErrorPayload{}, false
}

// RepeatCounter tracks repeat_count per (tool, message) within a sliding
// window, mirroring the teacher's time-bounded dedupe cache but counting
// occurrences instead of returning a boolean.
type RepeatCounter struct {
	window time.Duration
	counts map[string]repeatEntry
}

type repeatEntry struct {
	count int
	seen  time.Time
}

// NewRepeatCounter builds a repeat counter with the given sliding window
// (60 seconds per spec).
func NewRepeatCounter(window time.Duration) *RepeatCounter {
	return &RepeatCounter{window: window, counts: make(map[string]repeatEntry)}
}

func (c *RepeatCounter) bump(tool, message string) int {
	key := tool + "\x00" + message
	now := time.Now()
	entry, ok := c.counts[key]
	if ok && now.Sub(entry.seen) < c.window {
		entry.count++
	} else {
		entry.count = 1
	}
	entry.seen = now
	c.counts[key] = entry
	return entry.count
}
