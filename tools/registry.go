// Package tools exposes the task store as named tools with JSON schemas.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/taskkit/errors"
	"github.com/vinayprograms/taskkit/logging"
	"github.com/vinayprograms/taskkit/policy"
	"github.com/vinayprograms/taskkit/ratelimit"
	"github.com/vinayprograms/taskkit/telemetry"
)

// Result is the JSON object a tool returns.
type Result = map[string]interface{}

// Tool represents an executable tool.
type Tool interface {
	// Name returns the tool name.
	Name() string
	// Description returns a description shown to clients.
	Description() string
	// Parameters returns the JSON schema for parameters.
	Parameters() map[string]interface{}
	// Execute runs the tool with the given arguments.
	Execute(ctx context.Context, args Args) (Result, error)
}

// ToolDefinition is the client-facing tool definition.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// Registry holds registered tools and runs them under policy, rate limits,
// tracing and logging.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	aliases map[string]string

	policy  *policy.Policy
	limiter ratelimit.Limiter
	log     *logging.Logger
	audit   telemetry.AuditLog
}

// Option configures a Registry.
type Option func(*Registry)

// WithPolicy enables tool policy checks.
func WithPolicy(p *policy.Policy) Option {
	return func(r *Registry) { r.policy = p }
}

// WithLimiter meters calls per tool name.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(r *Registry) { r.limiter = l }
}

// WithLogger sets the logger. Each call logs with its own trace id.
func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) { r.log = l.WithComponent("tools") }
}

// WithAuditLog records one event per call.
func WithAuditLog(a telemetry.AuditLog) Option {
	return func(r *Registry) { r.audit = a }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tools:   make(map[string]Tool),
		aliases: make(map[string]string),
		log:     logging.Nop(),
		audit:   telemetry.NewNoopAuditLog(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a tool to the registry, replacing any tool of the same name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Alias makes alias resolve to the tool named target. Aliases are not
// listed in Definitions.
func (r *Registry) Alias(alias, target string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[alias] = target
}

// Get returns a tool by name or alias, or nil if not found.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if target, ok := r.aliases[name]; ok {
		name = target
	}
	return r.tools[name]
}

// Has returns true if the registry has a tool with the given name or alias.
func (r *Registry) Has(name string) bool {
	if r == nil {
		return false
	}
	return r.Get(name) != nil
}

func (r *Registry) enabled(name string) bool {
	return r.policy == nil || r.policy.IsToolEnabled(name)
}

// Definitions returns definitions for enabled tools, sorted by name.
func (r *Registry) Definitions() []ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		if !r.enabled(t.Name()) {
			continue
		}
		defs = append(defs, ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.Parameters(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute runs the named tool. It never returns a Go error: every failure,
// including panics, becomes {"error": message, "code": CODE}. The second
// return value reports whether the result is an error.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]interface{}) (Result, bool) {
	tool := r.Get(name)
	if tool == nil {
		return errorResult(errors.NotFound(fmt.Sprintf("unknown tool: %s", name), errors.WithMetadata("tool", name))), true
	}
	// Policy and limits apply to the canonical name.
	name = tool.Name()

	log := r.log.WithTraceID(uuid.NewString())
	if !r.enabled(name) {
		log.PolicyDecision(name, "deny", "tool disabled by policy")
		return errorResult(errors.Forbidden(fmt.Sprintf("tool %s is disabled by policy", name), errors.WithMetadata("tool", name))), true
	}
	if r.limiter != nil && !r.limiter.TryAcquire(name) {
		msg := fmt.Sprintf("rate limit exceeded for %s", name)
		if c := r.limiter.GetCapacity(name); c != nil {
			msg += fmt.Sprintf(", retry in %s", c.RetryAfter.Round(time.Millisecond))
		}
		err := errors.RateLimited(msg, errors.WithMetadata("tool", name))
		log.PolicyDecision(name, "rate_limited", err.Message())
		r.record(name, 0, err)
		return errorResult(err), true
	}

	log.ToolCall(name, args)
	tracer := telemetry.GetTracer()
	ctx, span := tracer.StartToolSpan(ctx, name)

	start := time.Now()
	result, err := r.run(ctx, tool, Args(args))
	duration := time.Since(start)

	log.ToolResult(name, duration, err, errors.Category(err) == errors.CategoryPermanent)
	r.record(name, duration, err)

	spanOpts := telemetry.ToolSpanOptions{Args: args}
	if err != nil {
		result = errorResult(err)
		spanOpts.Code = string(codeOf(err))
	}
	if tracer.Debug() {
		if data, merr := json.Marshal(result); merr == nil {
			spanOpts.Result = string(data)
		}
	}
	tracer.EndToolSpan(span, spanOpts, err)

	return result, err != nil
}

// run executes the tool, converting a panic into a PANIC error.
func (r *Registry) run(ctx context.Context, tool Tool, args Args) (result Result, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = errors.RecoverPanic(rec)
		}
	}()
	if args == nil {
		args = Args{}
	}
	result, err = tool.Execute(ctx, args)
	if err == nil && result == nil {
		result = Result{}
	}
	return result, err
}

func (r *Registry) record(name string, duration time.Duration, err error) {
	data := errors.Fields(err)
	if data == nil {
		data = map[string]interface{}{}
	}
	data["tool"] = name
	data["duration_ms"] = duration.Milliseconds()
	r.audit.LogEvent("tool_call", data)
}

// errorResult is the uniform failure shape.
func errorResult(err error) Result {
	return Result{
		"error": errors.Message(err),
		"code":  string(codeOf(err)),
	}
}

func codeOf(err error) errors.ErrorCode {
	if code := errors.Code(err); code != "" {
		return code
	}
	return errors.ErrCodeInternal
}
