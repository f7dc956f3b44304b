// Package sandbox runs untrusted, LLM-generated interpreted code against a
// confined data directory and returns bounded results to the chat
// orchestrator.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/readlens/readlens/internal/alignments"
	"github.com/readlens/readlens/internal/confine"
	"github.com/readlens/readlens/internal/observability"
)

// Config wires one Bridge.
type Config struct {
	Guard    *confine.Guard
	Provider alignments.Provider
	// Interpreter defaults to the gopher-lua embedding when nil.
	Interpreter Interpreter
	// Limits defaults to DefaultLimits when zero.
	Limits  ResourceLimits
	Logger  *slog.Logger
	Metrics *observability.MetricsCollector // optional
	Tracer  trace.Tracer                    // optional
}

// Bridge drives the embedded interpreter through the suspend/resume
// protocol: it starts a run, services each external call through the
// registry (awaiting any asynchronous host I/O), resumes with the result or
// a translated exception, and gates the terminal value to the output
// budget.
type Bridge struct {
	guard    *confine.Guard
	provider alignments.Provider
	interp   Interpreter
	limits   ResourceLimits
	logger   *slog.Logger
	metrics  *observability.MetricsCollector
	tracer   trace.Tracer
}

// New creates a Bridge.
func New(cfg Config) (*Bridge, error) {
	if cfg.Guard == nil {
		return nil, fmt.Errorf("sandbox: guard is required")
	}
	if cfg.Provider == nil {
		return nil, fmt.Errorf("sandbox: provider is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interpreter == nil {
		cfg.Interpreter = NewLuaEngine(cfg.Logger)
	}
	if cfg.Limits == (ResourceLimits{}) {
		cfg.Limits = DefaultLimits()
	}
	return &Bridge{
		guard:    cfg.Guard,
		provider: cfg.Provider,
		interp:   cfg.Interpreter,
		limits:   cfg.Limits,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		tracer:   cfg.Tracer,
	}, nil
}

// Result is the outcome of one run as returned to the orchestrator.
type Result struct {
	// Value is the gated success value, when HasValue.
	Value any
	// HasValue reports whether the run ended in an expression value.
	HasValue bool
	// Truncated reports whether the output gate cut the value down.
	Truncated bool
	// ContinueRequested is set when the code called continue_thinking.
	ContinueRequested bool
	// Prints is the captured print output, bounded by MaxPrintBytes.
	Prints string
	// Err is the typed failure, nil on success.
	Err *RaiseError
	// IsTimeout marks Err as wall-clock expiry rather than a code fault.
	IsTimeout bool
}

// Fatal reports whether the failure ends the whole invocation: the code
// never ran (syntax error) or it ran and was stopped by a resource budget.
// Everything else is recoverable and reported to the user as plain text.
func (r *Result) Fatal() bool {
	if r.Err == nil {
		return false
	}
	if r.Err.Kind == KindSyntax || r.IsTimeout {
		return true
	}
	return strings.Contains(r.Err.Message, "registry overflow")
}

// Run executes source against the allowed root. binds become read-only
// globals inside the program. The returned error is reserved for host-side
// failures (including context cancellation between round trips); everything
// the interpreted code did wrong comes back inside the Result.
func (b *Bridge) Run(ctx context.Context, source string, binds map[string]any) (*Result, error) {
	start := time.Now()
	var span trace.Span
	if b.tracer != nil {
		ctx, span = b.tracer.Start(ctx, "sandbox.run")
		defer span.End()
	}

	ec := newExecContext(b.limits.MaxPrintBytes)
	reg := NewStandardRegistry(b.guard, b.provider, b.limits, ec, b.logger)

	ev, err := b.interp.Start(ctx, source, b.limits, binds, ec.capturePrint, reg.Names())
	if err != nil {
		return nil, fmt.Errorf("starting interpreter: %w", err)
	}
	calls := 0
	for ev.Call != nil {
		// Cancellation is advisory between round trips; the
		// interpreter's own wall clock is the backstop.
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		snap := ev.Call
		calls++
		value, rerr := b.invoke(ctx, reg, snap)
		ev, err = snap.Resume(value, rerr)
		if err != nil {
			return nil, fmt.Errorf("resuming interpreter: %w", err)
		}
	}

	out := ev.Done
	res := &Result{
		HasValue:          out.HasValue,
		ContinueRequested: ec.continueRequested,
		Prints:            ec.prints(),
		Err:               out.Err,
		IsTimeout:         out.IsTimeout,
	}
	if out.Err == nil && out.HasValue {
		res.Value, res.Truncated = Gate(out.Value, b.limits.MaxOutputBytes)
		if res.Truncated && b.metrics != nil {
			b.metrics.TruncationsTotal.Inc()
		}
	}

	status := "ok"
	switch {
	case res.IsTimeout:
		status = "timeout"
	case res.Err != nil:
		status = "error"
	}
	if b.metrics != nil {
		b.metrics.RunsTotal.WithLabelValues(status).Inc()
		b.metrics.RunDuration.Observe(time.Since(start).Seconds())
	}
	if span != nil {
		span.SetAttributes(
			attribute.String("sandbox.status", status),
			attribute.Int("sandbox.external_calls", calls),
			attribute.Bool("sandbox.truncated", res.Truncated),
		)
	}
	b.logger.InfoContext(ctx, "sandbox run finished",
		slog.String("status", status),
		slog.Int("external_calls", calls),
		slog.Duration("duration", time.Since(start)),
	)
	return res, nil
}

func (b *Bridge) invoke(ctx context.Context, reg *Registry, snap *Snapshot) (any, *RaiseError) {
	start := time.Now()
	var span trace.Span
	if b.tracer != nil {
		ctx, span = b.tracer.Start(ctx, "sandbox.call."+snap.Name)
		defer span.End()
	}
	value, rerr := reg.Invoke(ctx, snap.Name, snap.Args, snap.Kwargs)
	if b.metrics != nil {
		status := "ok"
		if rerr != nil {
			status = "error"
		}
		b.metrics.ExternalCallsTotal.WithLabelValues(snap.Name, status).Inc()
		b.metrics.ExternalCallDuration.WithLabelValues(snap.Name).Observe(time.Since(start).Seconds())
	}
	return value, rerr
}
