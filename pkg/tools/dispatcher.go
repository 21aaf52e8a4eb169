package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/teslashibe/go-porter/internal/metrics"
	"github.com/teslashibe/go-porter/pkg/protocol"
)

// DefaultTimeout bounds a single tool call.
const DefaultTimeout = 8 * time.Second

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// Timeout bounds each call. Zero uses DefaultTimeout.
	Timeout time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Tracer defaults to the global otel tracer.
	Tracer trace.Tracer
}

// Dispatcher runs tool calls against a Registry.
type Dispatcher struct {
	registry *Registry
	timeout  time.Duration
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewDispatcher creates a dispatcher over reg.
func NewDispatcher(reg *Registry, cfg DispatcherConfig) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/teslashibe/go-porter/pkg/tools")
	}
	return &Dispatcher{
		registry: reg,
		timeout:  cfg.Timeout,
		logger:   cfg.Logger.With("component", "tools"),
		tracer:   cfg.Tracer,
	}
}

// Registry returns the registry the dispatcher routes to.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Timeout returns the per-call bound.
func (d *Dispatcher) Timeout() time.Duration {
	return d.timeout
}

type outcome struct {
	output any
	err    error
}

// Dispatch runs req and returns its result. It never fails: unknown tools,
// bad arguments, timeouts, handler errors and panics all become error
// results correlated to req.CallID. voice may be nil outside a call.
func (d *Dispatcher) Dispatch(ctx context.Context, req protocol.ToolCallRequest, voice VoiceControl) protocol.ToolCallResult {
	start := time.Now()
	label := string(req.Name)
	if !req.Name.Known() {
		label = "unknown"
	}

	ctx, span := d.tracer.Start(ctx, "porter.tool."+label,
		trace.WithAttributes(
			attribute.String("tool.name", string(req.Name)),
			attribute.String("tool.call_id", req.CallID),
		),
	)
	defer span.End()

	res := d.run(ctx, req, voice)

	status := "ok"
	if res.Error != nil {
		status = res.Error.Code
		span.SetStatus(codes.Error, res.Error.Message)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.SetAttributes(attribute.String("tool.status", status), attribute.Bool("tool.end_call", res.EndCall))

	elapsed := time.Since(start)
	metrics.ToolCallsTotal.WithLabelValues(label, status).Inc()
	metrics.ToolCallDuration.WithLabelValues(label).Observe(elapsed.Seconds())

	if res.Error != nil {
		d.logger.Warn("tool call failed",
			"tool", req.Name,
			"call_id", req.CallID,
			"code", res.Error.Code,
			"error", res.Error.Message,
			"duration", elapsed,
		)
	} else {
		d.logger.Info("tool call completed",
			"tool", req.Name,
			"call_id", req.CallID,
			"duration", elapsed,
		)
	}
	return res
}

func (d *Dispatcher) run(ctx context.Context, req protocol.ToolCallRequest, voice VoiceControl) protocol.ToolCallResult {
	tool, ok := d.registry.Lookup(req.Name)
	if !ok {
		return errorResult(req, fmt.Errorf("%w: %q", ErrUnknownTool, req.Name))
	}
	if req.ArgsError != "" {
		return errorResult(req, fmt.Errorf("%w: %s", ErrInvalidArguments, req.ArgsError))
	}
	if err := d.registry.Validate(req.Name, req.Args); err != nil {
		return errorResult(req, err)
	}

	args := req.Args
	if args == nil {
		args = map[string]any{}
	}
	call := Call{ID: req.CallID, Name: req.Name, Args: args, Voice: voice}

	tctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	// Buffered so a handler finishing after the timeout does not leak.
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("tool panicked", "tool", req.Name, "panic", r, "stack", string(debug.Stack()))
				done <- outcome{err: fmt.Errorf("tools: %s panicked: %v", req.Name, r)}
			}
		}()
		out, err := tool.Invoke(tctx, call)
		done <- outcome{output: out, err: err}
	}()

	var o outcome
	select {
	case o = <-done:
	case <-tctx.Done():
		o = outcome{err: tctx.Err()}
	}

	if o.err != nil {
		if errors.Is(tctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return errorResult(req, fmt.Errorf("%w: %s after %v", ErrToolTimeout, req.Name, d.timeout))
		}
		return errorResult(req, o.err)
	}

	res := protocol.NewToolResult(req, o.output)
	if res.OK() && tool.Definition().EndsCall {
		res.EndCall = true
	}
	return res
}

func errorResult(req protocol.ToolCallRequest, err error) protocol.ToolCallResult {
	return protocol.NewToolErrorResult(req, Code(err), err.Error())
}
