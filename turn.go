package stepchat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Outcome is the terminal state of a turn.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// Observer receives turn level measurements. Implementations must be safe
// for concurrent use.
type Observer interface {
	SubStreamOpened(resumed bool)
	ToolDispatched(tool string, isError bool, elapsed time.Duration)
	TurnFinished(outcome Outcome, elapsed time.Duration)
}

type nopObserver struct{}

func (nopObserver) SubStreamOpened(bool)                        {}
func (nopObserver) ToolDispatched(string, bool, time.Duration) {}
func (nopObserver) TurnFinished(Outcome, time.Duration)        {}

// Orchestrator runs turns against one Session. It holds no per-turn state
// and may run many turns concurrently.
type Orchestrator struct {
	session  Session
	registry *Registry
	renderer Renderer
	locator  FileLocator
	logger   *slog.Logger
	observer Observer
	tracer   trace.Tracer

	showToolDetail atomic.Bool
	toolTimeout    time.Duration
	filePrefix     string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithFileLocator enables container file citations.
func WithFileLocator(l FileLocator) Option {
	return func(o *Orchestrator) { o.locator = l }
}

// WithToolDetail streams tool arguments and code as toolDelta events.
func WithToolDetail(show bool) Option {
	return func(o *Orchestrator) { o.showToolDetail.Store(show) }
}

// WithToolTimeout bounds each tool handler run.
func WithToolTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.toolTimeout = d }
}

// WithFilePrefix sets the route prefix used in citation links.
func WithFilePrefix(prefix string) Option {
	return func(o *Orchestrator) { o.filePrefix = prefix }
}

func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

func New(session Session, registry *Registry, renderer Renderer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		session:  session,
		registry: registry,
		renderer: renderer,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.registry == nil {
		o.registry = NewRegistry()
	}
	if o.logger == nil {
		o.logger = discardLogger
	}
	if o.observer == nil {
		o.observer = nopObserver{}
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer("github.com/inspirepan/stepchat")
	}
	return o
}

// SetToolDetail changes tool detail streaming for turns started afterwards.
func (o *Orchestrator) SetToolDetail(show bool) { o.showToolDetail.Store(show) }

// Registry returns the tool registry used for dispatch.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// Run executes one turn, writing downstream events to sink until a terminal
// event. It returns ctx.Err() without emitting anything further when ctx is
// cancelled, and a non-nil error after emitting the failure sequence when
// upstream fails or ctx's deadline passes.
func (o *Orchestrator) Run(ctx context.Context, req OpenRequest, sink Sink) error {
	if o.session == nil {
		return ErrNoSession
	}
	if sink == nil {
		return ErrNoSink
	}
	if req.Tools == nil {
		req.Tools = o.registry.Specs()
	}

	ctx, span := o.tracer.Start(ctx, "chat.turn", trace.WithAttributes(
		attribute.String("conversation.id", req.ConversationID),
		attribute.String("model", req.Model),
	))
	defer span.End()

	logger := o.logger.With("conversation_id", req.ConversationID)
	t := &turn{
		o:      o,
		req:    req,
		state:  NewTurnState(),
		logger: logger,
		emit:   NewEmitter(sink, o.renderer),
		norm:   &Normalizer{ShowToolDetail: o.showToolDetail.Load(), Logger: logger},
		rewriter: &Rewriter{
			Locator:    o.locator,
			Logger:     logger,
			FilePrefix: o.filePrefix,
		},
		dispatcher: &Dispatcher{
			Registry: o.registry,
			Renderer: o.renderer,
			Timeout:  o.toolTimeout,
			Logger:   logger,
		},
	}

	start := time.Now()
	outcome, err := t.run(ctx)
	o.observer.TurnFinished(outcome, time.Since(start))
	span.SetAttributes(attribute.String("outcome", string(outcome)))
	if err != nil && outcome != OutcomeCancelled {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

type turn struct {
	o          *Orchestrator
	req        OpenRequest
	state      *TurnState
	logger     *slog.Logger
	emit       *Emitter
	norm       *Normalizer
	rewriter   *Rewriter
	dispatcher *Dispatcher
}

func (t *turn) run(ctx context.Context) (Outcome, error) {
	stream, err := t.o.session.Open(ctx, t.req)
	if err != nil {
		return t.fail(ctx, fmt.Errorf("open stream: %w", err))
	}
	t.o.observer.SubStreamOpened(false)

	for {
		outputs, err := t.drain(ctx, stream)
		if err != nil {
			return t.fail(ctx, err)
		}
		if len(outputs) == 0 {
			if err := t.emit.completed(); err != nil {
				return t.abort(ctx, err)
			}
			return OutcomeCompleted, nil
		}

		t.state.resume()
		t.logger.Debug("resuming after tool outputs", "response_id", t.state.ResponseID, "outputs", len(outputs))
		stream, err = t.o.session.ResumeAfterTool(ctx, ResumeRequest{
			OpenRequest: t.req,
			ResponseID:  t.state.ResponseID,
			Outputs:     outputs,
		})
		if err != nil {
			return t.fail(ctx, fmt.Errorf("resume stream: %w", err))
		}
		t.o.observer.SubStreamOpened(true)
	}
}

// drain consumes one sub-stream and returns the outputs of the calls it
// dispatched. The stream is closed on every path.
func (t *turn) drain(ctx context.Context, stream UpstreamStream) ([]ToolOutput, error) {
	defer stream.Close()

	var outputs []ToolOutput
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ev, err := stream.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, ErrStreamTruncated
			}
			return nil, err
		}

		for _, ie := range t.norm.Normalize(ev, t.state) {
			switch e := ie.(type) {
			case ToolReady:
				out, err := t.dispatch(ctx, e)
				if err != nil {
					return nil, err
				}
				outputs = append(outputs, out)
			case AnnotationFound:
				rep, ok := t.rewriter.Rewrite(ctx, e.Annotation, e.ItemID)
				if !ok {
					continue
				}
				if err := t.emit.emitEvent(rep); err != nil {
					return nil, err
				}
			case TurnSegmentCompleted:
				return outputs, nil
			case TurnFailed:
				return nil, fmt.Errorf("%w: %w", ErrUpstreamFailed, e.Cause)
			default:
				if err := t.emit.emitEvent(ie); err != nil {
					return nil, err
				}
			}
		}
	}
}

func (t *turn) dispatch(ctx context.Context, e ToolReady) (ToolOutput, error) {
	if err := ctx.Err(); err != nil {
		return ToolOutput{}, err
	}

	ctx, span := t.o.tracer.Start(ctx, "tool.dispatch", trace.WithAttributes(
		attribute.String("tool.name", e.ToolName),
		attribute.String("tool.call_id", e.CallID),
	))
	defer span.End()

	start := time.Now()
	d := t.dispatcher.Dispatch(ctx, ToolCall{CallID: e.CallID, Name: e.ToolName, ArgsJSON: e.Arguments})
	t.o.observer.ToolDispatched(e.ToolName, d.Result.IsError, time.Since(start))
	if d.Result.IsError {
		span.SetStatus(codes.Error, d.Output)
	}
	if err := ctx.Err(); err != nil {
		return ToolOutput{}, err
	}
	if d.TimedOut {
		return ToolOutput{}, fmt.Errorf("%w: %s", ErrToolTimeout, e.ToolName)
	}

	var err error
	if d.Result.ImageURL != "" && !d.Result.IsError {
		err = t.emit.Emit(EventImageOutput, e.ItemID, d.Fragment)
	} else {
		err = t.emit.Emit(EventToolOutput, e.ItemID, d.Fragment)
	}
	if err != nil {
		return ToolOutput{}, err
	}
	return ToolOutput{CallID: e.CallID, ToolName: e.ToolName, Output: d.Output}, nil
}

// fail emits the failure sequence unless the turn was cancelled or the sink
// is gone. A passed deadline fails the turn like an upstream error.
func (t *turn) fail(ctx context.Context, err error) (Outcome, error) {
	if errors.Is(ctx.Err(), context.Canceled) || errors.Is(err, context.Canceled) {
		return t.abort(ctx, err)
	}
	var sinkErr *SinkError
	if errors.As(err, &sinkErr) {
		return t.abort(ctx, err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		err = errors.Join(err, ctxErr)
	}
	t.logger.Warn("turn failed", "response_id", t.state.ResponseID, "error", err)
	if emitErr := t.emit.failed(); emitErr != nil {
		err = errors.Join(err, emitErr)
	}
	return OutcomeFailed, err
}

func (t *turn) abort(ctx context.Context, err error) (Outcome, error) {
	if ctxErr := ctx.Err(); errors.Is(ctxErr, context.Canceled) {
		t.logger.Debug("turn cancelled", "response_id", t.state.ResponseID)
		return OutcomeCancelled, ctxErr
	}
	t.logger.Warn("downstream closed", "error", err)
	return OutcomeCancelled, err
}
