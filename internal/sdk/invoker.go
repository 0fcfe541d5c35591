package sdk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/storyflow/internal/bus"
	otelPkg "github.com/basket/storyflow/internal/otel"
	"github.com/basket/storyflow/internal/shared"
)

// ResultKind tags the outcome of one Execute call.
type ResultKind string

const (
	KindSuccess       ResultKind = "success"
	KindTransport     ResultKind = "transport"
	KindTimeout       ResultKind = "timeout"
	KindUnrecoverable ResultKind = "unrecoverable"
)

// ReasonCancelled is the Unrecoverable reason for an observed external
// cancellation.
const ReasonCancelled = "cancelled"

// Result is the tagged outcome of one invocation. Execute never
// returns an error; callers branch on Kind.
type Result struct {
	Kind     ResultKind
	Text     string
	Reason   string
	Attempts int
}

// Failed reports whether the invocation produced no usable text.
func (r Result) Failed() bool {
	return r.Kind != KindSuccess
}

// ExecOptions bound one invocation. Timeout is the drain deadline; a
// zero timeout expires on the first drain check. MaxRetries is the
// transport-error retry budget; timeouts and unrecoverable outcomes
// are never retried here.
type ExecOptions struct {
	Role       string
	Story      string
	Timeout    time.Duration
	MaxRetries int
	Session    Options
}

// Invoker drives one agent call through open, send, drain, and close.
// Sessions and streams are acquired and released on the calling
// goroutine only. It is safe for concurrent use; each Execute call is
// independent.
type Invoker struct {
	runner      Runner
	events      *bus.Bus     // may be nil
	tracer      trace.Tracer // may be nil
	logger      *slog.Logger
	backoffBase time.Duration
	backoffCap  time.Duration
}

// NewInvoker wires an invoker over a session runner. Backoff base and
// cap bound the waits between transport retries.
func NewInvoker(runner Runner, events *bus.Bus, logger *slog.Logger, backoffBase, backoffCap time.Duration) *Invoker {
	if logger == nil {
		logger = slog.Default()
	}
	if backoffBase <= 0 {
		backoffBase = 500 * time.Millisecond
	}
	if backoffCap < backoffBase {
		backoffCap = 8 * time.Second
	}
	return &Invoker{
		runner:      runner,
		events:      events,
		logger:      logger,
		backoffBase: backoffBase,
		backoffCap:  backoffCap,
	}
}

// WithTracer attaches a tracer; each attempt gets a client span.
func (i *Invoker) WithTracer(t trace.Tracer) *Invoker {
	i.tracer = t
	return i
}

// Execute runs one prompt to completion. Transport failures rebuild
// the session and retry with exponential backoff up to
// opts.MaxRetries. An external cancel observed at any point comes back
// as Unrecoverable("cancelled"); the cancellation is never re-raised
// to the caller.
func (i *Invoker) Execute(ctx context.Context, prompt string, opts ExecOptions) Result {
	start := time.Now()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = i.backoffBase
	bo.MaxInterval = i.backoffCap
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0
	bo.Reset()

	var res Result
	for attempt := 1; ; attempt++ {
		i.publish(bus.TopicSDKStarted, opts, attempt, "started", start)

		attemptCtx, span := otelPkg.StartClientSpan(ctx, i.tracer, "sdk.attempt",
			otelPkg.AttrRole.String(opts.Role),
			otelPkg.AttrStoryPath.String(opts.Story),
			otelPkg.AttrAttempt.Int(attempt),
			otelPkg.AttrModel.String(opts.Session.Model))
		var retryable bool
		res, retryable = i.attempt(attemptCtx, prompt, opts)
		span.SetAttributes(otelPkg.AttrKind.String(string(res.Kind)))
		span.End()
		res.Attempts = attempt
		if !retryable || attempt > opts.MaxRetries {
			break
		}

		wait := bo.NextBackOff()
		i.logger.Warn("sdk transport error, retrying",
			"trace_id", shared.TraceID(ctx),
			"role", opts.Role,
			"story", opts.Story,
			"attempt", attempt,
			"backoff", wait.String(),
			"reason", res.Reason)
		i.publish(bus.TopicSDKRetrying, opts, attempt, res.Reason, start)

		select {
		case <-ctx.Done():
			res = Result{Kind: KindUnrecoverable, Reason: ReasonCancelled, Attempts: attempt}
			i.publish(bus.TopicSDKCancelled, opts, attempt, ReasonCancelled, start)
			return res
		case <-time.After(wait):
		}
	}

	topic := bus.TopicSDKFinished
	if res.Kind == KindUnrecoverable && res.Reason == ReasonCancelled {
		topic = bus.TopicSDKCancelled
	}
	i.publish(topic, opts, res.Attempts, string(res.Kind), start)
	return res
}

// attempt runs one session lifecycle. The second return reports
// whether the failure is transport-level and worth a fresh session.
func (i *Invoker) attempt(ctx context.Context, prompt string, opts ExecOptions) (Result, bool) {
	// The deadline is measured from session open with the monotonic
	// clock, so wall-clock adjustments cannot extend or shrink the
	// budget.
	started := time.Now()
	expired := func() bool { return time.Since(started) >= opts.Timeout }

	if err := ctx.Err(); err != nil {
		return Result{Kind: KindUnrecoverable, Reason: ReasonCancelled}, false
	}

	session, err := i.runner.Open(ctx, opts.Session)
	if err != nil {
		return i.classifyFailure(fmt.Errorf("open session: %w", err))
	}

	stream, err := session.Send(ctx, prompt)
	if err != nil {
		i.closeResources(opts, nil, session)
		return i.classifyFailure(fmt.Errorf("send prompt: %w", err))
	}

	var sb strings.Builder
	messages := 0
	for {
		// Cooperative budget check. No external cancellation primitive
		// tears the session down from another goroutine.
		if err := ctx.Err(); err != nil {
			i.closeResources(opts, stream, session)
			return Result{Kind: KindUnrecoverable, Reason: ReasonCancelled}, false
		}
		if expired() {
			i.closeResources(opts, stream, session)
			return Result{Kind: KindTimeout, Reason: fmt.Sprintf("deadline %s exceeded", opts.Timeout)}, false
		}

		msg, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			i.closeResources(opts, stream, session)
			return i.classifyFailure(fmt.Errorf("read stream: %w", err))
		}
		messages++
		if msg.Type == MessageText || msg.Type == MessageFinal {
			sb.WriteString(msg.Text)
		}
		if msg.Type == MessageFinal {
			break
		}
	}
	i.closeResources(opts, stream, session)

	if messages == 0 {
		// An empty stream means the agent process died before saying
		// anything; treat like a broken pipe.
		return Result{Kind: KindTransport, Reason: "empty stream"}, true
	}
	return Result{Kind: KindSuccess, Text: sb.String()}, false
}

// classifyFailure maps a session error onto a tagged result and the
// retry decision.
func (i *Invoker) classifyFailure(err error) (Result, bool) {
	switch ClassifyError(err) {
	case ClassCancelled:
		return Result{Kind: KindUnrecoverable, Reason: ReasonCancelled}, false
	case ClassAuth, ClassQuota:
		return Result{Kind: KindUnrecoverable, Reason: err.Error()}, false
	case ClassTimeout:
		return Result{Kind: KindTimeout, Reason: err.Error()}, false
	default:
		// Transport and unknown both get a fresh session.
		return Result{Kind: KindTransport, Reason: err.Error()}, true
	}
}

// closeResources closes the stream and then the session on the calling
// goroutine. Close failures are logged, never propagated, so they
// cannot mask the invocation outcome.
func (i *Invoker) closeResources(opts ExecOptions, stream MessageStream, session Session) {
	if stream != nil {
		if err := stream.Close(); err != nil {
			i.logger.Warn("close message stream", "role", opts.Role, "story", opts.Story, "error", err.Error())
		}
	}
	if err := session.Close(); err != nil {
		i.logger.Warn("close session", "role", opts.Role, "story", opts.Story, "error", err.Error())
	}
}

func (i *Invoker) publish(topic string, opts ExecOptions, attempt int, kind string, start time.Time) {
	if i.events == nil {
		return
	}
	i.events.Publish(topic, bus.SDKEvent{
		Role:    opts.Role,
		Story:   opts.Story,
		Attempt: attempt,
		Kind:    kind,
		Elapsed: time.Since(start).Seconds(),
	})
}
