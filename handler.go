package eventflow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Registry is the subset of the Consistency Registry (package registry)
// that the Handler Runtime needs. Kept as a narrow interface here, rather
// than importing package registry directly, to avoid a dependency cycle —
// registry.Registry satisfies this interface without importing eventflow.
type Registry interface {
	// Register inserts or updates this handler's entry. The agent calls
	// Unregister from its own deferred cleanup when it terminates, so a
	// registration always ends explicitly rather than through a separate
	// liveness watch.
	Register(app, handlerName string, consistency string)

	// Ack updates the latest acked offset for (app, handlerName).
	Ack(app, handlerName string, consistency string, eventNumber int64)

	// Unregister removes the entry, as if the agent had died.
	Unregister(app, handlerName string)
}

// noopRegistry satisfies Registry for handlers that don't need consistency
// coordination (e.g. illustrative examples with no command dispatcher).
type noopRegistry struct{}

func (noopRegistry) Register(string, string, string)   {}
func (noopRegistry) Ack(string, string, string, int64) {}
func (noopRegistry) Unregister(string, string)         {}

// NoopRegistry is a Registry that discards everything.
var NoopRegistry Registry = noopRegistry{}

type handlerState int

const (
	stateSubscribing handlerState = iota
	stateStopped
)

// Handler is the running Handler Runtime agent: the identity returned by
// Start. Its state is only ever touched by its own goroutine — callers
// interact with it exclusively through the channels exposed by Reset, Stop,
// and Done.
type Handler struct {
	app         string
	name        string
	consistency Consistency

	sub      *Subscription
	registry Registry
	cb       Callbacks
	upcast   UpcastFunc
	logger   Logger
	tracer   trace.Tracer

	resetReq chan chan error
	stopReq  chan struct{}
	done     chan struct{}

	lastSeen    *int64
	terminalErr error
}

// Config bundles the dependencies a Handler needs beyond its own resolved
// Options — the store it subscribes against, the registry it reports acks
// to, and the observability hooks.
type Config struct {
	Store                     EventStore
	Registry                  Registry // defaults to NoopRegistry
	Upcast                    UpcastFunc
	Logger                    Logger
	Tracer                    trace.Tracer
	ProcessDefaultConsistency Consistency
}

// Start resolves opts, constructs the Subscription Handle, and spawns the
// agent goroutine. It returns immediately with the Handler's identity — the
// agent drives the rest of the handler's lifecycle on its own goroutine.
func Start(ctx context.Context, opts Options, cb Callbacks, cfg Config) (*Handler, error) {
	r, err := Resolve(opts, cb, cfg.ProcessDefaultConsistency)
	if err != nil {
		return nil, err
	}

	if cfg.Store == nil {
		return nil, &ConfigError{Option: "store", Reason: "required"}
	}

	registry := cfg.Registry
	if registry == nil {
		registry = NoopRegistry
	}

	tracer := cfg.Tracer
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("eventflow")
	}

	h := &Handler{
		app:         r.Application,
		name:        r.Name,
		consistency: r.Consistency,
		sub:         NewSubscription(cfg.Store, r.Application, r.Name, r.Stream, r.StartFrom),
		registry:    registry,
		cb:          r.Callbacks,
		upcast:      cfg.Upcast,
		logger:      orDiscard(cfg.Logger),
		tracer:      tracer,
		resetReq:    make(chan chan error),
		stopReq:     make(chan struct{}),
		done:        make(chan struct{}),
	}

	go h.run(ctx)

	return h, nil
}

// Application returns the handler's application binding.
func (h *Handler) Application() string { return h.app }

// Name returns the handler's durable name.
func (h *Handler) Name() string { return h.name }

// Done is closed when the agent terminates, whatever the reason.
func (h *Handler) Done() <-chan struct{} { return h.done }

// Err returns the termination reason once Done is closed. Valid only after
// Done has fired.
func (h *Handler) Err() error { return h.terminalErr }

// Stop requests termination. It does not block for the agent to actually
// exit; wait on Done for that.
func (h *Handler) Stop() {
	select {
	case h.stopReq <- struct{}{}:
	case <-h.done:
	}
}

// Reset sends the operator-triggered reset signal and blocks until the
// handler has either discarded its durable cursor, or decided to stop
// instead (BeforeReset returned an error). The agent resubscribes after
// Reset returns.
func (h *Handler) Reset(ctx context.Context) error {
	ack := make(chan error, 1)
	select {
	case h.resetReq <- ack:
	case <-h.done:
		return fmt.Errorf("eventflow: handler %s/%s already stopped", h.app, h.name)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-ack:
		return err
	case <-h.done:
		return fmt.Errorf("eventflow: handler %s/%s stopped during reset", h.app, h.name)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) run(ctx context.Context) {
	defer close(h.done)
	defer h.registry.Unregister(h.app, h.name)

	state := stateSubscribing

	for state != stateStopped {
		switch state {
		case stateSubscribing:
			live, err := h.subscribeWithBackoff(ctx)
			if err != nil {
				h.terminalErr = err
				state = stateStopped
				continue
			}
			if live == nil {
				// stop requested while backing off.
				state = stateStopped
				continue
			}

			if err := h.cb.Init(); err != nil {
				h.terminalErr = err
				_ = live.Close()
				state = stateStopped
				continue
			}

			h.registry.Register(h.app, h.name, string(h.consistency))
			state = h.runLoop(ctx, live)
		default:
			state = stateStopped
		}
	}
}

// subscribeWithBackoff retries Subscribe with the bounded exponential
// schedule until it succeeds or the agent is asked to stop.
func (h *Handler) subscribeWithBackoff(ctx context.Context) (StoreSubscription, error) {
	for {
		live, err := h.sub.Subscribe(ctx)
		if err == nil {
			return live, nil
		}

		delay := h.sub.Backoff()
		h.logger.Printf("[%s/%s] subscribe failed, retrying in %s: %v", h.app, h.name, delay, err)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
			continue
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-h.stopReq:
			timer.Stop()
			return nil, nil
		}
	}
}

// runLoop is the handler's running state: it selects over inbound event
// batches, the store-side liveness signal, and the operator reset/stop
// control surface, returning the next state once it exits.
func (h *Handler) runLoop(ctx context.Context, live StoreSubscription) handlerState {
	for {
		select {
		case batch, ok := <-live.Events():
			if !ok {
				continue
			}
			if outcome := h.processBatch(ctx, batch); outcome.isStop() {
				h.terminalErr = outcome.err
				_ = live.Close()
				return stateStopped
			}

		case reason := <-live.Down():
			h.terminalErr = reason
			return stateStopped

		case ack := <-h.resetReq:
			err := h.handleReset(ctx, live)
			ack <- err
			if err != nil {
				h.terminalErr = err
				return stateStopped
			}
			return stateSubscribing

		case <-h.stopReq:
			_ = live.Close()
			return stateStopped

		case <-ctx.Done():
			h.terminalErr = ctx.Err()
			_ = live.Close()
			return stateStopped
		}
	}
}

func (h *Handler) handleReset(ctx context.Context, live StoreSubscription) error {
	if err := h.cb.BeforeReset(); err != nil {
		_ = live.Close()
		return err
	}

	if err := h.sub.Reset(ctx); err != nil {
		return fmt.Errorf("eventflow: reset %s/%s: %w", h.app, h.name, err)
	}

	h.lastSeen = nil

	return nil
}

// processBatch upcasts the batch lazily, then for each event in order —
// local dedupe, delegate to Handle inside a guarded region, classify the
// result, and run the error policy on failure.
// At most one event is ever "in flight": a retry blocks everything after it
// in this batch and in every later batch, because runLoop does not read
// live.Events() again until processBatch returns.
func (h *Handler) processBatch(ctx context.Context, batch EventBatch) Outcome {
	seq := NewUpcastSequence(batch, map[string]interface{}{"application": h.app}, h.upcast)

	for {
		upcasted, raw, ok, err := seq.Peek()
		if !ok {
			return Continue()
		}

		if err != nil {
			outcome, advance := h.runErrorPolicy(ctx, err, raw, map[string]interface{}{})
			if advance {
				seq.Advance()
				continue
			}
			return outcome
		}

		if h.lastSeen != nil && upcasted.EventNumber <= *h.lastSeen {
			if err := h.confirmReceipt(upcasted); err != nil {
				return Fatal(err)
			}
			seq.Advance()
			continue
		}

		outcome, advance := h.deliver(ctx, upcasted)
		if !advance {
			return outcome
		}
		seq.Advance()
	}
}

// deliver runs the retry loop for a single event: invoke Handle, classify
// the result, and on failure consult the Error callback until it returns
// something other than retry.
func (h *Handler) deliver(ctx context.Context, event RecordedEvent) (Outcome, bool) {
	userContext := map[string]interface{}{}

	for {
		err := h.invokeHandle(ctx, event)

		if err == nil || errors.Is(err, ErrAlreadySeenEvent) {
			if err := h.confirmReceipt(event); err != nil {
				return Fatal(err), false
			}
			return Continue(), true
		}

		return h.runErrorPolicy(ctx, err, event, userContext)
	}
}

// runErrorPolicy builds the Failure Context and applies the user's Error
// decision. It returns (outcome, advance) where advance means "move to the
// next event"; when advance is false the batch loop must stop and return
// outcome as-is.
func (h *Handler) runErrorPolicy(ctx context.Context, err error, event RecordedEvent, userContext map[string]interface{}) (Outcome, bool) {
	fc := FailureContext{
		Application: h.app,
		HandlerName: h.name,
		Event:       event,
		Metadata:    EnrichedMetadata(h.app, h.name, event),
		UserContext: userContext,
	}

	var panicErr *panicError
	if errors.As(err, &panicErr) {
		fc.Stack = panicErr.stack
	}

	h.logger.Printf("[%s/%s] handle failed for event %d: %v", h.app, h.name, event.EventNumber, err)

	decision := h.cb.Error(err, event, fc)

	switch decision.kind {
	case decisionRetry:
		if decision.delay > 0 {
			timer := time.NewTimer(decision.delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return Fatal(ctx.Err()), false
			case <-h.stopReq:
				timer.Stop()
				return Stop(err), false
			}
		}
		return h.retryEvent(ctx, event, decision.context)

	case decisionSkip:
		if err := h.confirmReceipt(event); err != nil {
			return Fatal(err), false
		}
		return Continue(), true

	case decisionStop:
		return Stop(decision.reason), false

	default:
		return Stop(ErrInvalidReturnValue), false
	}
}

// retryEvent re-invokes the delegation step for event with the carried-over
// context, looping through runErrorPolicy again on further failure.
func (h *Handler) retryEvent(ctx context.Context, event RecordedEvent, userContext map[string]interface{}) (Outcome, bool) {
	err := h.invokeHandle(ctx, event)

	if err == nil || errors.Is(err, ErrAlreadySeenEvent) {
		if err := h.confirmReceipt(event); err != nil {
			return Fatal(err), false
		}
		return Continue(), true
	}

	return h.runErrorPolicy(ctx, err, event, userContext)
}

type panicError struct {
	value interface{}
	stack []byte
}

func (p *panicError) Error() string { return fmt.Sprintf("panic: %v", p.value) }

// invokeHandle calls the user Handle callback inside a guarded execution
// region: a panic is captured, stack-traced, and turned into a plain error
// instead of crashing the agent. The call is traced so slow handlers are
// observable; the span covers Handle only, not the ack that follows.
func (h *Handler) invokeHandle(ctx context.Context, event RecordedEvent) (err error) {
	_, span := h.tracer.Start(ctx, "eventflow.handle",
		trace.WithAttributes(
			attribute.String("eventflow.application", h.app),
			attribute.String("eventflow.handler", h.name),
			attribute.Int64("eventflow.event_number", event.EventNumber),
		),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	metadata := EnrichedMetadata(h.app, h.name, event)

	err = h.cb.Handle(event.Payload, metadata)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	return err
}

// confirmReceipt acks the Subscription Handle, acks the registry, then
// advances the local dedupe hint — strictly in that order: store-ack must
// precede registry-ack, which must precede updating last_seen_event.
func (h *Handler) confirmReceipt(event RecordedEvent) error {
	if err := h.sub.Ack(event); err != nil {
		return fmt.Errorf("eventflow: ack %s/%s event %d: %w", h.app, h.name, event.EventNumber, err)
	}

	h.registry.Ack(h.app, h.name, string(h.consistency), event.EventNumber)

	n := event.EventNumber
	h.lastSeen = &n

	return nil
}
