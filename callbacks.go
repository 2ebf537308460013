package eventflow

import "time"

// ErrorDecision is the sum-typed return of a user Error callback.
type ErrorDecision struct {
	kind    errorDecisionKind
	delay   time.Duration
	context map[string]interface{}
	reason  error
}

type errorDecisionKind int

const (
	decisionRetry errorDecisionKind = iota
	decisionSkip
	decisionStop
)

// RetryWith re-invokes Handle for the same event with the given context
// threaded into the next FailureContext.
func RetryWith(context map[string]interface{}) ErrorDecision {
	return ErrorDecision{kind: decisionRetry, context: context}
}

// RetryAfter sleeps delay cooperatively, then retries, threading context
// into the next FailureContext.
func RetryAfter(delay time.Duration, context map[string]interface{}) ErrorDecision {
	return ErrorDecision{kind: decisionRetry, delay: delay, context: context}
}

// Skip confirms receipt of the event without invoking Handle again.
func Skip() ErrorDecision { return ErrorDecision{kind: decisionSkip} }

// StopWith terminates the handler agent with reason. The current batch is
// abandoned and no further events are acked.
func StopWith(reason error) ErrorDecision { return ErrorDecision{kind: decisionStop, reason: reason} }

// Callbacks is the explicit capability record of user-supplied functions
// bound to a handler. Any nil field is filled in at construction with the
// defaults WithDefaults provides.
type Callbacks struct {
	// Init runs after every successful subscribe: the first one, and again
	// after each reset. A non-nil error stops the agent with that reason.
	Init func() error

	// InitConfig receives the declared option bag (keys "application" and
	// "name") before Resolve validates it. Returns the (possibly modified)
	// config, which Resolve then validates and uses, or an error to fail
	// construction.
	InitConfig func(cfg map[string]interface{}) (map[string]interface{}, error)

	// Handle processes one event. Returning ErrAlreadySeenEvent is treated
	// as success. Any other non-nil error is routed through Error.
	Handle func(payload interface{}, metadata map[string]interface{}) error

	// Error classifies a Handle failure into a retry/skip/stop decision.
	Error func(err error, failedEvent RecordedEvent, fc FailureContext) ErrorDecision

	// BeforeReset runs just before a reset takes effect. A non-nil error
	// stops the agent instead of resetting.
	BeforeReset func() error
}

// WithDefaults returns a copy of c with every nil field replaced by its
// default: Error stops the agent with the failure, InitConfig returns its
// input unchanged, and the rest do nothing and succeed.
func (c Callbacks) WithDefaults() Callbacks {
	if c.Init == nil {
		c.Init = func() error { return nil }
	}
	if c.InitConfig == nil {
		c.InitConfig = func(cfg map[string]interface{}) (map[string]interface{}, error) { return cfg, nil }
	}
	if c.Handle == nil {
		c.Handle = func(interface{}, map[string]interface{}) error { return nil }
	}
	if c.Error == nil {
		c.Error = func(err error, _ RecordedEvent, _ FailureContext) ErrorDecision { return StopWith(err) }
	}
	if c.BeforeReset == nil {
		c.BeforeReset = func() error { return nil }
	}
	return c
}
