package eventflow

import "fmt"

// Options are the declared settings for a single handler. Unrecognized
// settings cannot be expressed at all — the struct itself is the schema;
// Resolve only needs to validate the values that were set.
type Options struct {
	// Application this handler belongs to. Required.
	Application string

	// Name is the durable identifier for this handler's subscription.
	// Changing it creates a new durable subscription and replays history
	// from StartFrom. Required, non-empty after normalization.
	Name interface{}

	// StartFrom is consulted only the first time this handler's
	// subscription name is seen, or immediately after a Reset. Defaults to
	// StartFromOrigin.
	StartFrom StartFrom

	// Stream is the stream filter. Defaults to AllStreams.
	Stream StreamFilter

	// Consistency defaults to the process-wide setting passed to Resolve,
	// or Eventual if that is also unset.
	Consistency Consistency

	// hasConsistency is set internally by the functional-option
	// constructors below to distinguish "unset" from an explicit Eventual.
	hasConsistency bool

	// hasStartFrom distinguishes "unset" from an explicit StartFromOrigin.
	hasStartFrom bool

	// hasStream distinguishes "unset" from an explicit AllStreams.
	hasStream bool
}

// Option mutates an Options bag. Functional options keep the set of
// recognized settings closed at compile time, so an invalid or misspelled
// setting fails at compile time rather than surviving a runtime
// key-validation pass.
type Option func(*Options)

// WithStartFrom overrides the default StartFromOrigin.
func WithStartFrom(s StartFrom) Option {
	return func(o *Options) { o.StartFrom = s; o.hasStartFrom = true }
}

// WithStream overrides the default AllStreams.
func WithStream(f StreamFilter) Option {
	return func(o *Options) { o.Stream = f; o.hasStream = true }
}

// WithConsistency overrides the process-wide default consistency.
func WithConsistency(c Consistency) Option {
	return func(o *Options) { o.Consistency = c; o.hasConsistency = true }
}

// NewOptions builds an Options bag for application/name with the given
// overrides applied over the defaults.
func NewOptions(application string, name interface{}, opts ...Option) Options {
	o := Options{Application: application, Name: name}
	for _, apply := range opts {
		apply(&o)
	}
	return o
}

// NormalizeName deterministically stringifies a structured identifier:
// strings pass through; fmt.Stringer values use String(); anything else
// uses fmt.Sprint. An empty result after normalization is an error.
func NormalizeName(v interface{}) (string, error) {
	var s string
	switch x := v.(type) {
	case string:
		s = x
	case fmt.Stringer:
		s = x.String()
	case nil:
		s = ""
	default:
		s = fmt.Sprint(x)
	}

	if s == "" {
		return "", &ConfigError{Option: "name", Reason: "must be non-empty after normalization"}
	}

	return s, nil
}

// resolved is the validated, defaulted output of Resolve: application,
// name, and the rest of a handler's effective options.
type resolved struct {
	Application string
	Name        string
	StartFrom   StartFrom
	Stream      StreamFilter
	Consistency Consistency
	Callbacks   Callbacks
}

// Resolve validates and normalizes a declared handler's options. It calls
// the user's InitConfig hook, then enforces: Application is set; Name is
// non-empty once normalized; Consistency is eventual or strong, defaulting
// first to processDefault and then to Eventual; StartFrom and Stream fall
// back to their defaults when unset.
func Resolve(opts Options, cb Callbacks, processDefault Consistency) (resolved, error) {
	cb = cb.WithDefaults()

	rawCfg := map[string]interface{}{
		"application": opts.Application,
		"name":        opts.Name,
	}
	cfg, err := cb.InitConfig(rawCfg)
	if err != nil {
		return resolved{}, fmt.Errorf("eventflow: init_config: %w", err)
	}

	application, _ := cfg["application"].(string)
	if application == "" {
		return resolved{}, &ConfigError{Option: "application", Reason: "required"}
	}

	name, err := NormalizeName(cfg["name"])
	if err != nil {
		return resolved{}, err
	}

	consistency := opts.Consistency
	if !opts.hasConsistency {
		consistency = processDefault
		if consistency == "" {
			consistency = Eventual
		}
	}
	if consistency != Eventual && consistency != Strong {
		return resolved{}, &ConfigError{Option: "consistency", Reason: fmt.Sprintf("must be %q or %q", Eventual, Strong)}
	}

	start := opts.StartFrom
	if !opts.hasStartFrom {
		start = StartFromOrigin()
	}

	stream := opts.Stream
	if !opts.hasStream {
		stream = AllStreams()
	}

	return resolved{
		Application: application,
		Name:        name,
		StartFrom:   start,
		Stream:      stream,
		Consistency: consistency,
		Callbacks:   cb,
	}, nil
}
