// Package manifest loads the declarative list of handlers an eventflowd
// process should run: one durable subscription per entry, each wired to
// a named Go handler factory registered in the process's own binary. The
// manifest only carries the data half of a handler declaration;
// cmd/eventflowd maps each entry's Handler field to a concrete
// Callbacks-producing factory.
//
// This is distinct from package config: config is the ambient,
// process-wide settings (store address, default consistency); manifest
// is the per-handler declarations.
package manifest

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/dbhi-oss/eventflow"
)

// HandlerSpec declares one handler's durable subscription.
type HandlerSpec struct {
	// Application this handler belongs to.
	Application string `yaml:"application"`

	// Name is the durable subscription name.
	Name string `yaml:"name"`

	// Handler names the registered factory that produces this handler's
	// Callbacks (see Registry in this package).
	Handler string `yaml:"handler"`

	// Stream is the stream id to subscribe to, or "*" for every stream.
	Stream string `yaml:"stream"`

	// StartFrom is one of "origin", "current", or "offset".
	StartFrom string `yaml:"start_from"`

	// Offset is read when StartFrom is "offset". An absent offset is not
	// rejected; it is 0, so delivery begins at the first event.
	Offset int64 `yaml:"offset"`

	// Consistency is "eventual" or "strong". Empty defers to the
	// process-wide default.
	Consistency string `yaml:"consistency"`
}

// Manifest is the full set of handler declarations for a process.
type Manifest struct {
	Handlers []HandlerSpec `yaml:"handlers"`
}

// Load reads and strictly parses the manifest at path: unrecognized
// keys are a load error rather than being silently ignored.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("manifest: read %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var m Manifest
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("manifest: parse %s: %w", path, err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks every entry's declared fields are individually
// well-formed. It does not check that Handler names a registered
// factory — that can only be checked once the process's registry of
// factories exists.
func (m *Manifest) Validate() error {
	seen := make(map[string]bool, len(m.Handlers))

	for i, h := range m.Handlers {
		if h.Application == "" {
			return fmt.Errorf("manifest: handlers[%d]: application is required", i)
		}
		if h.Name == "" {
			return fmt.Errorf("manifest: handlers[%d]: name is required", i)
		}
		if h.Handler == "" {
			return fmt.Errorf("manifest: handlers[%d]: handler is required", i)
		}

		key := h.Application + "/" + h.Name
		if seen[key] {
			return fmt.Errorf("manifest: duplicate handler declaration for %s", key)
		}
		seen[key] = true

		switch h.StartFrom {
		case "", "origin", "current":
		case "offset":
			if h.Offset < 0 {
				return fmt.Errorf("manifest: handlers[%d]: offset must be >= 0", i)
			}
		default:
			return fmt.Errorf("manifest: handlers[%d]: start_from %q is not one of origin, current, offset", i, h.StartFrom)
		}

		switch h.Consistency {
		case "", "eventual", "strong":
		default:
			return fmt.Errorf("manifest: handlers[%d]: consistency %q is not one of eventual, strong", i, h.Consistency)
		}
	}

	return nil
}

// Options translates a HandlerSpec's declarative fields into an
// eventflow.Options bag. An empty Consistency is left unset, so the
// process-wide default is applied inside eventflow.Resolve, not here, and
// this function never has to know that default itself.
func (h HandlerSpec) Options() eventflow.Options {
	var opts []eventflow.Option

	switch h.Stream {
	case "", "*":
		opts = append(opts, eventflow.WithStream(eventflow.AllStreams()))
	default:
		opts = append(opts, eventflow.WithStream(eventflow.OnStream(h.Stream)))
	}

	switch h.StartFrom {
	case "current":
		opts = append(opts, eventflow.WithStartFrom(eventflow.StartFromCurrent()))
	case "offset":
		opts = append(opts, eventflow.WithStartFrom(eventflow.StartFromOffset(h.Offset)))
	default:
		opts = append(opts, eventflow.WithStartFrom(eventflow.StartFromOrigin()))
	}

	if h.Consistency != "" {
		opts = append(opts, eventflow.WithConsistency(eventflow.Consistency(h.Consistency)))
	}

	return eventflow.NewOptions(h.Application, h.Name, opts...)
}

// Factory builds the Callbacks for one handler declaration.
type Factory func(HandlerSpec) (eventflow.Callbacks, error)

// Registry maps a manifest entry's Handler name to the factory that
// constructs its Callbacks. cmd/eventflowd populates one of these at
// startup with every handler implementation it was built to run.
type Registry map[string]Factory

// Build resolves spec.Handler against r and invokes the factory.
func (r Registry) Build(spec HandlerSpec) (eventflow.Callbacks, error) {
	factory, ok := r[spec.Handler]
	if !ok {
		return eventflow.Callbacks{}, fmt.Errorf("manifest: no registered handler factory named %q", spec.Handler)
	}
	return factory(spec)
}
