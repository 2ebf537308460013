package eventflow

import (
	"time"

	"github.com/nats-io/nuid"
)

// NewID returns a new unique ID. The event stores use it to assign each
// published event its EventID.
var NewID func() string = nuid.Next

// StreamFilter selects which streams a subscription receives events from.
type StreamFilter struct {
	// All, when true, means every stream is delivered. Mutually exclusive
	// with Stream.
	All bool

	// Stream is the single stream id to subscribe to. Ignored if All is set.
	Stream string
}

// AllStreams is the StreamFilter matching every stream.
func AllStreams() StreamFilter { return StreamFilter{All: true} }

// OnStream is the StreamFilter matching a single stream id.
func OnStream(stream string) StreamFilter { return StreamFilter{Stream: stream} }

func (f StreamFilter) String() string {
	if f.All {
		return "$all"
	}
	return f.Stream
}

// StartFrom directs where a brand-new durable subscription begins reading.
// Only consulted by the store the first time a subscription name is seen,
// or immediately after a Reset.
type StartFrom struct {
	origin  bool
	current bool
	offset  int64
	isOffset bool
}

// StartFromOrigin begins delivery at the first event ever recorded.
func StartFromOrigin() StartFrom { return StartFrom{origin: true} }

// StartFromCurrent begins delivery at the next event recorded after
// subscribe, skipping history.
func StartFromCurrent() StartFrom { return StartFrom{current: true} }

// StartFromOffset begins delivery immediately after the given event number.
func StartFromOffset(offset int64) StartFrom { return StartFrom{isOffset: true, offset: offset} }

// IsOrigin reports whether this is the origin directive.
func (s StartFrom) IsOrigin() bool { return s.origin }

// IsCurrent reports whether this is the current directive.
func (s StartFrom) IsCurrent() bool { return s.current }

// Offset returns the explicit offset and whether one was set.
func (s StartFrom) Offset() (int64, bool) { return s.offset, s.isOffset }

func (s StartFrom) String() string {
	switch {
	case s.origin:
		return "origin"
	case s.current:
		return "current"
	case s.isOffset:
		return "offset"
	default:
		return "origin"
	}
}

// Consistency is the mode a handler registers with the Consistency Registry.
type Consistency string

const (
	// Eventual handlers are never waited on by command dispatch.
	Eventual Consistency = "eventual"

	// Strong handlers can be named in a wait_for call; command dispatch can
	// block until they have acked past a target offset.
	Strong Consistency = "strong"
)

// RecordedEvent is an immutable record emitted by the event store. Its
// EventNumber is strictly monotonic per subscription; gaps are possible,
// reordering is not.
type RecordedEvent struct {
	EventNumber   int64
	EventID       string
	StreamID      string
	StreamVersion int64
	EventType     string
	Payload       interface{}
	Metadata      map[string]interface{}
	CreatedAt     time.Time
	CorrelationID string
	CausationID   string
}

// WithMetadata returns a copy of the event with the given key/value merged
// into its metadata map. Used by the Event Upcaster to enrich events without
// mutating the original.
func (e RecordedEvent) WithMetadata(extra map[string]interface{}) RecordedEvent {
	merged := make(map[string]interface{}, len(e.Metadata)+len(extra))
	for k, v := range e.Metadata {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	e.Metadata = merged
	return e
}

// EnrichedMetadata is the metadata map passed to a handler's Handle
// callback: everything the store recorded, plus application, handler
// name, and the event's identifying fields.
func EnrichedMetadata(app, handlerName string, e RecordedEvent) map[string]interface{} {
	m := make(map[string]interface{}, len(e.Metadata)+9)
	for k, v := range e.Metadata {
		m[k] = v
	}
	m["application"] = app
	m["handler_name"] = handlerName
	m["event_id"] = e.EventID
	m["event_number"] = e.EventNumber
	m["stream_id"] = e.StreamID
	m["stream_version"] = e.StreamVersion
	m["correlation_id"] = e.CorrelationID
	m["causation_id"] = e.CausationID
	m["created_at"] = e.CreatedAt
	return m
}

// FailureContext is passed to a user Error callback. UserContext is
// preserved verbatim across retries of the same event.
type FailureContext struct {
	Application string
	HandlerName string
	Event       RecordedEvent
	Metadata    map[string]interface{}
	UserContext map[string]interface{}
	Stack       []byte
}
