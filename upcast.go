package eventflow

import "fmt"

// UpcastFunc migrates one raw recorded event's payload to its current
// schema. Passed the event after the additional-metadata merge has already
// been applied. A domain with nothing to migrate uses IdentityUpcast.
type UpcastFunc func(RecordedEvent) (RecordedEvent, error)

// IdentityUpcast performs no migration.
func IdentityUpcast(e RecordedEvent) (RecordedEvent, error) { return e, nil }

// UpcastSequence is a pure, lazy, ordered transform: given a batch and an
// additional-metadata map, it produces upcast events one at a time,
// preserving order and arity. A failure of the upcast
// function for one event does not advance the sequence — Peek keeps
// returning the same failure until the caller Advances past it (mirroring
// how a Handle failure blocks the same event until skipped or succeeded).
type UpcastSequence struct {
	batch  EventBatch
	extra  map[string]interface{}
	upcast UpcastFunc
	i      int
}

// NewUpcastSequence builds a sequence over batch. upcast defaults to
// IdentityUpcast if nil.
func NewUpcastSequence(batch EventBatch, extra map[string]interface{}, upcast UpcastFunc) *UpcastSequence {
	if upcast == nil {
		upcast = IdentityUpcast
	}
	return &UpcastSequence{batch: batch, extra: extra, upcast: upcast}
}

// Peek returns the current position's upcast event, or the raw event and an
// error if the upcast function failed for it. ok is false once the batch is
// exhausted. Peek does not advance the sequence; call Advance once the
// caller is done with the current position (handled, skipped, or the batch
// is being abandoned).
func (s *UpcastSequence) Peek() (upcasted RecordedEvent, raw RecordedEvent, ok bool, err error) {
	if s.i >= len(s.batch) {
		return RecordedEvent{}, RecordedEvent{}, false, nil
	}

	raw = s.batch[s.i]

	u, err := s.upcast(raw.WithMetadata(s.extra))
	if err != nil {
		return RecordedEvent{}, raw, true, fmt.Errorf("eventflow: upcast event %d: %w", raw.EventNumber, err)
	}

	return u, raw, true, nil
}

// Advance moves past the current position.
func (s *UpcastSequence) Advance() { s.i++ }
