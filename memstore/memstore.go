// Package memstore is an in-memory eventflow.EventStore, for tests and
// the bundled examples that have no NATS Streaming cluster to talk to.
// It keeps every event ever published in one ordered, in-process log,
// with per-(application, handler_name) durable cursors layered on top —
// everything a subscriber runtime actually needs, nothing more.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/dbhi-oss/eventflow"
)

type durableKey struct {
	app  string
	name string
}

type cursor struct {
	initialized bool
	position    int64 // index into log already delivered; resume point
}

// Store is a single in-memory event log shared by every stream.
type Store struct {
	mu      sync.Mutex
	log     []eventflow.RecordedEvent
	streams map[string]int64 // stream id -> next stream version
	cursors map[durableKey]*cursor
	notify  chan struct{} // closed and replaced on every Publish
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		streams: make(map[string]int64),
		cursors: make(map[durableKey]*cursor),
		notify:  make(chan struct{}),
	}
}

// Publish appends one event to streamID and returns the recorded event,
// carrying its assigned event number. CorrelationID and causationID may
// be empty.
func (s *Store) Publish(streamID, eventType string, payload interface{}, metadata map[string]interface{}, correlationID, causationID string) eventflow.RecordedEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	version := s.streams[streamID]
	s.streams[streamID] = version + 1

	event := eventflow.RecordedEvent{
		EventNumber:   int64(len(s.log)) + 1,
		EventID:       eventflow.NewID(),
		StreamID:      streamID,
		StreamVersion: version,
		EventType:     eventType,
		Payload:       payload,
		Metadata:      metadata,
		CorrelationID: correlationID,
		CausationID:   causationID,
	}

	s.log = append(s.log, event)

	close(s.notify)
	s.notify = make(chan struct{})

	return event
}

// Subscribe implements eventflow.EventStore.
func (s *Store) Subscribe(ctx context.Context, app, name string, filter eventflow.StreamFilter, start eventflow.StartFrom) (eventflow.StoreSubscription, error) {
	k := durableKey{app: app, name: name}

	s.mu.Lock()
	c, ok := s.cursors[k]
	if !ok {
		c = &cursor{initialized: true, position: startPosition(s, start)}
		s.cursors[k] = c
	}
	position := c.position
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)

	sub := &subscription{
		store:    s,
		key:      k,
		filter:   filter,
		position: position,
		events:   make(chan eventflow.EventBatch, 1),
		down:     make(chan error, 1),
		cancel:   cancel,
	}

	go sub.run(ctx)

	return sub, nil
}

// startPosition resolves a StartFrom directive against the log's current
// length, assuming the caller already holds s.mu.
func startPosition(s *Store, start eventflow.StartFrom) int64 {
	if offset, ok := start.Offset(); ok {
		return offset
	}
	if start.IsCurrent() {
		return int64(len(s.log))
	}
	return 0
}

// Reset implements eventflow.EventStore: drop the durable cursor so the
// next Subscribe call re-consults StartFrom.
func (s *Store) Reset(ctx context.Context, app, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursors, durableKey{app: app, name: name})
	return nil
}

type subscription struct {
	store  *Store
	key    durableKey
	filter eventflow.StreamFilter

	position int64

	events chan eventflow.EventBatch
	down   chan error
	cancel context.CancelFunc

	closeOnce sync.Once
}

// run tails the store's log starting at position, delivering one event
// at a time and blocking on the store's notify channel whenever it
// catches up — matching the single-event-batch granularity natsstore
// uses for its own, NATS-message-driven delivery.
func (s *subscription) run(ctx context.Context) {
	for {
		s.store.mu.Lock()
		if int(s.position) >= len(s.store.log) {
			waitFor := s.store.notify
			s.store.mu.Unlock()

			select {
			case <-waitFor:
				continue
			case <-ctx.Done():
				return
			}
		}

		event := s.store.log[s.position]
		s.position++
		s.store.mu.Unlock()

		if !matches(s.filter, event) {
			continue
		}

		select {
		case s.events <- eventflow.EventBatch{event}:
		case <-ctx.Done():
			return
		}
	}
}

func matches(filter eventflow.StreamFilter, event eventflow.RecordedEvent) bool {
	return filter.All || filter.Stream == event.StreamID
}

func (s *subscription) Events() <-chan eventflow.EventBatch { return s.events }

func (s *subscription) Down() <-chan error { return s.down }

// Ack records the durable cursor for this handler. There is nothing to
// acknowledge on the log itself — memstore retains every event forever —
// but the cursor must persist so a later Subscribe call for the same
// (application, handler_name) resumes instead of replaying.
func (s *subscription) Ack(eventNumber int64) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	c, ok := s.store.cursors[s.key]
	if !ok {
		return fmt.Errorf("memstore: %s/%s: no cursor registered", s.key.app, s.key.name)
	}
	if eventNumber > c.position {
		c.position = eventNumber
	}
	return nil
}

func (s *subscription) Close() error {
	s.closeOnce.Do(s.cancel)
	return nil
}
