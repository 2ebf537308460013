package eventflow

import (
	"context"
	"time"

	"github.com/cenkalti/backoff"
)

// newReconnectBackoff returns the bounded exponential reconnect schedule:
// 1s doubling, capped at 60s, with the library's default jitter. It never
// gives up (MaxElapsedTime disabled) — subscribe failures are always
// treated as transient.
func newReconnectBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.Multiplier = 2
	b.MaxInterval = 60 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Subscription is a stateful wrapper over a store-side durable
// subscription. It owns reconnect backoff state and exposes the
// detached/subscribed/reset lifecycle as plain method calls for the
// Handler Runtime to drive.
type Subscription struct {
	store EventStore

	app    string
	name   string
	filter StreamFilter
	start  StartFrom

	backoff *backoff.ExponentialBackOff
	live    StoreSubscription
}

// NewSubscription constructs a detached Subscription Handle. No I/O is
// performed until Subscribe is called.
func NewSubscription(store EventStore, app, name string, filter StreamFilter, start StartFrom) *Subscription {
	return &Subscription{
		store:   store,
		app:     app,
		name:    name,
		filter:  filter,
		start:   start,
		backoff: newReconnectBackoff(),
	}
}

// Subscribe registers with the store. On success the handle transitions to
// its live, subscribed form and the reconnect backoff resets to its base
// delay. On failure the handle stays detached; callers consult Backoff for
// how long to wait before retrying.
func (s *Subscription) Subscribe(ctx context.Context) (StoreSubscription, error) {
	live, err := s.store.Subscribe(ctx, s.app, s.name, s.filter, s.start)
	if err != nil {
		return nil, &SubscribeError{Name: s.name, Err: err}
	}

	s.live = live
	s.backoff.Reset()

	return live, nil
}

// Ack confirms receipt of event.EventNumber to the store.
func (s *Subscription) Ack(event RecordedEvent) error {
	return s.live.Ack(event.EventNumber)
}

// Reset instructs the store to delete the durable cursor for this
// subscription name and closes the live subscription. Afterwards the
// handle is detached; the next Subscribe restarts delivery from StartFrom.
func (s *Subscription) Reset(ctx context.Context) error {
	if err := s.store.Reset(ctx, s.app, s.name); err != nil {
		return err
	}

	if s.live != nil {
		_ = s.live.Close()
		s.live = nil
	}

	return nil
}

// Backoff returns how long to wait before the next Subscribe attempt. Each
// call advances the schedule; a successful Subscribe resets it.
func (s *Subscription) Backoff() time.Duration {
	d := s.backoff.NextBackOff()
	if d == backoff.Stop {
		// MaxElapsedTime is disabled above, so this is unreachable in
		// practice; fall back to the cap defensively.
		return s.backoff.MaxInterval
	}
	return d
}

// Live reports the current store-side subscription, or nil if detached.
func (s *Subscription) Live() StoreSubscription { return s.live }
