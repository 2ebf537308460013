package eventflow

import "context"

// EventBatch is a non-empty, ordered slice of events delivered together.
type EventBatch []RecordedEvent

// StoreSubscription is the store-side handle returned by EventStore.Subscribe.
// A single long-lived goroutine (the Handler Runtime's agent) selects over
// Events() and Down() for the lifetime of the subscription.
type StoreSubscription interface {
	// Events delivers non-empty ordered batches. Never closed while the
	// subscription is healthy; closed (with a value on Down) when the
	// store-side subscriber terminates.
	Events() <-chan EventBatch

	// Down fires exactly once, with the termination reason, when the
	// store-side subscriber dies. nil reason means a clean Close.
	Down() <-chan error

	// Ack confirms delivery up to and including eventNumber, freeing the
	// store to advance the durable cursor and deliver further events.
	Ack(eventNumber int64) error

	// Close releases the subscription without discarding its durable
	// cursor. Idempotent.
	Close() error
}

// EventStore is the append-only log this runtime consumes. Concrete
// backends live in natsstore (NATS Streaming) and memstore (in-memory,
// for tests and examples).
type EventStore interface {
	// Subscribe registers app/name as a durable subscriber for filter.
	// start is consulted only the first time the store has seen this
	// subscription name (or immediately after Reset); an existing durable
	// cursor always wins. Subscribe blocks until the store has confirmed
	// the subscription is live.
	Subscribe(ctx context.Context, app, name string, filter StreamFilter, start StartFrom) (StoreSubscription, error)

	// Reset discards the durable cursor for name. The next Subscribe for
	// that name restarts delivery at its StartFrom.
	Reset(ctx context.Context, app, name string) error
}
