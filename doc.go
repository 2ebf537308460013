/*
Package eventflow implements the event handler runtime of an event-sourced
CQRS framework: the long-lived subscriber subsystem that consumes an ordered
stream of persisted domain events from an event store and dispatches each to
user-supplied handling logic.

A Handler is a durable, named subscriber. Declaring one binds a Subscription
Handle (the store-facing half, see Subscription) to a state machine (the
Runtime) that upcasts incoming events, invokes the user's Callbacks in strict
offset order, and applies a retry/skip/stop error policy. Acks flow back to
the store and into the process-wide Consistency Registry (package registry),
which lets command dispatch block until designated handlers have caught up
past a given event offset.

The event store itself — the append-only log with named durable
subscriptions — is outside this package. It is consumed through the
EventStore interface in store.go; concrete backends live in natsstore
(NATS Streaming) and memstore (an in-memory fake for tests and examples).
*/
package eventflow
