// Package natsstore implements eventflow.EventStore against NATS
// Streaming. A durable queue subscription per (application,
// handler_name) gives the store side of the Subscription Handle: NATS
// Streaming owns the durable cursor, manual-ack mode and MaxInflight(1)
// give strict per-handler ordering with exactly-once acking.
package natsstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	nats "github.com/nats-io/go-nats"
	stan "github.com/nats-io/go-nats-streaming"
	stanpb "github.com/nats-io/go-nats-streaming/pb"

	"github.com/dbhi-oss/eventflow"
	"github.com/dbhi-oss/eventflow/codec"
)

// Logger is satisfied by eventflow.Logger and the stdlib log.Logger.
type Logger = eventflow.Logger

// Store is an eventflow.EventStore backed by a single NATS Streaming
// connection, shared across every handler's subscription.
type Store struct {
	logger Logger

	client  string
	cluster string

	nats *nats.Conn
	stan stan.Conn
}

// Options configure Connect.
type Options struct {
	// Logger receives diagnostic messages. Defaults to
	// eventflow.DefaultLogger.
	Logger Logger

	// ConnectTimeout bounds each individual dial attempt. Retries beyond
	// that are governed by backoff, not this timeout.
	ConnectTimeout time.Duration
}

// Connect dials the NATS server at addr and the streaming cluster named
// cluster, retrying with exponential backoff (500ms initial, capped at
// 30s between attempts, no overall time limit) until it succeeds or ctx
// is done.
func Connect(ctx context.Context, addr, cluster, client string, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = eventflow.DefaultLogger
	}

	var store *Store

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond
	expBackoff.MaxInterval = 30 * time.Second
	expBackoff.MaxElapsedTime = 0

	natsOpts := []nats.Option{nats.MaxReconnects(-1)}
	if opts.ConnectTimeout > 0 {
		natsOpts = append(natsOpts, nats.Timeout(opts.ConnectTimeout))
	}

	operation := func() error {
		nc, err := nats.Connect(addr, natsOpts...)
		if err != nil {
			return fmt.Errorf("natsstore: connect nats: %w", err)
		}

		snc, err := stan.Connect(cluster, client, stan.NatsConn(nc))
		if err != nil {
			nc.Close()
			return fmt.Errorf("natsstore: connect streaming: %w", err)
		}

		store = &Store{logger: logger, client: client, cluster: cluster, nats: nc, stan: snc}
		return nil
	}

	notify := func(err error, delay time.Duration) {
		logger.Printf("[natsstore] connect failed, retrying in %s: %v", delay, err)
	}

	if err := backoff.RetryNotify(operation, backoff.WithContext(expBackoff, ctx), notify); err != nil {
		return nil, err
	}

	return store, nil
}

// Close releases the underlying NATS Streaming and NATS connections.
func (s *Store) Close() error {
	err := s.stan.Close()
	s.nats.Close()
	return err
}

// durableName derives the NATS Streaming durable/queue name for a handler.
// Application and handler name are both part of the identity — two
// applications may legitimately run a handler with the same name.
func durableName(app, name string) string {
	return app + "." + name
}

// Subscribe implements eventflow.EventStore.
func (s *Store) Subscribe(ctx context.Context, app, name string, filter eventflow.StreamFilter, start eventflow.StartFrom) (eventflow.StoreSubscription, error) {
	subject := streamSubject(filter)
	durable := durableName(app, name)

	sub := &subscription{
		store:     s,
		app:       app,
		name:      name,
		durable:   durable,
		events:    make(chan eventflow.EventBatch, 1),
		down:      make(chan error, 1),
		pending:   make(map[int64]*stan.Msg),
		closeOnce: sync.Once{},
	}

	subOpts := []stan.SubscriptionOption{
		stan.SetManualAckMode(),
		stan.AckWait(30 * time.Second),
		stan.MaxInflight(1),
		stan.DurableName(durable),
	}

	if offset, ok := start.Offset(); ok {
		subOpts = append(subOpts, stan.StartAtSequence(uint64(offset)+1))
	} else if start.IsCurrent() {
		subOpts = append(subOpts, stan.StartAt(stanpb.StartPosition_NewOnly))
	} else {
		subOpts = append(subOpts, stan.StartAt(stanpb.StartPosition_First))
	}

	qsub, err := s.stan.QueueSubscribe(subject, durable, sub.onMessage, subOpts...)
	if err != nil {
		return nil, fmt.Errorf("natsstore: subscribe %s/%s: %w", app, name, err)
	}

	sub.sub = qsub

	return sub, nil
}

// Reset implements eventflow.EventStore: unsubscribe the durable so the
// next Subscribe call starts fresh from the requested StartFrom.
func (s *Store) Reset(ctx context.Context, app, name string) error {
	durable := durableName(app, name)
	subject := streamSubject(eventflow.AllStreams())

	sub, err := s.stan.QueueSubscribe(subject, durable, func(*stan.Msg) {}, stan.DurableName(durable))
	if err != nil {
		return fmt.Errorf("natsstore: reset %s/%s: %w", app, name, err)
	}

	return sub.Unsubscribe()
}

func streamSubject(filter eventflow.StreamFilter) string {
	if filter.All {
		return "events.>"
	}
	return "events." + filter.Stream
}

type subscription struct {
	store   *Store
	app     string
	name    string
	durable string

	sub stan.Subscription

	events chan eventflow.EventBatch
	down   chan error

	mu      sync.Mutex
	pending map[int64]*stan.Msg

	closeOnce sync.Once
}

// onMessage decodes one NATS Streaming message into a single-event batch.
// Events are delivered one at a time (MaxInflight(1), serial queue
// consumer), so a batch of size one matches the underlying delivery
// granularity exactly; EventBatch exists for event stores that can
// coalesce contiguous events into a single delivery.
func (s *subscription) onMessage(msg *stan.Msg) {
	event, err := decodeEnvelope(msg)
	if err != nil {
		s.store.logger.Printf("[natsstore] %s/%s: dropping malformed message at sequence %d: %v", s.app, s.name, msg.Sequence, err)
		return
	}

	s.mu.Lock()
	s.pending[event.EventNumber] = msg
	s.mu.Unlock()

	select {
	case s.events <- eventflow.EventBatch{event}:
	case <-time.After(30 * time.Second):
		s.store.logger.Printf("[natsstore] %s/%s: handler runtime did not read batch for sequence %d", s.app, s.name, msg.Sequence)
	}
}

func (s *subscription) Events() <-chan eventflow.EventBatch { return s.events }

func (s *subscription) Down() <-chan error { return s.down }

// Ack acknowledges the NATS Streaming message for eventNumber. The
// message is forgotten afterward — with MaxInflight(1) there is never
// more than one or two pending entries at a time.
func (s *subscription) Ack(eventNumber int64) error {
	s.mu.Lock()
	msg, ok := s.pending[eventNumber]
	if ok {
		delete(s.pending, eventNumber)
	}
	s.mu.Unlock()

	if !ok {
		return fmt.Errorf("natsstore: %s/%s: no pending message for event %d", s.app, s.name, eventNumber)
	}

	return msg.Ack()
}

func (s *subscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.sub.Close()
	})
	return err
}

// envelope is the codec-routed wire shape used to persist a RecordedEvent:
// the codec name travels alongside the payload bytes so the same store
// can carry JSON, protobuf, or msgpack payloads for different event types.
type envelope struct {
	EventID       string
	StreamID      string
	StreamVersion int64
	EventType     string
	CodecName     string
	Payload       []byte
	Metadata      map[string]interface{}
	CorrelationID string
	CausationID   string
}

func marshalEnvelope(env envelope) ([]byte, error) { return json.Marshal(env) }

func unmarshalEnvelope(b []byte) (envelope, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	return env, nil
}

// Publish persists one event to stream. The event store's write side is
// out of scope for the Handler Runtime itself (it only ever consumes),
// but a Store still needs to be able to produce events for tests and the
// bundled examples to subscribe against.
func (s *Store) Publish(stream string, streamID string, streamVersion int64, eventType string, payload interface{}, metadata map[string]interface{}, correlationID, causationID string) (string, error) {
	codecName := codec.NameFor(payload)
	c, ok := codec.Get(codecName)
	if !ok {
		return "", fmt.Errorf("natsstore: no codec registered for %q", codecName)
	}

	payloadBytes, err := c.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("natsstore: encode payload with codec %q: %w", codecName, err)
	}

	id := eventflow.NewID()

	b, err := marshalEnvelope(envelope{
		EventID:       id,
		StreamID:      streamID,
		StreamVersion: streamVersion,
		EventType:     eventType,
		CodecName:     codecName,
		Payload:       payloadBytes,
		Metadata:      metadata,
		CorrelationID: correlationID,
		CausationID:   causationID,
	})
	if err != nil {
		return "", fmt.Errorf("natsstore: encode envelope: %w", err)
	}

	subject := "events." + stream
	if err := s.stan.Publish(subject, b); err != nil {
		return "", fmt.Errorf("natsstore: publish: %w", err)
	}

	return id, nil
}

// decodeEnvelope resolves a stored envelope into a RecordedEvent. JSON
// payloads are decoded eagerly into a generic interface{} value, since
// json.Unmarshal needs no concrete target type to produce something
// usable. Every other codec (bytes, string, proto, msgpack, greenpack)
// needs a concrete Go type to decode into that the store has no way to
// know, so its payload is left as raw bytes with the codec name recorded
// in metadata. DecodePayload finishes the job once the handler knows
// what type it expects.
func decodeEnvelope(msg *stan.Msg) (eventflow.RecordedEvent, error) {
	env, err := unmarshalEnvelope(msg.Data)
	if err != nil {
		return eventflow.RecordedEvent{}, err
	}

	metadata := make(map[string]interface{}, len(env.Metadata)+1)
	for k, v := range env.Metadata {
		metadata[k] = v
	}
	metadata[codecMetadataKey] = env.CodecName

	var payload interface{} = env.Payload
	if env.CodecName == "json" {
		c, _ := codec.Get("json")
		var decoded interface{}
		if err := c.Unmarshal(env.Payload, &decoded); err != nil {
			return eventflow.RecordedEvent{}, fmt.Errorf("decode payload with codec %q: %w", env.CodecName, err)
		}
		payload = decoded
	}

	return eventflow.RecordedEvent{
		EventNumber:   int64(msg.Sequence),
		EventID:       env.EventID,
		StreamID:      env.StreamID,
		StreamVersion: env.StreamVersion,
		EventType:     env.EventType,
		Payload:       payload,
		Metadata:      metadata,
		CreatedAt:     time.Unix(0, msg.Timestamp),
		CorrelationID: env.CorrelationID,
		CausationID:   env.CausationID,
	}, nil
}

// codecMetadataKey is the metadata key DecodePayload reads to find which
// codec produced a deferred (non-JSON) payload's raw bytes.
const codecMetadataKey = "_codec"

// DecodePayload finishes decoding a deferred payload into target. Only
// needed for events whose codec is not JSON — those already arrive
// decoded in event.Payload.
func DecodePayload(event eventflow.RecordedEvent, target interface{}) error {
	name, _ := event.Metadata[codecMetadataKey].(string)
	if name == "" {
		return fmt.Errorf("natsstore: event %d has no recorded codec", event.EventNumber)
	}

	c, ok := codec.Get(name)
	if !ok {
		return fmt.Errorf("natsstore: unknown codec %q", name)
	}

	raw, ok := event.Payload.([]byte)
	if !ok {
		return fmt.Errorf("natsstore: event %d payload is not deferred-decode bytes", event.EventNumber)
	}

	return c.Unmarshal(raw, target)
}
