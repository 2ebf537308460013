// Package registry implements the Consistency Registry: the process-wide
// index of active handlers and their latest acknowledged offsets, and the
// blocking wait-for-offset primitive used by strongly consistent command
// dispatch.
//
// The registry holds exactly one piece of shared mutable state in the
// whole runtime; every operation below is serialized by a single mutex
// guarding the whole map.
package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Consistency mirrors eventflow.Consistency without importing it, keeping
// this package free of a dependency back on the root package.
type Consistency string

const (
	Eventual Consistency = "eventual"
	Strong   Consistency = "strong"
)

type key struct {
	app  string
	name string
}

type entry struct {
	consistency Consistency
	offset      int64
	hasOffset   bool
	waiters     []*waiter
}

type waiter struct {
	target int64
	done   chan struct{}
}

// Registry is the Consistency Registry. The zero value is not usable;
// construct with New.
type Registry struct {
	mu      sync.Mutex
	entries map[key]*entry

	// pending holds waiters whose handler was not strongly registered at
	// the moment WaitFor was called (not yet registered, mid-restart, or
	// unregistered out from under an in-flight wait). Register and
	// Unregister move waiters between here and an entry's own waiters
	// list so a late registration, followed by an Ack, can still wake a
	// caller blocked in WaitFor.
	pending map[key][]*waiter
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		entries: make(map[key]*entry),
		pending: make(map[key][]*waiter),
	}
}

// Register inserts or updates the record for (app, handlerName). Called
// once a Handler Runtime agent has subscribed successfully. Re-registering
// an existing entry resets its offset — this happens when a handler agent
// restarts or resubscribes after a reset, and either way replays from the
// store's cursor, so any waiter still pending against the old offset is
// correctly made to wait again. Any waiter stashed in pending for this key, plus any
// waiter still attached to a prior entry, is carried over onto the new
// entry so it wakes on the next matching Ack rather than being abandoned.
func (r *Registry) Register(app, handlerName string, consistency string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{app: app, name: handlerName}
	e := &entry{consistency: Consistency(consistency)}

	if old, ok := r.entries[k]; ok {
		e.waiters = append(e.waiters, old.waiters...)
	}
	if waiting, ok := r.pending[k]; ok {
		e.waiters = append(e.waiters, waiting...)
		delete(r.pending, k)
	}

	r.entries[k] = e
}

// Ack updates the latest acknowledged offset for (app, handlerName) and
// wakes every waiter whose target offset is now satisfied. Called after
// every Confirm Receipt step, eventual or strong alike — eventual
// handlers simply never appear in a wait_for call.
func (r *Registry) Ack(app, handlerName string, consistency string, eventNumber int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{app: app, name: handlerName}
	e, ok := r.entries[k]
	if !ok {
		e = &entry{consistency: Consistency(consistency)}
		r.entries[k] = e
	}

	e.offset = eventNumber
	e.hasOffset = true

	remaining := e.waiters[:0]
	for _, w := range e.waiters {
		if e.offset >= w.target {
			close(w.done)
			continue
		}
		remaining = append(remaining, w)
	}
	e.waiters = remaining
}

// Unregister removes the entry for (app, handlerName), as if the agent
// had died. A missing handler is treated as unsatisfied, not as an
// immediate failure, because it may be mid-restart: any waiter still
// attached to the removed entry is moved to pending so a later Register
// and Ack can still wake it before its caller's timeout fires.
func (r *Registry) Unregister(app, handlerName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := key{app: app, name: handlerName}
	if e, ok := r.entries[k]; ok && len(e.waiters) > 0 {
		r.pending[k] = append(r.pending[k], e.waiters...)
	}
	delete(r.entries, k)
}

// ListStrong returns a snapshot of the strongly-consistent handler names
// currently registered for app.
func (r *Registry) ListStrong(app string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var names []string
	for k, e := range r.entries {
		if k.app == app && e.consistency == Strong {
			names = append(names, k.name)
		}
	}
	return names
}

// WaitResult is the outcome of WaitFor.
type WaitResult struct {
	// Pending lists the handler names that had not yet reached the
	// target offset when the call returned. Empty iff Ok.
	Pending []string
}

// Ok reports whether every requested handler reached the target offset.
func (w WaitResult) Ok() bool { return len(w.Pending) == 0 }

// WaitFor blocks until every handler named in strongHandlerNames has
// acked an offset >= target, or ctx is done (typically via
// context.WithTimeout), whichever comes first. A name not currently
// registered is treated as unsatisfied rather than an error, since the
// handler may simply be restarting: its waiter is parked so that if it
// registers and later acks past target before ctx is done, this call
// still wakes. A name registered with eventual consistency is never
// waited on: its acks do not satisfy the wait, and it is reported back in
// Pending once ctx is done.
func (r *Registry) WaitFor(ctx context.Context, app string, strongHandlerNames []string, target int64) WaitResult {
	if len(strongHandlerNames) == 0 {
		return WaitResult{}
	}

	pending := make(map[string]chan struct{}, len(strongHandlerNames))

	r.mu.Lock()
	for _, name := range strongHandlerNames {
		k := key{app: app, name: name}
		e, ok := r.entries[k]
		if ok && e.consistency == Strong && e.hasOffset && e.offset >= target {
			continue
		}

		done := make(chan struct{})
		w := &waiter{target: target, done: done}
		switch {
		case ok && e.consistency == Strong:
			e.waiters = append(e.waiters, w)
		case !ok:
			r.pending[k] = append(r.pending[k], w)
		default:
			// Registered with eventual consistency: its acks never
			// satisfy a wait, so the waiter is left unattached; it only
			// resolves via ctx's timeout.
		}
		pending[name] = done
	}
	r.mu.Unlock()

	if len(pending) == 0 {
		return WaitResult{}
	}

	remaining := int32(len(pending))
	allDone := make(chan struct{})
	giveUp := make(chan struct{})
	defer close(giveUp)
	for _, done := range pending {
		done := done
		go func() {
			select {
			case <-done:
				if atomic.AddInt32(&remaining, -1) == 0 {
					close(allDone)
				}
			case <-giveUp:
			}
		}()
	}

	select {
	case <-allDone:
		return WaitResult{}
	case <-ctx.Done():
		return WaitResult{Pending: stillPending(pending)}
	}
}

// stillPending returns the names whose done channel has not yet been
// closed, without blocking on any of them.
func stillPending(pending map[string]chan struct{}) []string {
	var names []string
	for name, done := range pending {
		select {
		case <-done:
		default:
			names = append(names, name)
		}
	}
	return names
}

// WaitForTimeout is a convenience wrapper around WaitFor that builds a
// context with the given timeout, for callers that want a plain
// wait_for(app, names, target, timeout) signature.
func (r *Registry) WaitForTimeout(app string, strongHandlerNames []string, target int64, timeout time.Duration) WaitResult {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return r.WaitFor(ctx, app, strongHandlerNames, target)
}
