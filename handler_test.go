package eventflow_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbhi-oss/eventflow"
	"github.com/dbhi-oss/eventflow/memstore"
)

func startTestHandler(t *testing.T, store *memstore.Store, cb eventflow.Callbacks) *eventflow.Handler {
	t.Helper()

	h, err := eventflow.Start(context.Background(), eventflow.NewOptions("bank", "projector"), cb, eventflow.Config{
		Store: store,
	})
	require.NoError(t, err)

	t.Cleanup(h.Stop)

	return h
}

func waitForLastSeen(t *testing.T, ch <-chan int64, want int64) {
	t.Helper()
	select {
	case got := <-ch:
		require.Equal(t, want, got)
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for event %d to be handled", want)
	}
}

func TestHandler_RetryThenSucceed(t *testing.T) {
	store := memstore.New()
	store.Publish("ACC123", "BankAccountOpened", map[string]interface{}{"balance": 1000}, nil, "", "")

	var mu sync.Mutex
	var calls int
	var contexts []map[string]interface{}
	handled := make(chan int64, 1)

	cb := eventflow.Callbacks{
		Handle: func(payload interface{}, metadata map[string]interface{}) error {
			mu.Lock()
			calls++
			n := calls
			mu.Unlock()
			if n < 3 {
				return errors.New("flaky")
			}
			handled <- metadata["event_number"].(int64)
			return nil
		},
		Error: func(err error, failedEvent eventflow.RecordedEvent, fc eventflow.FailureContext) eventflow.ErrorDecision {
			mu.Lock()
			contexts = append(contexts, fc.UserContext)
			failures, _ := fc.UserContext["failures"].(int)
			mu.Unlock()
			return eventflow.RetryWith(map[string]interface{}{"failures": failures + 1})
		},
	}

	startTestHandler(t, store, cb)

	waitForLastSeen(t, handled, 1)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, calls)
	require.Len(t, contexts, 2)
	assert.Equal(t, map[string]interface{}{}, contexts[0])
	assert.Equal(t, 1, contexts[1]["failures"])
}

func TestHandler_SkipAfterThreshold(t *testing.T) {
	store := memstore.New()
	store.Publish("ACC123", "BankAccountOpened", 1, nil, "", "")
	store.Publish("ACC123", "MoneyDeposited", 2, nil, "", "")

	var mu sync.Mutex
	var retries int
	var acked []int64
	second := make(chan int64, 1)

	cb := eventflow.Callbacks{
		Handle: func(payload interface{}, metadata map[string]interface{}) error {
			n := metadata["event_number"].(int64)
			if n == 1 {
				return errors.New("always fails")
			}
			second <- n
			return nil
		},
		Error: func(err error, failedEvent eventflow.RecordedEvent, fc eventflow.FailureContext) eventflow.ErrorDecision {
			mu.Lock()
			defer mu.Unlock()
			retries++
			if retries <= 2 {
				return eventflow.RetryWith(nil)
			}
			acked = append(acked, failedEvent.EventNumber)
			return eventflow.Skip()
		},
	}

	startTestHandler(t, store, cb)

	waitForLastSeen(t, second, 2)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 3, retries)
	assert.Equal(t, []int64{1}, acked)
}

func TestHandler_Reset_RedeliversFromStartFrom(t *testing.T) {
	store := memstore.New()
	store.Publish("ACC123", "BankAccountOpened", 1, nil, "", "")

	var mu sync.Mutex
	var seen []int64
	delivered := make(chan int64, 4)

	cb := eventflow.Callbacks{
		Handle: func(payload interface{}, metadata map[string]interface{}) error {
			n := metadata["event_number"].(int64)
			mu.Lock()
			seen = append(seen, n)
			mu.Unlock()
			delivered <- n
			return nil
		},
	}

	h, err := eventflow.Start(context.Background(), eventflow.NewOptions("bank", "projector"), cb, eventflow.Config{
		Store: store,
	})
	require.NoError(t, err)
	t.Cleanup(h.Stop)

	waitForLastSeen(t, delivered, 1)

	require.NoError(t, h.Reset(context.Background()))

	waitForLastSeen(t, delivered, 1)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int64{1, 1}, seen)
}

func TestHandler_AlreadySeenEventIsTreatedAsSuccess(t *testing.T) {
	store := memstore.New()
	store.Publish("ACC123", "BankAccountOpened", 1, nil, "", "")

	errorCalled := make(chan struct{}, 1)
	handled := make(chan int64, 1)

	cb := eventflow.Callbacks{
		Handle: func(payload interface{}, metadata map[string]interface{}) error {
			handled <- metadata["event_number"].(int64)
			return eventflow.ErrAlreadySeenEvent
		},
		Error: func(err error, failedEvent eventflow.RecordedEvent, fc eventflow.FailureContext) eventflow.ErrorDecision {
			errorCalled <- struct{}{}
			return eventflow.StopWith(err)
		},
	}

	startTestHandler(t, store, cb)

	waitForLastSeen(t, handled, 1)

	select {
	case <-errorCalled:
		t.Fatal("error callback should not run for ErrAlreadySeenEvent")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandler_PanicInHandleIsRecoveredAndRoutedToError(t *testing.T) {
	store := memstore.New()
	store.Publish("ACC123", "BankAccountOpened", 1, nil, "", "")

	done := make(chan error, 1)

	cb := eventflow.Callbacks{
		Handle: func(payload interface{}, metadata map[string]interface{}) error {
			panic("boom")
		},
		Error: func(err error, failedEvent eventflow.RecordedEvent, fc eventflow.FailureContext) eventflow.ErrorDecision {
			return eventflow.StopWith(err)
		},
	}

	h, err := eventflow.Start(context.Background(), eventflow.NewOptions("bank", "projector"), cb, eventflow.Config{
		Store: store,
	})
	require.NoError(t, err)

	go func() {
		<-h.Done()
		done <- h.Err()
	}()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Contains(t, err.Error(), "boom")
	case <-time.After(time.Second):
		t.Fatal("handler did not terminate after recovered panic")
	}
}
