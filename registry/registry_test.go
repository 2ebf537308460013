package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbhi-oss/eventflow/registry"
)

func TestWaitFor_ReturnsOkWhenAlreadySatisfied(t *testing.T) {
	r := registry.New()
	r.Register("bank", "projector", string(registry.Strong))
	r.Ack("bank", "projector", string(registry.Strong), 10)

	result := r.WaitForTimeout("bank", []string{"projector"}, 7, time.Second)

	assert.True(t, result.Ok())
}

func TestWaitFor_BlocksUntilAckReachesTarget(t *testing.T) {
	r := registry.New()
	r.Register("bank", "projector", string(registry.Strong))

	done := make(chan registry.WaitResult, 1)
	go func() {
		done <- r.WaitForTimeout("bank", []string{"projector"}, 7, 2*time.Second)
	}()

	select {
	case <-done:
		t.Fatal("wait_for returned before the handler acked")
	case <-time.After(50 * time.Millisecond):
	}

	r.Ack("bank", "projector", string(registry.Strong), 7)

	select {
	case result := <-done:
		assert.True(t, result.Ok())
	case <-time.After(time.Second):
		t.Fatal("wait_for did not unblock after ack")
	}
}

func TestWaitFor_TimesOutReportingPendingHandlers(t *testing.T) {
	r := registry.New()
	r.Register("bank", "strong-one", string(registry.Strong))

	result := r.WaitForTimeout("bank", []string{"strong-one"}, 7, 30*time.Millisecond)

	require.False(t, result.Ok())
	assert.Equal(t, []string{"strong-one"}, result.Pending)
}

func TestWaitFor_UnregisteredHandlerIsUnsatisfiedNotError(t *testing.T) {
	r := registry.New()

	result := r.WaitForTimeout("bank", []string{"not-started-yet"}, 1, 30*time.Millisecond)

	require.False(t, result.Ok())
	assert.Equal(t, []string{"not-started-yet"}, result.Pending)
}

func TestWaitFor_EventualHandlersAreNeverRelevant(t *testing.T) {
	r := registry.New()
	r.Register("bank", "mailer", string(registry.Eventual))
	r.Ack("bank", "mailer", string(registry.Eventual), 100)

	result := r.WaitForTimeout("bank", []string{"mailer"}, 1, 30*time.Millisecond)

	assert.False(t, result.Ok())
}

func TestListStrong_OnlyReturnsStrongHandlersForTheApplication(t *testing.T) {
	r := registry.New()
	r.Register("bank", "projector", string(registry.Strong))
	r.Register("bank", "mailer", string(registry.Eventual))
	r.Register("other-app", "projector", string(registry.Strong))

	assert.ElementsMatch(t, []string{"projector"}, r.ListStrong("bank"))
}

func TestUnregister_LeavesPendingWaitersToTimeOut(t *testing.T) {
	r := registry.New()
	r.Register("bank", "projector", string(registry.Strong))

	done := make(chan registry.WaitResult, 1)
	go func() {
		done <- r.WaitForTimeout("bank", []string{"projector"}, 7, 200*time.Millisecond)
	}()

	time.Sleep(20 * time.Millisecond)
	r.Unregister("bank", "projector")

	result := <-done
	require.False(t, result.Ok())
	assert.Equal(t, []string{"projector"}, result.Pending)
}

func TestWaitFor_LateRegistrationThenAckWakesPendingWait(t *testing.T) {
	r := registry.New()

	done := make(chan registry.WaitResult, 1)
	go func() {
		done <- r.WaitForTimeout("bank", []string{"projector"}, 7, time.Second)
	}()

	select {
	case <-done:
		t.Fatal("wait_for returned before the handler even registered")
	case <-time.After(50 * time.Millisecond):
	}

	r.Register("bank", "projector", string(registry.Strong))
	r.Ack("bank", "projector", string(registry.Strong), 7)

	select {
	case result := <-done:
		assert.True(t, result.Ok())
	case <-time.After(time.Second):
		t.Fatal("wait_for did not wake after the handler registered and acked")
	}
}

func TestUnregister_ThenReregisterAndAckStillWakesInFlightWait(t *testing.T) {
	r := registry.New()
	r.Register("bank", "projector", string(registry.Strong))

	done := make(chan registry.WaitResult, 1)
	go func() {
		done <- r.WaitForTimeout("bank", []string{"projector"}, 7, time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	r.Unregister("bank", "projector")

	time.Sleep(20 * time.Millisecond)
	r.Register("bank", "projector", string(registry.Strong))
	r.Ack("bank", "projector", string(registry.Strong), 7)

	select {
	case result := <-done:
		assert.True(t, result.Ok())
	case <-time.After(time.Second):
		t.Fatal("wait_for did not wake after the handler restarted and caught back up")
	}
}

func TestWaitFor_RespectsContextCancellation(t *testing.T) {
	r := registry.New()
	r.Register("bank", "projector", string(registry.Strong))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan registry.WaitResult, 1)
	go func() {
		done <- r.WaitFor(ctx, "bank", []string{"projector"}, 7)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case result := <-done:
		assert.False(t, result.Ok())
	case <-time.After(time.Second):
		t.Fatal("wait_for ignored context cancellation")
	}
}
