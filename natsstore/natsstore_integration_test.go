//go:build integration

package natsstore_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/dbhi-oss/eventflow"
	"github.com/dbhi-oss/eventflow/natsstore"
)

// setupTestContainer starts a nats-streaming server: one generic
// container, a wait strategy on the exposed port, and a cleanup closure.
func setupTestContainer(t *testing.T) (addr string, cleanup func()) {
	t.Helper()

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "nats-streaming:0.25-alpine",
		ExposedPorts: []string{"4222/tcp"},
		Cmd:          []string{"-cid", "test-cluster"},
		WaitingFor:   wait.ForListeningPort(nat.Port("4222/tcp")),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)

	port, err := container.MappedPort(ctx, "4222")
	require.NoError(t, err)

	addr = fmt.Sprintf("nats://localhost:%s", port.Port())

	cleanup = func() { _ = container.Terminate(ctx) }

	return addr, cleanup
}

func TestStore_PublishAndSubscribeRoundTrip(t *testing.T) {
	addr, cleanup := setupTestContainer(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := natsstore.Connect(ctx, addr, "test-cluster", "eventflow-test", natsstore.Options{})
	require.NoError(t, err)
	defer store.Close()

	_, err = store.Publish("ACC123", "ACC123", 0, "BankAccountOpened",
		map[string]interface{}{"balance": 1000.0}, nil, "", "")
	require.NoError(t, err)

	sub, err := store.Subscribe(ctx, "bank", "projector", eventflow.AllStreams(), eventflow.StartFromOrigin())
	require.NoError(t, err)
	defer sub.Close()

	select {
	case batch := <-sub.Events():
		require.Len(t, batch, 1)
		require.NoError(t, sub.Ack(batch[0].EventNumber))
	case <-time.After(10 * time.Second):
		t.Fatal("did not receive the published event")
	}
}
