// Command eventflowd runs a fleet of event handler agents declared in a
// manifest file against a NATS Streaming event store. Each declared
// handler's implementation is looked up by name in builtinHandlers; add
// new handlers to the binary by registering a factory there.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/dbhi-oss/eventflow"
	"github.com/dbhi-oss/eventflow/config"
	"github.com/dbhi-oss/eventflow/manifest"
	"github.com/dbhi-oss/eventflow/natsstore"
	"github.com/dbhi-oss/eventflow/registry"
	"github.com/dbhi-oss/eventflow/telemetry"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	_, _ = maxprocs.Set()

	var (
		configPath   string
		manifestPath string
	)
	flag.StringVar(&configPath, "config", "", "Path to eventflowd's ambient config file.")
	flag.StringVar(&manifestPath, "manifest", "handlers.yaml", "Path to the handler manifest.")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("eventflowd: %w", err)
	}

	m, err := manifest.Load(manifestPath)
	if err != nil {
		return fmt.Errorf("eventflowd: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracer, shutdownTelemetry, err := setupTelemetry(ctx, cfg)
	if err != nil {
		return fmt.Errorf("eventflowd: %w", err)
	}
	if shutdownTelemetry != nil {
		defer shutdownTelemetry(context.Background())
	}

	store, err := natsstore.Connect(ctx, cfg.Store.Address, cfg.Store.Cluster, cfg.Store.ClientID, natsstore.Options{
		Logger: eventflow.DefaultLogger,
	})
	if err != nil {
		return fmt.Errorf("eventflowd: connect store: %w", err)
	}
	defer store.Close()

	reg := registry.New()

	handlers := make([]*eventflow.Handler, 0, len(m.Handlers))
	for _, spec := range m.Handlers {
		cb, err := builtinHandlers.Build(spec)
		if err != nil {
			return fmt.Errorf("eventflowd: %s/%s: %w", spec.Application, spec.Name, err)
		}

		h, err := eventflow.Start(ctx, spec.Options(), cb, eventflow.Config{
			Store:                     store,
			Registry:                  reg,
			Logger:                    eventflow.DefaultLogger,
			Tracer:                    tracer,
			ProcessDefaultConsistency: eventflow.Consistency(cfg.Consistency.ProcessDefault),
		})
		if err != nil {
			return fmt.Errorf("eventflowd: start %s/%s: %w", spec.Application, spec.Name, err)
		}

		handlers = append(handlers, h)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		eventflow.DefaultLogger.Printf("received %s, stopping %d handlers", sig, len(handlers))
		cancel()
	case <-ctx.Done():
	}

	for _, h := range handlers {
		h.Stop()
		<-h.Done()
	}

	return nil
}

// setupTelemetry wires the real OTel SDK when telemetry is enabled in
// config, otherwise returns a no-op tracer so eventflow.Start's own
// default never has to be relied on at this layer.
func setupTelemetry(ctx context.Context, cfg config.Config) (trace.Tracer, func(context.Context) error, error) {
	if !cfg.Telemetry.Enabled {
		return noop.NewTracerProvider().Tracer("eventflowd"), nil, nil
	}

	tracer, shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		Insecure:       true,
	})
	if err != nil {
		return nil, nil, err
	}

	return tracer, shutdown, nil
}
