// Command eventflowctl is the operator control surface for eventflowd:
// reset is the only signal an operator delivers to a running handler
// from outside its own process. wait_for and list_strong are dispatcher
// call-sites, not operator actions, and have no CLI here.
package main

import (
	"context"
	"fmt"
	"log"

	"github.com/dbhi-oss/eventflow/config"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		log.Fatal(err)
	}
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("eventflowctl: %w", err)
	}
	return cfg, nil
}

func contextWithSignals() (context.Context, context.CancelFunc) {
	return context.WithCancel(context.Background())
}
