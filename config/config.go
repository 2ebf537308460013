// Package config loads the ambient, process-wide settings for an
// eventflowd process: the event store address, the process-wide default
// consistency, ack timeouts, and the observability exporter endpoint.
// Load reads a config file and EVENTFLOW_-prefixed environment
// variables; the runtime packages read neither and receive the resulting
// settings explicitly.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full set of ambient settings read at process startup.
type Config struct {
	Store       StoreConfig       `mapstructure:"store"`
	Consistency ConsistencyConfig `mapstructure:"consistency"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

// StoreConfig points at the NATS Streaming cluster backing the event
// store.
type StoreConfig struct {
	Address        string        `mapstructure:"address"`
	Cluster        string        `mapstructure:"cluster"`
	ClientID       string        `mapstructure:"client_id"`
	AckTimeout     time.Duration `mapstructure:"ack_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// ConsistencyConfig carries the process-wide default consistency a
// handler falls back to when it declares none explicitly.
type ConsistencyConfig struct {
	ProcessDefault string `mapstructure:"process_default"`
}

// TelemetryConfig points the OTel SDK at its collector.
type TelemetryConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	ServiceName    string `mapstructure:"service_name"`
	ServiceVersion string `mapstructure:"service_version"`
}

// Load reads path (or, with path empty, searches the working directory
// for eventflowd.yaml/.json/.toml), overlays environment variables
// prefixed EVENTFLOW_ (nested keys separated by underscores, matching
// the mapstructure tags), applies defaults, and validates the result.
func Load(path string) (Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("eventflowd")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("eventflow")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.address", "nats://localhost:4222")
	v.SetDefault("store.cluster", "test-cluster")
	v.SetDefault("store.client_id", "eventflowd")
	v.SetDefault("store.ack_timeout", 30*time.Second)
	v.SetDefault("store.connect_timeout", 10*time.Second)
	v.SetDefault("consistency.process_default", "eventual")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "eventflowd")
	v.SetDefault("telemetry.service_version", "")
	v.SetDefault("telemetry.otlp_endpoint", "")
}

// Validate enforces the constraints Load's defaults alone can't: a
// process default consistency must be one of the two valid values, and
// an enabled telemetry exporter needs an endpoint to send to.
func (c Config) Validate() error {
	switch c.Consistency.ProcessDefault {
	case "eventual", "strong":
	default:
		return fmt.Errorf("config: consistency.process_default must be %q or %q, got %q", "eventual", "strong", c.Consistency.ProcessDefault)
	}

	if c.Store.Address == "" {
		return fmt.Errorf("config: store.address is required")
	}

	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("config: telemetry.otlp_endpoint is required when telemetry.enabled is true")
	}

	return nil
}
