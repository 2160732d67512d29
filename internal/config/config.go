// Package config loads the YAML configuration for the exchange's ambient
// collaborators: broker transport/bounds and executor pool sizing.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	AppName  string         `yaml:"app_name"`
	Debug    bool           `yaml:"debug"`
	Broker   BrokerConfig   `yaml:"broker"`
	Executor ExecutorConfig `yaml:"executor"`
}

// BrokerConfig configures the Exchange broker and its optional network
// transport.
type BrokerConfig struct {
	// Address the broker's TCP transport listens on, e.g. ":9101". Load
	// replaces an empty value with the default address.
	Address string `yaml:"address"`
	// MaxQueueSize bounds each recipient's FIFO queue. 0 means unbounded,
	// matching the source's default behavior.
	MaxQueueSize int `yaml:"max_queue_size"`
	// CompressAboveBytes is the payload size threshold above which the
	// wire codec zstd-compresses an envelope.
	CompressAboveBytes int `yaml:"compress_above_bytes"`
}

// ExecutorConfig configures a RequestExecutor's cooperative task loop and
// blocking worker pool.
type ExecutorConfig struct {
	WorkerPoolSize int
	// DefaultTimeout is expressed on the wire as a duration string (e.g.
	// "2.5s", "90s"), not a bare integer: yaml.v3 has no built-in conversion
	// from a YAML scalar to time.Duration, so ExecutorConfig carries its own
	// MarshalYAML/UnmarshalYAML below.
	DefaultTimeout time.Duration
}

type executorConfigWire struct {
	WorkerPoolSize int    `yaml:"worker_pool_size"`
	DefaultTimeout string `yaml:"default_timeout"`
}

// MarshalYAML implements custom YAML marshaling for ExecutorConfig to handle
// time.Duration.
func (e ExecutorConfig) MarshalYAML() (interface{}, error) {
	return executorConfigWire{
		WorkerPoolSize: e.WorkerPoolSize,
		DefaultTimeout: e.DefaultTimeout.String(),
	}, nil
}

// UnmarshalYAML implements custom YAML unmarshaling for ExecutorConfig to
// handle time.Duration.
func (e *ExecutorConfig) UnmarshalYAML(node *yaml.Node) error {
	var raw executorConfigWire
	if err := node.Decode(&raw); err != nil {
		return err
	}
	e.WorkerPoolSize = raw.WorkerPoolSize
	if raw.DefaultTimeout == "" {
		e.DefaultTimeout = 0
		return nil
	}
	d, err := time.ParseDuration(raw.DefaultTimeout)
	if err != nil {
		return fmt.Errorf("executor.default_timeout: %w", err)
	}
	e.DefaultTimeout = d
	return nil
}

// Default returns the hardcoded default configuration, used when no config
// file is supplied.
func Default() *Config {
	return &Config{
		AppName: "von-x",
		Debug:   false,
		Broker: BrokerConfig{
			Address:            ":9101",
			MaxQueueSize:       0,
			CompressAboveBytes: 4096,
		},
		Executor: ExecutorConfig{
			WorkerPoolSize: 16,
			DefaultTimeout: 0,
		},
	}
}

// Load reads and parses a YAML config file, filling in defaults for any
// field the file leaves at its zero value and validating the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if cfg.Broker.Address == "" {
		cfg.Broker.Address = Default().Broker.Address
	}
	if cfg.Broker.CompressAboveBytes <= 0 {
		cfg.Broker.CompressAboveBytes = Default().Broker.CompressAboveBytes
	}
	if cfg.Executor.WorkerPoolSize <= 0 {
		cfg.Executor.WorkerPoolSize = Default().Executor.WorkerPoolSize
	}
	if cfg.Broker.MaxQueueSize < 0 {
		return nil, fmt.Errorf("config: broker.max_queue_size must be >= 0, got %d", cfg.Broker.MaxQueueSize)
	}
	return cfg, nil
}
