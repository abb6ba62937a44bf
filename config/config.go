// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package config loads the application configuration of embedpipe.
//
// Values come from defaults, then an optional YAML file, then command-line
// flags or their EMBEDPIPE_* environment variables. Durations are written as
// Go duration strings ("30s").
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/poiesic/embedpipe/ai"
	"github.com/poiesic/embedpipe/ingestion"
	"github.com/poiesic/embedpipe/queue"
	"github.com/poiesic/embedpipe/storage/postgres"
	"gopkg.in/yaml.v3"
)

// Store and queue drivers.
const (
	DriverBadger   = "badger"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// Config holds all configuration for the pipeline.
type Config struct {
	Embedding EmbeddingConfig `yaml:"embedding"`
	Store     StoreConfig     `yaml:"store"`
	Queue     QueueConfig     `yaml:"queue"`
	Consumer  ConsumerConfig  `yaml:"consumer"`
	Async     AsyncConfig     `yaml:"async"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// EmbeddingConfig selects the embedding service.
type EmbeddingConfig struct {
	Host      string        `yaml:"host"`
	Model     string        `yaml:"model"`
	APIKey    string        `yaml:"api_key"`
	APIKeyEnv string        `yaml:"api_key_env"` // read when api_key is empty
	Dimension int           `yaml:"dimension"`
	Timeout   time.Duration `yaml:"timeout"`
	Normalize bool          `yaml:"normalize"`
}

// StoreConfig selects the document store.
type StoreConfig struct {
	Driver       string        `yaml:"driver"` // "badger" or "postgres"
	Path         string        `yaml:"path"`   // badger directory; empty runs in memory
	DSN          string        `yaml:"dsn"`
	Schema       string        `yaml:"schema"`
	Table        string        `yaml:"table"`
	Function     string        `yaml:"function"`
	EnsureSchema bool          `yaml:"ensure_schema"`
	MaxConns     int32         `yaml:"max_conns"`
	Timeout      time.Duration `yaml:"timeout"`
}

// QueueConfig selects the broker and its redelivery policy.
type QueueConfig struct {
	Driver            string        `yaml:"driver"` // "badger" or "redis"
	Path              string        `yaml:"path"`   // badger directory; empty shares the store's
	URL               string        `yaml:"url"`    // redis://host:port/db
	Prefix            string        `yaml:"prefix"`
	MaxReceiveCount   int           `yaml:"max_receive_count"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	PublishTimeout    time.Duration `yaml:"publish_timeout"`
	ReceiveTimeout    time.Duration `yaml:"receive_timeout"`
}

// ConsumerConfig controls batching.
type ConsumerConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	BatchWindow  time.Duration `yaml:"batch_window"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Workers      int           `yaml:"workers"`
}

// AsyncConfig controls the background dispatcher.
type AsyncConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	RetryBase   time.Duration `yaml:"retry_base"`
	Workers     int           `yaml:"workers"`
}

// ServerConfig controls the HTTP entry points.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig controls the default logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// Default returns the default configuration.
func Default() *Config {
	aiDefaults := ai.DefaultConfig()
	policy := queue.DefaultRedeliveryPolicy()
	return &Config{
		Embedding: EmbeddingConfig{
			Host:      aiDefaults.EmbeddingHost,
			Model:     aiDefaults.EmbeddingModel,
			Dimension: aiDefaults.Dimension,
			Timeout:   aiDefaults.Timeout,
		},
		Store: StoreConfig{
			Driver:   DriverBadger,
			Schema:   postgres.DefaultSchema,
			Table:    postgres.DefaultTable,
			Function: postgres.DefaultFunction,
			Timeout:  30 * time.Second,
		},
		Queue: QueueConfig{
			Driver:            DriverBadger,
			Prefix:            "embedpipe",
			MaxReceiveCount:   policy.MaxReceiveCount,
			VisibilityTimeout: policy.VisibilityTimeout,
			BackoffBase:       policy.BackoffBase,
			BackoffMax:        policy.BackoffMax,
			PublishTimeout:    30 * time.Second,
			ReceiveTimeout:    30 * time.Second,
		},
		Consumer: ConsumerConfig{
			BatchSize:    10,
			BatchWindow:  30 * time.Second,
			PollInterval: time.Second,
		},
		Async: AsyncConfig{
			MaxAttempts: 3,
			RetryBase:   time.Second,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	var errs []error
	if err := c.AI().Validate(); err != nil {
		errs = append(errs, err)
	}

	switch c.Store.Driver {
	case DriverBadger:
	case DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store: dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store: unknown driver %q", c.Store.Driver))
	}
	if c.Store.Timeout < 0 {
		errs = append(errs, errors.New("store: timeout cannot be negative"))
	}

	switch c.Queue.Driver {
	case DriverBadger:
	case DriverRedis:
		if c.Queue.URL == "" {
			errs = append(errs, errors.New("queue: url is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("queue: unknown driver %q", c.Queue.Driver))
	}
	if err := c.Policy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("queue: %w", err))
	}

	if c.Consumer.BatchSize < 1 {
		errs = append(errs, errors.New("consumer: batch_size must be at least 1"))
	}
	if c.Consumer.BatchWindow < 0 {
		errs = append(errs, errors.New("consumer: batch_window cannot be negative"))
	}
	if c.Consumer.PollInterval <= 0 {
		errs = append(errs, errors.New("consumer: poll_interval must be positive"))
	}
	if c.Consumer.BatchWindow >= c.Queue.VisibilityTimeout {
		errs = append(errs, errors.New("consumer: batch_window must be shorter than the queue visibility_timeout"))
	}
	if c.Async.MaxAttempts < 1 {
		errs = append(errs, errors.New("async: max_attempts must be at least 1"))
	}
	if c.Async.RetryBase <= 0 {
		errs = append(errs, errors.New("async: retry_base must be positive"))
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging: unknown format %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// AI returns the embedding service configuration.
func (c *Config) AI() *ai.Config {
	key := c.Embedding.APIKey
	if key == "" && c.Embedding.APIKeyEnv != "" {
		key = os.Getenv(c.Embedding.APIKeyEnv)
	}
	return ai.NewConfig(
		ai.WithEmbeddingHost(c.Embedding.Host),
		ai.WithEmbeddingModel(c.Embedding.Model),
		ai.WithAPIKey(key),
		ai.WithDimension(c.Embedding.Dimension),
		ai.WithTimeout(c.Embedding.Timeout),
		ai.WithNormalize(c.Embedding.Normalize),
	)
}

// Postgres returns the PostgreSQL store configuration.
func (c *Config) Postgres() postgres.Config {
	return postgres.Config{
		DSN:          c.Store.DSN,
		Schema:       c.Store.Schema,
		Table:        c.Store.Table,
		Function:     c.Store.Function,
		Dimension:    c.Embedding.Dimension,
		EnsureSchema: c.Store.EnsureSchema,
		MaxConns:     c.Store.MaxConns,
	}
}

// Policy returns the broker's redelivery policy.
func (c *Config) Policy() queue.RedeliveryPolicy {
	return queue.RedeliveryPolicy{
		MaxReceiveCount:   c.Queue.MaxReceiveCount,
		VisibilityTimeout: c.Queue.VisibilityTimeout,
		BackoffBase:       c.Queue.BackoffBase,
		BackoffMax:        c.Queue.BackoffMax,
	}
}

// Timeouts returns the per-call timeouts of the handlers.
func (c *Config) Timeouts() ingestion.Timeouts {
	return ingestion.Timeouts{
		Generate: c.Embedding.Timeout,
		Store:    c.Store.Timeout,
		Publish:  c.Queue.PublishTimeout,
		Receive:  c.Queue.ReceiveTimeout,
	}
}

// SharedBackend reports whether the store and the queue live in one badger
// database.
func (c *Config) SharedBackend() bool {
	return c.Store.Driver == DriverBadger && c.Queue.Driver == DriverBadger &&
		(c.Queue.Path == "" || c.Queue.Path == c.Store.Path)
}
