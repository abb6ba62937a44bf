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


package ingestion

import (
	"errors"
	"log/slog"
	"runtime"
	"time"

	"github.com/poiesic/embedpipe/metrics"
)

// Timeouts bound every external call a handler makes. A zero value disables
// the bound for that call.
type Timeouts struct {
	Generate time.Duration
	Store    time.Duration
	Publish  time.Duration
	Receive  time.Duration
}

// DefaultTimeouts returns 30s for every call.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Generate: 30 * time.Second,
		Store:    30 * time.Second,
		Publish:  30 * time.Second,
		Receive:  30 * time.Second,
	}
}

// settings is shared by every component in the package. Each constructor
// reads the fields it needs and ignores the rest.
type settings struct {
	logger       *slog.Logger
	timeouts     Timeouts
	poolSize     int
	batchSize    int
	batchWindow  time.Duration
	pollInterval time.Duration
	maxAttempts  int
	retryBase    time.Duration
	recorder     *metrics.Recorder
	now          func() time.Time
}

func defaultSettings() *settings {
	// Default pool size
	poolSize := runtime.NumCPU() / 2
	if poolSize < 1 {
		poolSize = 1
	}
	return &settings{
		logger:       slog.Default(),
		timeouts:     DefaultTimeouts(),
		poolSize:     poolSize,
		batchSize:    10,
		batchWindow:  30 * time.Second,
		pollInterval: time.Second,
		maxAttempts:  3,
		retryBase:    time.Second,
		now:          time.Now,
	}
}

func newSettings(opts []Option) (*settings, error) {
	s := defaultSettings()
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Option configures a handler, producer, consumer or dispatcher.
type Option func(*settings) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// WithTimeouts sets the per-call timeouts.
// Default is DefaultTimeouts().
func WithTimeouts(timeouts Timeouts) Option {
	return func(s *settings) error {
		if timeouts.Generate < 0 || timeouts.Store < 0 || timeouts.Publish < 0 || timeouts.Receive < 0 {
			return errors.New("timeouts cannot be negative")
		}
		s.timeouts = timeouts
		return nil
	}
}

// WithPoolSize sets the worker pool size for concurrent processing.
// Default is runtime.NumCPU() / 2, with a minimum of 1.
func WithPoolSize(size int) Option {
	return func(s *settings) error {
		if size < 1 {
			size = 1
		}
		s.poolSize = size
		return nil
	}
}

// WithBatchSize sets the most messages a consumer processes at once.
// Default is 10.
func WithBatchSize(size int) Option {
	return func(s *settings) error {
		if size < 1 {
			return errors.New("batch size must be at least 1")
		}
		s.batchSize = size
		return nil
	}
}

// WithBatchWindow sets how long a consumer waits to fill a batch once the
// first message arrived. Zero dispatches whatever one receive returned.
// Default is 30s.
func WithBatchWindow(window time.Duration) Option {
	return func(s *settings) error {
		if window < 0 {
			return errors.New("batch window cannot be negative")
		}
		s.batchWindow = window
		return nil
	}
}

// WithPollInterval sets how long a consumer sleeps after an empty receive.
// Default is 1s.
func WithPollInterval(interval time.Duration) Option {
	return func(s *settings) error {
		if interval <= 0 {
			return errors.New("poll interval must be positive")
		}
		s.pollInterval = interval
		return nil
	}
}

// WithRetry sets the attempt budget and first backoff of the async
// dispatcher. Default is 3 attempts starting at 1s.
func WithRetry(attempts int, base time.Duration) Option {
	return func(s *settings) error {
		if attempts < 1 {
			return errors.New("retry attempts must be at least 1")
		}
		if base <= 0 {
			return errors.New("retry backoff must be positive")
		}
		s.maxAttempts = attempts
		s.retryBase = base
		return nil
	}
}

// WithRecorder records invocations and generator latency.
// Default is no recording.
func WithRecorder(recorder *metrics.Recorder) Option {
	return func(s *settings) error {
		s.recorder = recorder
		return nil
	}
}

// WithClock overrides the time source used for message timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *settings) error {
		if now == nil {
			return errors.New("clock cannot be nil")
		}
		s.now = now
		return nil
	}
}
