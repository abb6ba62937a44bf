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


package bulk

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/embedpipe/core"
	"github.com/sethvargo/go-retry"
)

// Enqueuer publishes one document request. ingestion.Producer implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, req *core.DocumentRequest) (*core.EnqueueAck, error)
}

// Config holds configuration for a bulk load.
type Config struct {
	// BatchSize is the number of lines read before publishing them
	BatchSize int

	// Workers is the number of concurrent publishes within a batch
	Workers int

	// ReportInterval is how often to report progress (number of documents)
	ReportInterval int

	// MaxRetries is the maximum number of attempts per document
	MaxRetries int

	// RetryDelay is the base delay for exponential backoff
	RetryDelay time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:      100,
		Workers:        4,
		ReportInterval: 100,
		MaxRetries:     3,
		RetryDelay:     1 * time.Second,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.BatchSize <= 0 {
		return errors.New("batch-size must be greater than 0")
	}
	if c.Workers <= 0 {
		return errors.New("workers must be greater than 0")
	}
	if c.ReportInterval <= 0 {
		return errors.New("report-interval must be greater than 0")
	}
	if c.MaxRetries <= 0 {
		return errors.New("max-retries must be greater than 0")
	}
	if c.RetryDelay <= 0 {
		return errors.New("retry-delay must be positive")
	}
	return nil
}

// Summary counts what a load did.
type Summary struct {
	Lines      int
	Queued     int
	Invalid    int
	Duplicates int // repeats of an earlier (documentId, text) pair
	Failed     int
	Elapsed    time.Duration
}

// contentKey identifies a document request by id and text fingerprint.
type contentKey struct {
	documentID string
	content    core.ID
}

// Loader publishes JSON-lines documents through an Enqueuer.
type Loader struct {
	enqueuer Enqueuer
	config   *Config
	progress io.Writer
	logger   *slog.Logger
}

// NewLoader creates a new loader.
// progress: where to write progress output (typically os.Stderr)
func NewLoader(enqueuer Enqueuer, config *Config, progress io.Writer) *Loader {
	if config == nil {
		config = DefaultConfig()
	}
	if progress == nil {
		progress = io.Discard
	}
	return &Loader{
		enqueuer: enqueuer,
		config:   config,
		progress: progress,
		logger:   slog.Default().With("component", "bulk-loader"),
	}
}

// LoadFile counts the documents in path, then loads them.
func (l *Loader) LoadFile(ctx context.Context, path string) (*Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	total, err := CountLines(f)
	if err != nil {
		return nil, fmt.Errorf("count documents: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return l.Load(ctx, f, total)
}

// Load publishes every document of r. total sizes the progress report and
// may be 0 when unknown. Invalid lines, repeated documents and exhausted
// publishes are counted, not fatal. Load stops early on a read error or
// when ctx is done.
func (l *Loader) Load(ctx context.Context, r io.Reader, total int) (*Summary, error) {
	if err := l.config.Validate(); err != nil {
		return nil, err
	}
	pool, err := ants.NewPool(l.config.Workers)
	if err != nil {
		return nil, err
	}
	defer pool.Release()

	tracker := NewProgressTracker(l.progress, total, l.config.ReportInterval)
	tracker.Start()

	var (
		summary        Summary
		queued, failed atomic.Int64
		seen           = make(map[contentKey]struct{})
	)
	for batch := range Batched(Lines(r), l.config.BatchSize) {
		if err := ctx.Err(); err != nil {
			return l.finish(&summary, tracker, &queued, &failed), err
		}

		var (
			wg       sync.WaitGroup
			readErr  error
			handled  int
			invalid  int
			batchBad atomic.Int64
		)
		for _, line := range batch {
			if line.Number == 0 && line.Err != nil {
				readErr = line.Err
				continue
			}
			handled++
			summary.Lines++
			if line.Err != nil {
				invalid++
				l.logger.Warn("skipping invalid line", "line", line.Number, "err", line.Err)
				continue
			}

			req := line.Request
			key := contentKey{documentID: req.DocumentID, content: core.IDFromContent(req.InputText)}
			if _, dup := seen[key]; dup {
				summary.Duplicates++
				l.logger.Info("skipping duplicate document", "line", line.Number, "document_id", req.DocumentID, "content_id", key.content)
				continue
			}
			seen[key] = struct{}{}

			number := line.Number
			wg.Add(1)
			submitErr := pool.Submit(func() {
				defer wg.Done()
				if err := l.publish(ctx, req); err != nil {
					batchBad.Add(1)
					failed.Add(1)
					l.logger.Error("failed to enqueue document", "line", number, "document_id", req.DocumentID, "err", err)
					return
				}
				queued.Add(1)
			})
			if submitErr != nil {
				wg.Done()
				batchBad.Add(1)
				failed.Add(1)
			}
		}
		wg.Wait()

		summary.Invalid += invalid
		tracker.Add(handled, invalid+int(batchBad.Load()))
		if readErr != nil {
			return l.finish(&summary, tracker, &queued, &failed), readErr
		}
	}

	s := l.finish(&summary, tracker, &queued, &failed)
	fmt.Fprintf(l.progress, "Load complete. %d queued, %d invalid, %d duplicate, %d failed in %v\n",
		s.Queued, s.Invalid, s.Duplicates, s.Failed, s.Elapsed.Round(time.Millisecond))
	return s, nil
}

func (l *Loader) finish(summary *Summary, tracker *ProgressTracker, queued, failed *atomic.Int64) *Summary {
	tracker.Finish()
	summary.Queued = int(queued.Load())
	summary.Failed = int(failed.Load())
	summary.Elapsed = tracker.Elapsed()
	return summary
}

// publish enqueues req, retrying failures that may succeed on a later attempt.
func (l *Loader) publish(ctx context.Context, req *core.DocumentRequest) error {
	backoff := retry.WithMaxRetries(uint64(l.config.MaxRetries-1), retry.NewExponential(l.config.RetryDelay))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		_, err := l.enqueuer.Enqueue(ctx, req)
		if err != nil && core.Retryable(err) {
			l.logger.Debug("enqueue failed, will retry", "document_id", req.DocumentID, "err", err)
			return retry.RetryableError(err)
		}
		return err
	})
}
