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


// Package embedpipe assembles the embedding pipeline from a config.Config.
//
// A Pipeline owns the embedding provider, the document store and the broker,
// and hands out the three invocation patterns built on them:
//
//	p, err := embedpipe.Open(ctx, cfg)
//	if err != nil {
//	    return err
//	}
//	defer p.Close()
//
//	resp, err := p.Sync().Handle(ctx, &core.EmbedRequest{InputText: "hello"})
package embedpipe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/poiesic/embedpipe/ai"
	"github.com/poiesic/embedpipe/ai/openai"
	"github.com/poiesic/embedpipe/api"
	"github.com/poiesic/embedpipe/config"
	"github.com/poiesic/embedpipe/ingestion"
	"github.com/poiesic/embedpipe/metrics"
	"github.com/poiesic/embedpipe/queue"
	queuebadger "github.com/poiesic/embedpipe/queue/badger"
	queueredis "github.com/poiesic/embedpipe/queue/redis"
	"github.com/poiesic/embedpipe/storage"
	storebadger "github.com/poiesic/embedpipe/storage/badger"
	"github.com/poiesic/embedpipe/storage/postgres"
	"github.com/prometheus/client_golang/prometheus"
)

// Pipeline wires the configured components together.
type Pipeline struct {
	config       *config.Config
	provider     ai.AIProvider
	store        storage.DocumentStore
	storeBackend *storebadger.Backend
	queueBackend *storebadger.Backend
	broker       queue.Broker
	recorder     *metrics.Recorder
	sync         *ingestion.SyncHandler
	async        *ingestion.AsyncHandler
	dispatcher   *ingestion.AsyncDispatcher
	producer     *ingestion.Producer
	logger       *slog.Logger
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*pipelineOptions)

type pipelineOptions struct {
	provider ai.AIProvider
	registry *prometheus.Registry
	logger   *slog.Logger
}

// WithProvider replaces the OpenAI-compatible provider built from the
// config, typically with mock.NewMockProvider in tests.
func WithProvider(provider ai.AIProvider) PipelineOption {
	return func(o *pipelineOptions) {
		o.provider = provider
	}
}

// WithRegistry registers the pipeline metrics on registry.
func WithRegistry(registry *prometheus.Registry) PipelineOption {
	return func(o *pipelineOptions) {
		o.registry = registry
	}
}

// WithLogger sets the logger handed to every component.
func WithLogger(logger *slog.Logger) PipelineOption {
	return func(o *pipelineOptions) {
		o.logger = logger
	}
}

// Open validates cfg and opens every component it names. On error the
// components opened so far are closed again.
func Open(ctx context.Context, cfg *config.Config, opts ...PipelineOption) (*Pipeline, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	options := &pipelineOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(options)
	}

	p := &Pipeline{config: cfg, logger: options.logger}
	if err := p.open(ctx, options); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *Pipeline) open(ctx context.Context, options *pipelineOptions) error {
	cfg := p.config

	p.provider = options.provider
	if p.provider == nil {
		provider, err := openai.NewProvider(cfg.AI())
		if err != nil {
			return fmt.Errorf("open embedding provider: %w", err)
		}
		p.provider = provider
	}
	if p.provider.Dimension() != cfg.Embedding.Dimension {
		return fmt.Errorf("provider dimension %d does not match configured dimension %d",
			p.provider.Dimension(), cfg.Embedding.Dimension)
	}

	if err := p.openStore(ctx); err != nil {
		return err
	}
	if err := p.openBroker(ctx); err != nil {
		return err
	}

	recorder, err := metrics.NewRecorder(options.registry)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	p.recorder = recorder

	common := p.options()
	embedder := p.provider.Embedder()
	if p.sync, err = ingestion.NewSyncHandler(embedder, common...); err != nil {
		return err
	}
	if p.async, err = ingestion.NewAsyncHandler(embedder, p.store, common...); err != nil {
		return err
	}
	dispatchOpts := append(common, ingestion.WithRetry(cfg.Async.MaxAttempts, cfg.Async.RetryBase))
	if cfg.Async.Workers > 0 {
		dispatchOpts = append(dispatchOpts, ingestion.WithPoolSize(cfg.Async.Workers))
	}
	if p.dispatcher, err = ingestion.NewAsyncDispatcher(p.async, p.broker, dispatchOpts...); err != nil {
		return err
	}
	if p.producer, err = ingestion.NewProducer(p.broker, common...); err != nil {
		return err
	}
	return nil
}

func (p *Pipeline) openStore(ctx context.Context) error {
	cfg := p.config
	switch cfg.Store.Driver {
	case config.DriverPostgres:
		store, err := postgres.Open(ctx, cfg.Postgres())
		if err != nil {
			return fmt.Errorf("open postgres store: %w", err)
		}
		p.store = store
	default:
		backend, err := storebadger.OpenBackend(cfg.Store.Path, cfg.Store.Path == "")
		if err != nil {
			return fmt.Errorf("open badger store: %w", err)
		}
		p.storeBackend = backend
		store, err := storebadger.NewDocumentStore(backend, cfg.Embedding.Dimension)
		if err != nil {
			return err
		}
		p.store = store
	}
	return nil
}

func (p *Pipeline) openBroker(ctx context.Context) error {
	cfg := p.config
	switch cfg.Queue.Driver {
	case config.DriverRedis:
		broker, err := queueredis.Open(ctx, cfg.Queue.URL,
			queueredis.WithPolicy(cfg.Policy()),
			queueredis.WithPrefix(cfg.Queue.Prefix),
			queueredis.WithLogger(p.logger),
		)
		if err != nil {
			return fmt.Errorf("open redis queue: %w", err)
		}
		p.broker = broker
	default:
		backend := p.storeBackend
		if !cfg.SharedBackend() {
			var err error
			backend, err = storebadger.OpenBackend(cfg.Queue.Path, cfg.Queue.Path == "")
			if err != nil {
				return fmt.Errorf("open badger queue: %w", err)
			}
			p.queueBackend = backend
		}
		broker, err := queuebadger.NewBroker(backend,
			queuebadger.WithPolicy(cfg.Policy()),
			queuebadger.WithLogger(p.logger),
		)
		if err != nil {
			return err
		}
		p.broker = broker
	}
	return nil
}

func (p *Pipeline) options() []ingestion.Option {
	return []ingestion.Option{
		ingestion.WithLogger(p.logger),
		ingestion.WithTimeouts(p.config.Timeouts()),
		ingestion.WithRecorder(p.recorder),
	}
}

// NewConsumer creates a queue consumer using the configured batching.
// The caller runs it and must call Release when done.
func (p *Pipeline) NewConsumer(opts ...ingestion.Option) (*ingestion.Consumer, error) {
	cfg := p.config
	all := append(p.options(),
		ingestion.WithBatchSize(cfg.Consumer.BatchSize),
		ingestion.WithBatchWindow(cfg.Consumer.BatchWindow),
		ingestion.WithPollInterval(cfg.Consumer.PollInterval),
	)
	if cfg.Consumer.Workers > 0 {
		all = append(all, ingestion.WithPoolSize(cfg.Consumer.Workers))
	}
	return ingestion.NewConsumer(p.broker, p.provider.Embedder(), p.store, append(all, opts...)...)
}

// Services returns every component the HTTP API can serve.
func (p *Pipeline) Services() api.Services {
	return api.Services{
		Sync:        p.sync,
		Async:       p.async,
		Dispatcher:  p.dispatcher,
		Producer:    p.producer,
		DeadLetters: p.broker,
		Stats:       p.broker,
		Documents:   p.store,
		Recorder:    p.recorder,
	}
}

func (p *Pipeline) Sync() *ingestion.SyncHandler {
	return p.sync
}

func (p *Pipeline) Async() *ingestion.AsyncHandler {
	return p.async
}

func (p *Pipeline) Dispatcher() *ingestion.AsyncDispatcher {
	return p.dispatcher
}

func (p *Pipeline) Producer() *ingestion.Producer {
	return p.producer
}

func (p *Pipeline) Broker() queue.Broker {
	return p.broker
}

func (p *Pipeline) Store() storage.DocumentStore {
	return p.store
}

func (p *Pipeline) Recorder() *metrics.Recorder {
	return p.recorder
}

// Close waits for dispatched work, then closes the components in reverse
// order of opening. It returns every close error joined.
func (p *Pipeline) Close() error {
	var errs []error
	if p.dispatcher != nil {
		p.dispatcher.Wait()
		p.dispatcher.Release()
	}
	if p.broker != nil {
		if err := p.broker.Close(); err != nil {
			p.logger.Error("error closing queue", "err", err)
			errs = append(errs, err)
		}
	}
	if p.queueBackend != nil {
		if err := p.queueBackend.Close(); err != nil {
			p.logger.Error("error closing queue backend", "err", err)
			errs = append(errs, err)
		}
	}
	if p.store != nil {
		if err := p.store.Close(); err != nil {
			p.logger.Error("error closing document store", "err", err)
			errs = append(errs, err)
		}
	}
	if p.storeBackend != nil {
		if err := p.storeBackend.Close(); err != nil {
			p.logger.Error("error closing backend storage", "err", err)
			errs = append(errs, err)
		}
	}
	if p.provider != nil {
		if err := p.provider.Close(); err != nil {
			p.logger.Error("error closing AI provider", "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
