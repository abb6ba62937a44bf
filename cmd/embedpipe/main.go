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


package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/poiesic/embedpipe"
	"github.com/poiesic/embedpipe/api"
	"github.com/poiesic/embedpipe/bulk"
	"github.com/poiesic/embedpipe/config"
	"github.com/poiesic/embedpipe/core"
	"github.com/poiesic/embedpipe/queue"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

const configKey = "config"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// newApp builds the command tree. opts are passed to every opened pipeline.
func newApp(opts ...embedpipe.PipelineOption) *cli.App {
	run := func(action func(c *cli.Context, p *embedpipe.Pipeline) error) cli.ActionFunc {
		return func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer stop()

			p, err := embedpipe.Open(ctx, appConfig(c), append(opts, embedpipe.WithLogger(slog.Default()))...)
			if err != nil {
				return fmt.Errorf("failed to open pipeline: %w", err)
			}
			defer p.Close()

			c.Context = ctx
			return action(c, p)
		}
	}

	return &cli.App{
		Name:  "embedpipe",
		Usage: "Embedding ingestion pipeline with sync, async and queued invocation",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML configuration file",
				EnvVars: []string{"EMBEDPIPE_CONFIG"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error); overrides the config file",
				EnvVars: []string{"EMBEDPIPE_LOG_LEVEL"},
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Set log format (text, json); overrides the config file",
				EnvVars: []string{"EMBEDPIPE_LOG_FORMAT"},
			},
			&cli.StringFlag{
				Name:    "store-driver",
				Usage:   "Document store (badger, postgres); overrides store.driver",
				EnvVars: []string{"EMBEDPIPE_STORE_DRIVER"},
			},
			&cli.StringFlag{
				Name:    "store-path",
				Usage:   "Badger data directory; overrides store.path",
				EnvVars: []string{"EMBEDPIPE_STORE_PATH"},
			},
			&cli.StringFlag{
				Name:    "store-dsn",
				Usage:   "PostgreSQL connection string; overrides store.dsn",
				EnvVars: []string{"EMBEDPIPE_STORE_DSN"},
			},
			&cli.StringFlag{
				Name:    "queue-driver",
				Usage:   "Queue broker (badger, redis); overrides queue.driver",
				EnvVars: []string{"EMBEDPIPE_QUEUE_DRIVER"},
			},
			&cli.StringFlag{
				Name:    "queue-url",
				Usage:   "Redis URL; overrides queue.url",
				EnvVars: []string{"EMBEDPIPE_QUEUE_URL"},
			},
			&cli.IntFlag{
				Name:    "max-receive-count",
				Usage:   "Receives before a message is dead-lettered; overrides queue.max_receive_count",
				EnvVars: []string{"EMBEDPIPE_MAX_RECEIVE_COUNT"},
			},
			&cli.DurationFlag{
				Name:    "visibility-timeout",
				Usage:   "Lease length of a received message; overrides queue.visibility_timeout",
				EnvVars: []string{"EMBEDPIPE_VISIBILITY_TIMEOUT"},
			},
			&cli.StringFlag{
				Name:    "embedding-host",
				Usage:   "Embedding service base URL; overrides embedding.host",
				EnvVars: []string{"EMBEDPIPE_EMBEDDING_HOST"},
			},
			&cli.StringFlag{
				Name:    "embedding-model",
				Usage:   "Embedding model; overrides embedding.model",
				EnvVars: []string{"EMBEDPIPE_EMBEDDING_MODEL"},
			},
			&cli.IntFlag{
				Name:    "dimension",
				Usage:   "Vector dimension; overrides embedding.dimension",
				EnvVars: []string{"EMBEDPIPE_DIMENSION"},
			},
			&cli.IntFlag{
				Name:    "consumer-batch-size",
				Usage:   "Messages per consumer batch; overrides consumer.batch_size",
				EnvVars: []string{"EMBEDPIPE_CONSUMER_BATCH_SIZE"},
			},
			&cli.DurationFlag{
				Name:    "consumer-batch-window",
				Usage:   "Longest wait to fill a consumer batch; overrides consumer.batch_window",
				EnvVars: []string{"EMBEDPIPE_CONSUMER_BATCH_WINDOW"},
			},
			&cli.IntFlag{
				Name:    "consumer-workers",
				Usage:   "Concurrent messages per consumer batch; overrides consumer.workers",
				EnvVars: []string{"EMBEDPIPE_CONSUMER_WORKERS"},
			},
		},
		Before: loadConfig,
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Serve the HTTP API",
				Action: run(serveCommand),
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "addr",
						Usage:   "Listen address; overrides server.addr",
						EnvVars: []string{"EMBEDPIPE_ADDR"},
					},
					&cli.BoolFlag{
						Name:  "consume",
						Usage: "Also run the queue consumer in this process",
					},
				},
			},
			{
				Name:   "consume",
				Usage:  "Consume queued documents until interrupted",
				Action: run(consumeCommand),
			},
			{
				Name:   "embed",
				Usage:  "Embed text and print the vector",
				Action: run(embedCommand),
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "text",
						Aliases:  []string{"t"},
						Usage:    "Text to embed",
						Required: true,
					},
				},
			},
			{
				Name:   "ingest",
				Usage:  "Embed a document and store its vector",
				Action: run(ingestCommand),
				Flags:  documentFlags(),
			},
			{
				Name:   "enqueue",
				Usage:  "Publish documents to the queue",
				Action: run(enqueueCommand),
				Flags: append(documentFlags(),
					&cli.StringFlag{
						Name:    "file",
						Aliases: []string{"f"},
						Usage:   "JSON-lines file of documents to publish",
					},
					&cli.IntFlag{
						Name:  "batch-size",
						Usage: "Number of lines to read per batch",
						Value: 100,
					},
					&cli.IntFlag{
						Name:  "workers",
						Usage: "Number of concurrent publishes",
						Value: 4,
					},
					&cli.IntFlag{
						Name:  "report-interval",
						Usage: "Report progress every N documents",
						Value: 100,
					},
					&cli.IntFlag{
						Name:  "max-retries",
						Usage: "Maximum attempts per document",
						Value: 3,
					},
					&cli.DurationFlag{
						Name:  "retry-delay",
						Usage: "Base delay for exponential backoff",
						Value: 1 * time.Second,
					},
				),
			},
			{
				Name:  "deadletters",
				Usage: "Inspect and manage the dead-letter area",
				Subcommands: []*cli.Command{
					{
						Name:   "list",
						Usage:  "List dead letters, oldest first",
						Action: run(listDeadLettersCommand),
						Flags: []cli.Flag{
							&cli.IntFlag{
								Name:  "limit",
								Usage: "Maximum number of dead letters to list",
								Value: 100,
							},
							&cli.BoolFlag{
								Name:  "json",
								Usage: "Print JSON instead of a table",
							},
						},
					},
					{
						Name:      "redrive",
						Usage:     "Move dead letters back to the queue",
						ArgsUsage: "ID...",
						Action:    run(redriveCommand),
					},
					{
						Name:      "purge",
						Usage:     "Delete dead letters",
						ArgsUsage: "ID...",
						Action:    run(purgeCommand),
					},
				},
			},
			{
				Name:   "stats",
				Usage:  "Print queue counters",
				Action: run(statsCommand),
			},
		},
	}
}

func documentFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "id",
			Usage: "Document identifier",
		},
		&cli.StringFlag{
			Name:    "text",
			Aliases: []string{"t"},
			Usage:   "Document text",
		},
	}
}

func documentRequest(c *cli.Context) *core.DocumentRequest {
	return &core.DocumentRequest{DocumentID: c.String("id"), InputText: c.String("text")}
}

func serveCommand(c *cli.Context, p *embedpipe.Pipeline) error {
	cfg := appConfig(c)
	addr := cfg.Server.Addr
	if c.IsSet("addr") {
		addr = c.String("addr")
	}

	if !strings.EqualFold(cfg.Logging.Level, "debug") {
		gin.SetMode(gin.ReleaseMode)
	}
	server := api.NewServer(p.Services(), api.WithLogger(slog.Default()))
	if !c.Bool("consume") {
		return server.Run(c.Context, addr, cfg.Server.ShutdownTimeout)
	}

	consumer, err := p.NewConsumer()
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}
	defer consumer.Release()

	g, ctx := errgroup.WithContext(c.Context)
	g.Go(func() error {
		return server.Run(ctx, addr, cfg.Server.ShutdownTimeout)
	})
	g.Go(func() error {
		return consumer.Run(ctx)
	})
	return g.Wait()
}

func consumeCommand(c *cli.Context, p *embedpipe.Pipeline) error {
	consumer, err := p.NewConsumer()
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}
	defer consumer.Release()

	slog.Info("consuming queue", "batch_size", appConfig(c).Consumer.BatchSize)
	return consumer.Run(c.Context)
}

func embedCommand(c *cli.Context, p *embedpipe.Pipeline) error {
	resp, err := p.Sync().Handle(c.Context, &core.EmbedRequest{InputText: c.String("text")})
	if err != nil {
		return err
	}
	return writeJSON(c.App.Writer, resp)
}

func ingestCommand(c *cli.Context, p *embedpipe.Pipeline) error {
	ack, err := p.Async().Handle(c.Context, documentRequest(c))
	if err != nil {
		return err
	}
	return writeJSON(c.App.Writer, ack)
}

func enqueueCommand(c *cli.Context, p *embedpipe.Pipeline) error {
	path := c.String("file")
	if path == "" {
		ack, err := p.Producer().Enqueue(c.Context, documentRequest(c))
		if err != nil {
			return err
		}
		return writeJSON(c.App.Writer, ack)
	}
	if c.IsSet("id") || c.IsSet("text") {
		return errors.New("--file cannot be combined with --id or --text")
	}

	loader := bulk.NewLoader(p.Producer(), &bulk.Config{
		BatchSize:      c.Int("batch-size"),
		Workers:        c.Int("workers"),
		ReportInterval: c.Int("report-interval"),
		MaxRetries:     c.Int("max-retries"),
		RetryDelay:     c.Duration("retry-delay"),
	}, c.App.ErrWriter)

	fmt.Fprintf(c.App.ErrWriter, "File: %s\n", path)
	fmt.Fprintln(c.App.ErrWriter)

	summary, err := loader.LoadFile(c.Context, path)
	if err != nil {
		return fmt.Errorf("bulk enqueue failed: %w", err)
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d documents could not be queued", summary.Failed, summary.Lines)
	}
	return nil
}

type deadLetterView struct {
	ID             string    `json:"id"`
	Body           string    `json:"body"`
	ReceiveCount   int       `json:"receiveCount"`
	Reason         string    `json:"reason"`
	EnqueuedAt     time.Time `json:"enqueuedAt"`
	DeadLetteredAt time.Time `json:"deadLetteredAt"`
}

func listDeadLettersCommand(c *cli.Context, p *embedpipe.Pipeline) error {
	dead, err := p.Broker().DeadLetters(c.Context, c.Int("limit"))
	if err != nil {
		return err
	}

	if c.Bool("json") {
		out := make([]deadLetterView, 0, len(dead))
		for _, d := range dead {
			out = append(out, deadLetterView{
				ID:             d.ID,
				Body:           string(d.Body),
				ReceiveCount:   d.ReceiveCount,
				Reason:         d.Reason,
				EnqueuedAt:     d.EnqueuedAt,
				DeadLetteredAt: d.DeadLetteredAt,
			})
		}
		return writeJSON(c.App.Writer, out)
	}

	w := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tRECEIVES\tDEAD LETTERED\tREASON")
	for _, d := range dead {
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", d.ID, d.ReceiveCount, d.DeadLetteredAt.Format(time.RFC3339), d.Reason)
	}
	return w.Flush()
}

func redriveCommand(c *cli.Context, p *embedpipe.Pipeline) error {
	return eachID(c, "redrive", p.Broker().Redrive)
}

func purgeCommand(c *cli.Context, p *embedpipe.Pipeline) error {
	return eachID(c, "purge", p.Broker().Purge)
}

// eachID applies fn to every argument and reports the ids it could not find.
func eachID(c *cli.Context, verb string, fn func(ctx context.Context, id string) error) error {
	ids := c.Args().Slice()
	if len(ids) == 0 {
		return fmt.Errorf("%s requires at least one id", verb)
	}

	var errs []error
	for _, id := range ids {
		err := fn(c.Context, id)
		switch {
		case errors.Is(err, queue.ErrNotFound):
			errs = append(errs, fmt.Errorf("%s: no dead letter with id %s", verb, id))
		case err != nil:
			errs = append(errs, fmt.Errorf("%s %s: %w", verb, id, err))
		default:
			fmt.Fprintf(c.App.Writer, "%s: %s\n", verb, id)
		}
	}
	return errors.Join(errs...)
}

func statsCommand(c *cli.Context, p *embedpipe.Pipeline) error {
	stats, err := p.Broker().Stats(c.Context)
	if err != nil {
		return err
	}
	documents, err := p.Store().Count(c.Context)
	if err != nil {
		return err
	}
	return writeJSON(c.App.Writer, map[string]int{
		"visible":      stats.Visible,
		"delayed":      stats.Delayed,
		"deadLettered": stats.DeadLettered,
		"documents":    documents,
	})
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// loadConfig reads the config file, applies the global flags and installs
// the default logger.
func loadConfig(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	applyFlags(c, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := setupLogger(c.App.ErrWriter, cfg.Logging)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	if c.App.Metadata == nil {
		c.App.Metadata = make(map[string]any)
	}
	c.App.Metadata[configKey] = cfg
	return nil
}

// applyFlags overrides cfg with every global flag set on the command line or
// through its environment variable.
func applyFlags(c *cli.Context, cfg *config.Config) {
	setString := func(name string, dst *string) {
		if c.IsSet(name) {
			*dst = c.String(name)
		}
	}
	setInt := func(name string, dst *int) {
		if c.IsSet(name) {
			*dst = c.Int(name)
		}
	}
	setDuration := func(name string, dst *time.Duration) {
		if c.IsSet(name) {
			*dst = c.Duration(name)
		}
	}

	setString("log-level", &cfg.Logging.Level)
	setString("log-format", &cfg.Logging.Format)
	setString("store-driver", &cfg.Store.Driver)
	setString("store-path", &cfg.Store.Path)
	setString("store-dsn", &cfg.Store.DSN)
	setString("queue-driver", &cfg.Queue.Driver)
	setString("queue-url", &cfg.Queue.URL)
	setInt("max-receive-count", &cfg.Queue.MaxReceiveCount)
	setDuration("visibility-timeout", &cfg.Queue.VisibilityTimeout)
	setString("embedding-host", &cfg.Embedding.Host)
	setString("embedding-model", &cfg.Embedding.Model)
	setInt("dimension", &cfg.Embedding.Dimension)
	setInt("consumer-batch-size", &cfg.Consumer.BatchSize)
	setDuration("consumer-batch-window", &cfg.Consumer.BatchWindow)
	setInt("consumer-workers", &cfg.Consumer.Workers)
}

func appConfig(c *cli.Context) *config.Config {
	if cfg, ok := c.App.Metadata[configKey].(*config.Config); ok {
		return cfg
	}
	return config.Default()
}

func setupLogger(w io.Writer, cfg config.LoggingConfig) (*slog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}

	// Get log level and normalize to lowercase
	levelStr := strings.ToLower(cfg.Level)

	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info", "":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}

	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q: must be one of text, json", cfg.Format)
	}
}
