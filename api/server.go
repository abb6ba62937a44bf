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


package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/poiesic/embedpipe/ingestion"
	"github.com/poiesic/embedpipe/metrics"
	"github.com/poiesic/embedpipe/queue"
	"github.com/poiesic/embedpipe/storage"
)

// StatsSource reports broker counters.
type StatsSource interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// Services are the components the routes call. A nil field leaves its
// routes unregistered.
type Services struct {
	Sync        *ingestion.SyncHandler
	Async       *ingestion.AsyncHandler
	Dispatcher  *ingestion.AsyncDispatcher
	Producer    *ingestion.Producer
	DeadLetters queue.DeadLetterQueue
	Stats       StatsSource
	Documents   storage.DocumentStore
	Recorder    *metrics.Recorder
}

// Server serves Services over HTTP.
type Server struct {
	services Services
	engine   *gin.Engine
	logger   *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request and error logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer builds the router.
func NewServer(services Services, opts ...Option) *Server {
	s := &Server{
		services: services,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "api")

	engine := gin.New()
	engine.Use(gin.Recovery(), LoggerMiddleware(s.logger))
	s.register(engine)
	s.engine = engine
	return s
}

func (s *Server) register(r *gin.Engine) {
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.services.Recorder != nil {
		r.GET("/metrics", gin.WrapH(s.services.Recorder.Handler()))
	}

	v1 := r.Group("/v1")
	if s.services.Sync != nil {
		v1.POST("/embeddings", s.embed)
	}
	if s.services.Async != nil {
		v1.POST("/documents", s.upsertDocument)
	}
	if s.services.Documents != nil {
		v1.GET("/documents/:id", s.getDocument)
	}
	if s.services.Producer != nil {
		v1.POST("/queue/documents", s.enqueueDocument)
	}
	if s.services.Stats != nil {
		v1.GET("/queue/stats", s.queueStats)
	}
	if s.services.DeadLetters != nil {
		v1.GET("/deadletters", s.listDeadLetters)
		v1.POST("/deadletters/:id/redrive", s.redrive)
	}
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves on addr until ctx is canceled, then shuts down gracefully
// within shutdownTimeout.
func (s *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// LoggerMiddleware logs every request once it completed.
func LoggerMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		if raw := c.Request.URL.RawQuery; raw != "" {
			path = path + "?" + raw
		}

		c.Next()

		level := slog.LevelInfo
		if c.Writer.Status() >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}
		logger.Log(c.Request.Context(), level, "request completed",
			"method", c.Request.Method,
			"path", path,
			"status_code", c.Writer.Status(),
			"latency", time.Since(start),
			"client_ip", c.ClientIP(),
			"body_size", c.Writer.Size(),
		)
	}
}
