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
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/poiesic/embedpipe/ai"
	"github.com/poiesic/embedpipe/core"
	"github.com/poiesic/embedpipe/metrics"
	"github.com/poiesic/embedpipe/storage"
)

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// generate calls the embedder under the generate timeout. Every error wraps
// core.ErrGeneration.
func generate(ctx context.Context, embedder ai.Embedder, text string, s *settings) ([]float32, error) {
	ctx, cancel := withTimeout(ctx, s.timeouts.Generate)
	defer cancel()

	start := time.Now()
	vector, err := embedder.EmbedText(ctx, text)
	if err == nil && len(vector) == 0 {
		err = core.CheckDimension(vector, 0)
	}
	s.recorder.ObserveGeneration(time.Since(start), err)
	if err != nil {
		if errors.Is(err, core.ErrGeneration) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", core.ErrGeneration, err)
	}
	return vector, nil
}

// persist calls the store under the store timeout. An id the store cannot
// address is the caller's fault and wraps core.ErrValidation. Every other
// error wraps core.ErrPersistence.
func persist(ctx context.Context, store storage.DocumentStore, documentID string, vector []float32, s *settings) error {
	ctx, cancel := withTimeout(ctx, s.timeouts.Store)
	defer cancel()

	err := store.UpsertEmbedding(ctx, documentID, vector)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, core.ErrInvalidDocumentID):
		return fmt.Errorf("%w: %w", core.ErrValidation, err)
	case errors.Is(err, core.ErrPersistence):
		return err
	default:
		return fmt.Errorf("%w: %w", core.ErrPersistence, err)
	}
}

// embedAndStore is the work shared by the async handler and the consumer.
func embedAndStore(ctx context.Context, embedder ai.Embedder, store storage.DocumentStore, req *core.DocumentRequest, s *settings) error {
	vector, err := generate(ctx, embedder, req.InputText, s)
	if err != nil {
		return err
	}
	return persist(ctx, store, req.DocumentID, vector, s)
}

func outcome(err error) string {
	if err == nil {
		return metrics.OutcomeSuccess
	}
	return string(core.KindOf(err))
}

// SyncHandler returns embeddings inline without persisting them.
type SyncHandler struct {
	embedder ai.Embedder
	settings *settings
	logger   *slog.Logger
}

// NewSyncHandler creates a synchronous handler borrowing embedder.
func NewSyncHandler(embedder ai.Embedder, opts ...Option) (*SyncHandler, error) {
	if embedder == nil {
		return nil, ErrEmbedderRequired
	}
	s, err := newSettings(opts)
	if err != nil {
		return nil, err
	}
	return &SyncHandler{
		embedder: embedder,
		settings: s,
		logger:   s.logger.With("component", "sync-handler"),
	}, nil
}

// Handle validates req and returns its embedding. Generation failures are
// returned as is. Nothing is retried.
func (h *SyncHandler) Handle(ctx context.Context, req *core.EmbedRequest) (*core.EmbedResponse, error) {
	resp, err := h.handle(ctx, req)
	h.settings.recorder.ObserveInvocation(metrics.PatternSync, outcome(err))
	return resp, err
}

func (h *SyncHandler) handle(ctx context.Context, req *core.EmbedRequest) (*core.EmbedResponse, error) {
	if err := core.ValidateEmbedRequest(req); err != nil {
		h.logger.Warn("rejected request", "op", "embed", "err", err)
		return nil, err
	}

	vector, err := generate(ctx, h.embedder, req.InputText, h.settings)
	if err != nil {
		h.logger.Error("embedding generation failed", "op", "embed", "length", len(req.InputText), "err", err)
		return nil, err
	}
	return &core.EmbedResponse{Embedding: vector}, nil
}

// AsyncHandler generates an embedding and writes it to the document store.
type AsyncHandler struct {
	embedder ai.Embedder
	store    storage.DocumentStore
	settings *settings
	logger   *slog.Logger
}

// NewAsyncHandler creates an asynchronous handler borrowing embedder and store.
func NewAsyncHandler(embedder ai.Embedder, store storage.DocumentStore, opts ...Option) (*AsyncHandler, error) {
	if embedder == nil {
		return nil, ErrEmbedderRequired
	}
	if store == nil {
		return nil, ErrStoreRequired
	}
	s, err := newSettings(opts)
	if err != nil {
		return nil, err
	}
	return &AsyncHandler{
		embedder: embedder,
		store:    store,
		settings: s,
		logger:   s.logger.With("component", "async-handler"),
	}, nil
}

// Handle validates req, generates its embedding and upserts it. The first
// failure is returned to the caller, which owns any retry.
func (h *AsyncHandler) Handle(ctx context.Context, req *core.DocumentRequest) (*core.DocumentAck, error) {
	ack, err := h.handle(ctx, req)
	h.settings.recorder.ObserveInvocation(metrics.PatternAsync, outcome(err))
	return ack, err
}

func (h *AsyncHandler) handle(ctx context.Context, req *core.DocumentRequest) (*core.DocumentAck, error) {
	if err := core.ValidateDocumentRequest(req); err != nil {
		h.logger.Warn("rejected request", "op", "upsert", "err", err)
		return nil, err
	}

	if err := embedAndStore(ctx, h.embedder, h.store, req, h.settings); err != nil {
		h.logger.Error("document processing failed", "op", "upsert", "document_id", req.DocumentID, "err", err)
		return nil, err
	}

	h.logger.Debug("document embedded", "document_id", req.DocumentID)
	return &core.DocumentAck{DocumentID: req.DocumentID, Status: core.StatusProcessed}, nil
}
