package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/poiesic/embedpipe/core"
	"github.com/poiesic/embedpipe/queue"
	"github.com/poiesic/embedpipe/storage"
)

const (
	defaultDeadLetterLimit = 100
	maxDeadLetterLimit     = 1000
)

// StatusFor maps a failure kind to an HTTP status.
func StatusFor(kind core.FailureKind) int {
	switch kind {
	case core.KindValidation:
		return http.StatusBadRequest
	case core.KindGeneration:
		return http.StatusBadGateway
	case core.KindPublish:
		return http.StatusServiceUnavailable
	case core.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) notFound(c *gin.Context, message string) {
	c.AbortWithStatusJSON(StatusFor(core.KindNotFound), &core.Failure{Kind: core.KindNotFound, Message: message})
}

func (s *Server) fail(c *gin.Context, op string, err error) {
	failure := core.NewFailure(err)
	status := StatusFor(failure.Kind)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "op", op, "kind", failure.Kind, "err", err)
	}
	c.AbortWithStatusJSON(status, failure)
}

func (s *Server) badRequest(c *gin.Context, op string, err error) {
	s.fail(c, op, fmt.Errorf("%w: %w", core.ErrValidation, err))
}

func (s *Server) embed(c *gin.Context) {
	var req core.EmbedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "embed", err)
		return
	}
	resp, err := s.services.Sync.Handle(c.Request.Context(), &req)
	if err != nil {
		s.fail(c, "embed", err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) upsertDocument(c *gin.Context) {
	var req core.DocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "upsert", err)
		return
	}

	if c.Query("invocation") == "event" {
		if s.services.Dispatcher == nil {
			s.badRequest(c, "upsert", errors.New("event invocation is not enabled"))
			return
		}
		ack, err := s.services.Dispatcher.Dispatch(c.Request.Context(), &req)
		if err != nil {
			s.fail(c, "upsert", err)
			return
		}
		c.JSON(http.StatusAccepted, ack)
		return
	}

	ack, err := s.services.Async.Handle(c.Request.Context(), &req)
	if err != nil {
		s.fail(c, "upsert", err)
		return
	}
	c.JSON(http.StatusOK, ack)
}

func (s *Server) enqueueDocument(c *gin.Context) {
	var req core.DocumentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, "enqueue", err)
		return
	}
	ack, err := s.services.Producer.Enqueue(c.Request.Context(), &req)
	if err != nil {
		s.fail(c, "enqueue", err)
		return
	}
	c.JSON(http.StatusAccepted, ack)
}

type documentResponse struct {
	DocumentID string    `json:"documentId"`
	Embedding  []float32 `json:"embedding"`
	Checksum   string    `json:"checksum"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

func (s *Server) getDocument(c *gin.Context) {
	id := c.Param("id")
	record, err := s.services.Documents.GetEmbedding(c.Request.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		s.notFound(c, fmt.Sprintf("document %s has no embedding", id))
		return
	}
	if errors.Is(err, core.ErrInvalidDocumentID) {
		s.badRequest(c, "document", err)
		return
	}
	if err != nil {
		s.fail(c, "document", fmt.Errorf("%w: %w", core.ErrPersistence, err))
		return
	}
	c.JSON(http.StatusOK, documentResponse{
		DocumentID: record.DocumentID,
		Embedding:  record.Vector,
		Checksum:   strconv.FormatUint(uint64(record.Checksum), 16),
		UpdatedAt:  record.UpdatedAt,
	})
}

type statsResponse struct {
	Visible      int  `json:"visible"`
	Delayed      int  `json:"delayed"`
	DeadLettered int  `json:"deadLettered"`
	Documents    *int `json:"documents,omitempty"`
}

func (s *Server) queueStats(c *gin.Context) {
	stats, err := s.services.Stats.Stats(c.Request.Context())
	if err != nil {
		s.fail(c, "stats", err)
		return
	}
	resp := statsResponse{
		Visible:      stats.Visible,
		Delayed:      stats.Delayed,
		DeadLettered: stats.DeadLettered,
	}
	if s.services.Documents != nil {
		n, err := s.services.Documents.Count(c.Request.Context())
		if err != nil {
			s.fail(c, "stats", fmt.Errorf("%w: %w", core.ErrPersistence, err))
			return
		}
		resp.Documents = &n
	}
	c.JSON(http.StatusOK, resp)
}

type deadLetterResponse struct {
	ID             string    `json:"id"`
	Body           string    `json:"body"`
	ReceiveCount   int       `json:"receiveCount"`
	Reason         string    `json:"reason"`
	EnqueuedAt     time.Time `json:"enqueuedAt"`
	DeadLetteredAt time.Time `json:"deadLetteredAt"`
}

func (s *Server) listDeadLetters(c *gin.Context) {
	limit := defaultDeadLetterLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.badRequest(c, "deadletters", fmt.Errorf("limit must be a positive integer, got %q", raw))
			return
		}
		limit = min(n, maxDeadLetterLimit)
	}

	dead, err := s.services.DeadLetters.DeadLetters(c.Request.Context(), limit)
	if err != nil {
		s.fail(c, "deadletters", err)
		return
	}
	out := make([]deadLetterResponse, 0, len(dead))
	for _, d := range dead {
		out = append(out, deadLetterResponse{
			ID:             d.ID,
			Body:           string(d.Body),
			ReceiveCount:   d.ReceiveCount,
			Reason:         d.Reason,
			EnqueuedAt:     d.EnqueuedAt,
			DeadLetteredAt: d.DeadLetteredAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"deadLetters": out})
}

func (s *Server) redrive(c *gin.Context) {
	id := c.Param("id")
	err := s.services.DeadLetters.Redrive(c.Request.Context(), id)
	if errors.Is(err, queue.ErrNotFound) {
		s.notFound(c, fmt.Sprintf("dead letter %s not found", id))
		return
	}
	if err != nil {
		s.fail(c, "redrive", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": id, "status": "redriven"})
}
