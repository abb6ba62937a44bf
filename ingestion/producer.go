package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/poiesic/embedpipe/core"
	"github.com/poiesic/embedpipe/metrics"
	"github.com/poiesic/embedpipe/queue"
)

// Producer publishes document requests for the consumer.
type Producer struct {
	publisher queue.Publisher
	settings  *settings
	logger    *slog.Logger
}

// NewProducer creates a producer borrowing publisher.
func NewProducer(publisher queue.Publisher, opts ...Option) (*Producer, error) {
	if publisher == nil {
		return nil, ErrPublisherRequired
	}
	s, err := newSettings(opts)
	if err != nil {
		return nil, err
	}
	return &Producer{
		publisher: publisher,
		settings:  s,
		logger:    s.logger.With("component", "producer"),
	}, nil
}

// Enqueue validates req, publishes it with the current timestamp and returns
// the broker's message id. Publish failures wrap core.ErrPublish and are not
// retried.
func (p *Producer) Enqueue(ctx context.Context, req *core.DocumentRequest) (*core.EnqueueAck, error) {
	ack, err := p.enqueue(ctx, req)
	p.settings.recorder.ObserveInvocation(metrics.PatternProducer, outcome(err))
	return ack, err
}

func (p *Producer) enqueue(ctx context.Context, req *core.DocumentRequest) (*core.EnqueueAck, error) {
	if err := core.ValidateDocumentRequest(req); err != nil {
		p.logger.Warn("rejected request", "op", "enqueue", "err", err)
		return nil, err
	}

	body, err := queue.EncodeMessage(&core.QueueMessage{
		DocumentID: req.DocumentID,
		InputText:  req.InputText,
		Timestamp:  p.settings.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrPublish, err)
	}

	ctx, cancel := withTimeout(ctx, p.settings.timeouts.Publish)
	defer cancel()

	id, err := p.publisher.Publish(ctx, body)
	if err != nil {
		if !errors.Is(err, core.ErrPublish) {
			err = fmt.Errorf("%w: %w", core.ErrPublish, err)
		}
		p.logger.Error("publish failed", "op", "enqueue", "document_id", req.DocumentID, "err", err)
		return nil, err
	}

	p.logger.Debug("document queued", "document_id", req.DocumentID, "message_id", id)
	return &core.EnqueueAck{MessageID: id, DocumentID: req.DocumentID, Status: core.StatusQueued}, nil
}
