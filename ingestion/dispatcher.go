package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/embedpipe/core"
	"github.com/poiesic/embedpipe/queue"
	"github.com/sethvargo/go-retry"
)

// ReasonAsyncExhausted prefixes the dead-letter reason of async requests
// that failed every attempt.
const ReasonAsyncExhausted = "async attempts exhausted"

// DeadLetterSink parks work that failed outside the queue.
type DeadLetterSink interface {
	Bury(ctx context.Context, body []byte, reason string) (string, error)
}

// AsyncDispatcher runs an AsyncHandler in the background. Transient
// failures are retried with exponential backoff up to the configured
// attempt budget. Validation failures are never retried. Requests that
// still fail are buried in the sink for manual inspection.
type AsyncDispatcher struct {
	handler  *AsyncHandler
	sink     DeadLetterSink
	pool     *ants.Pool
	settings *settings
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewAsyncDispatcher creates a dispatcher borrowing handler and sink.
// Release must be called to stop its worker pool.
func NewAsyncDispatcher(handler *AsyncHandler, sink DeadLetterSink, opts ...Option) (*AsyncDispatcher, error) {
	if handler == nil {
		return nil, ErrHandlerRequired
	}
	if sink == nil {
		return nil, ErrSinkRequired
	}
	s, err := newSettings(opts)
	if err != nil {
		return nil, err
	}
	pool, err := ants.NewPool(s.poolSize)
	if err != nil {
		return nil, err
	}
	return &AsyncDispatcher{
		handler:  handler,
		sink:     sink,
		pool:     pool,
		settings: s,
		logger:   s.logger.With("component", "async-dispatcher"),
	}, nil
}

// Dispatch validates req and schedules it. A ValidationError is returned at
// once; otherwise the returned acknowledgment has status "accepted" and the
// outcome is only observable in the store or the dead-letter area.
func (d *AsyncDispatcher) Dispatch(ctx context.Context, req *core.DocumentRequest) (*core.DocumentAck, error) {
	if err := core.ValidateDocumentRequest(req); err != nil {
		return nil, err
	}

	// The request context ends with the caller; the work must outlive it.
	ctx = context.WithoutCancel(ctx)
	work := *req

	d.wg.Add(1)
	err := d.pool.Submit(func() {
		defer d.wg.Done()
		d.run(ctx, &work)
	})
	if err != nil {
		d.wg.Done()
		return nil, fmt.Errorf("schedule async request: %w", err)
	}
	return &core.DocumentAck{DocumentID: req.DocumentID, Status: core.StatusAccepted}, nil
}

func (d *AsyncDispatcher) run(ctx context.Context, req *core.DocumentRequest) {
	attempts := 0
	backoff := retry.WithMaxRetries(uint64(d.settings.maxAttempts-1), retry.NewExponential(d.settings.retryBase))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		_, err := d.handler.Handle(ctx, req)
		if err != nil && core.Retryable(err) {
			d.logger.Warn("async attempt failed", "document_id", req.DocumentID, "attempt", attempts, "err", err)
			return retry.RetryableError(err)
		}
		return err
	})
	if err == nil {
		return
	}

	d.logger.Error("async request failed", "document_id", req.DocumentID, "attempts", attempts, "err", err)
	body, encErr := queue.EncodeMessage(&core.QueueMessage{
		DocumentID: req.DocumentID,
		InputText:  req.InputText,
		Timestamp:  d.settings.now().UTC(),
	})
	if encErr != nil {
		d.logger.Error("failed to encode dead letter", "document_id", req.DocumentID, "err", encErr)
		return
	}

	sinkCtx, cancel := withTimeout(ctx, d.settings.timeouts.Publish)
	defer cancel()
	reason := fmt.Sprintf("%s after %d: %v", ReasonAsyncExhausted, attempts, err)
	id, buryErr := d.sink.Bury(sinkCtx, body, reason)
	if buryErr != nil {
		d.logger.Error("failed to bury async request", "document_id", req.DocumentID, "err", buryErr)
		return
	}
	d.logger.Warn("async request dead-lettered", "document_id", req.DocumentID, "message_id", id)
}

// Wait blocks until every dispatched request finished.
func (d *AsyncDispatcher) Wait() {
	d.wg.Wait()
}

// Release waits for in-flight requests and stops the worker pool.
func (d *AsyncDispatcher) Release() {
	d.Wait()
	if d.pool != nil {
		d.pool.Release()
	}
}
