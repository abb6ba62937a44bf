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
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/poiesic/embedpipe/ai"
	"github.com/poiesic/embedpipe/core"
	"github.com/poiesic/embedpipe/metrics"
	"github.com/poiesic/embedpipe/queue"
	"github.com/poiesic/embedpipe/storage"
)

// Action is how the consumer settled a message.
type Action string

const (
	// ActionAcked means the embedding was stored and the message deleted.
	ActionAcked Action = metrics.MessageAcked

	// ActionRedelivered means the message was released for another delivery.
	ActionRedelivered Action = metrics.MessageRedelivered

	// ActionDeadLettered means the message can never succeed and was moved
	// to the dead-letter area.
	ActionDeadLettered Action = metrics.MessageDeadLettered
)

// Outcome is the per-message result of a batch.
type Outcome struct {
	MessageID  string
	DocumentID string // empty when the body could not be decoded
	Action     Action
	Err        error // processing failure, or the settle failure if settling failed
}

// Consumer drains a queue in batches, processing every message of a batch
// independently on a worker pool.
type Consumer struct {
	receiver queue.Receiver
	embedder ai.Embedder
	store    storage.DocumentStore
	pool     *ants.Pool
	settings *settings
	logger   *slog.Logger
}

// NewConsumer creates a consumer borrowing receiver, embedder and store.
// Release must be called to stop its worker pool.
func NewConsumer(receiver queue.Receiver, embedder ai.Embedder, store storage.DocumentStore, opts ...Option) (*Consumer, error) {
	if receiver == nil {
		return nil, ErrReceiverRequired
	}
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
	pool, err := ants.NewPool(s.poolSize)
	if err != nil {
		return nil, err
	}
	return &Consumer{
		receiver: receiver,
		embedder: embedder,
		store:    store,
		pool:     pool,
		settings: s,
		logger:   s.logger.With("component", "consumer"),
	}, nil
}

// Run receives and processes batches until ctx is canceled. Receive errors
// are logged and retried after the poll interval. Run returns nil once ctx
// is done.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("consumer started",
		"batch_size", c.settings.batchSize,
		"batch_window", c.settings.batchWindow,
		"workers", c.settings.poolSize,
	)
	defer c.logger.Info("consumer stopped")

	for {
		batch := c.collect(ctx)
		if ctx.Err() != nil {
			c.release(batch)
			return nil
		}
		if len(batch) == 0 {
			continue
		}
		c.report(c.ProcessBatch(ctx, batch))
	}
}

// collect fills a batch. It blocks until at least one message arrived, then
// keeps receiving until the batch is full or the batch window has elapsed.
func (c *Consumer) collect(ctx context.Context) []*queue.Message {
	var (
		batch    []*queue.Message
		deadline time.Time
	)
	for {
		msgs, err := c.receive(ctx, c.settings.batchSize-len(batch))
		if err != nil {
			if ctx.Err() != nil {
				return batch
			}
			c.logger.Error("receive failed", "err", err)
		}
		if len(msgs) > 0 && len(batch) == 0 {
			deadline = c.settings.now().Add(c.settings.batchWindow)
		}
		batch = append(batch, msgs...)

		if len(batch) >= c.settings.batchSize {
			return batch
		}
		wait := c.settings.pollInterval
		if len(batch) > 0 {
			remaining := deadline.Sub(c.settings.now())
			if remaining <= 0 {
				return batch
			}
			if len(msgs) > 0 {
				// Keep draining while the queue has messages.
				continue
			}
			wait = min(wait, remaining)
		}
		if !sleep(ctx, wait) {
			return batch
		}
	}
}

func (c *Consumer) receive(ctx context.Context, max int) ([]*queue.Message, error) {
	ctx, cancel := withTimeout(ctx, c.settings.timeouts.Receive)
	defer cancel()
	return c.receiver.Receive(ctx, max)
}

// ProcessBatch processes msgs concurrently and settles each one on its own:
// successes are acked, undecodable or invalid messages are rejected, other
// failures are released for redelivery. A failure never affects siblings.
// Outcomes are returned in the order of msgs.
func (c *Consumer) ProcessBatch(ctx context.Context, msgs []*queue.Message) []Outcome {
	outcomes := make([]Outcome, len(msgs))
	var wg sync.WaitGroup
	for i, msg := range msgs {
		wg.Add(1)
		err := c.pool.Submit(func() {
			defer wg.Done()
			outcomes[i] = c.process(ctx, msg)
		})
		if err != nil {
			wg.Done()
			outcomes[i] = c.settle(ctx, msg, "", fmt.Errorf("submit to worker pool: %w", err))
		}
	}
	wg.Wait()
	return outcomes
}

func (c *Consumer) process(ctx context.Context, msg *queue.Message) Outcome {
	qm, err := queue.DecodeMessage(msg.Body)
	if err != nil {
		return c.settle(ctx, msg, "", err)
	}
	req := qm.Request()
	err = embedAndStore(ctx, c.embedder, c.store, &req, c.settings)
	c.settings.recorder.ObserveInvocation(metrics.PatternConsumer, outcome(err))
	return c.settle(ctx, msg, qm.DocumentID, err)
}

// settle acks, rejects or nacks msg according to err.
func (c *Consumer) settle(ctx context.Context, msg *queue.Message, documentID string, err error) Outcome {
	out := Outcome{MessageID: msg.ID, DocumentID: documentID, Err: err}
	logger := c.logger.With("message_id", msg.ID, "document_id", documentID, "receive_count", msg.ReceiveCount)

	// Settle even if ctx was canceled mid-batch.
	ctx, cancel := withTimeout(context.WithoutCancel(ctx), c.settings.timeouts.Receive)
	defer cancel()

	var settleErr error
	switch {
	case err == nil:
		out.Action = ActionAcked
		settleErr = c.receiver.Ack(ctx, msg)
		if settleErr != nil {
			// Stored but still queued: the redelivery is an idempotent rewrite.
			out.Action = ActionRedelivered
		}
	case core.KindOf(err) == core.KindValidation:
		out.Action = ActionDeadLettered
		logger.Warn("message rejected", "err", err)
		settleErr = c.receiver.Reject(ctx, msg, err)
	default:
		out.Action = ActionRedelivered
		logger.Error("message processing failed", "err", err)
		settleErr = c.receiver.Nack(ctx, msg, err)
	}

	if settleErr != nil {
		logger.Error("failed to settle message", "action", out.Action, "err", settleErr)
		out.Err = errors.Join(err, settleErr)
	}
	c.settings.recorder.ObserveMessage(string(out.Action))
	return out
}

// release hands an unprocessed batch back to the queue.
func (c *Consumer) release(batch []*queue.Message) {
	ctx, cancel := withTimeout(context.Background(), c.settings.timeouts.Receive)
	defer cancel()
	for _, msg := range batch {
		if err := c.receiver.Nack(ctx, msg, context.Canceled); err != nil {
			c.logger.Warn("failed to release message", "message_id", msg.ID, "err", err)
		}
	}
}

func (c *Consumer) report(outcomes []Outcome) {
	counts := map[Action]int{}
	for _, o := range outcomes {
		counts[o.Action]++
	}
	c.logger.Info("batch processed",
		"size", len(outcomes),
		"acked", counts[ActionAcked],
		"redelivered", counts[ActionRedelivered],
		"dead_lettered", counts[ActionDeadLettered],
	)
}

// Release stops the worker pool. The consumer must not be used afterwards.
func (c *Consumer) Release() {
	if c.pool != nil {
		c.pool.Release()
	}
}

// sleep waits for d or until ctx is done. It reports whether ctx is still live.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
