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


package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/poiesic/embedpipe/queue"
	goredis "github.com/redis/go-redis/v9"
)

// DefaultPrefix namespaces every key the broker writes.
const DefaultPrefix = "embedpipe"

// Broker implements queue.Broker on Redis.
//
// Live messages are hashes indexed by a sorted set scored with the time, in
// milliseconds, at which they become visible. A leased message is rescored to
// its lease deadline, so an unsettled lease expires without a sweeper.
// Dead letters are hashes indexed by a second sorted set. All keys share one
// hash tag so the scripts also run against Redis Cluster.
type Broker struct {
	client goredis.UniversalClient
	owned  bool
	policy queue.RedeliveryPolicy
	prefix string
	now    func() time.Time
	logger *slog.Logger
	closed atomic.Bool
}

var _ queue.Broker = (*Broker)(nil)

// Option configures a Broker.
type Option func(*Broker) error

// WithPolicy sets the redelivery policy.
func WithPolicy(policy queue.RedeliveryPolicy) Option {
	return func(b *Broker) error {
		if err := policy.Validate(); err != nil {
			return err
		}
		b.policy = policy
		return nil
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Broker) error {
		if now == nil {
			return errors.New("redis broker: clock cannot be nil")
		}
		b.now = now
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) error {
		if logger == nil {
			return errors.New("redis broker: logger cannot be nil")
		}
		b.logger = logger
		return nil
	}
}

// WithPrefix sets the key namespace. Brokers with different prefixes on the
// same server are independent queues.
func WithPrefix(prefix string) Option {
	return func(b *Broker) error {
		if prefix == "" {
			return errors.New("redis broker: prefix cannot be empty")
		}
		b.prefix = prefix
		return nil
	}
}

// NewBroker creates a broker on client. The client is borrowed: Close on the
// broker does not close it.
func NewBroker(client goredis.UniversalClient, opts ...Option) (*Broker, error) {
	if client == nil {
		return nil, errors.New("redis broker: client is required")
	}
	b := &Broker{
		client: client,
		policy: queue.DefaultRedeliveryPolicy(),
		prefix: DefaultPrefix,
		now:    time.Now,
		logger: slog.Default().With("component", "redis-broker"),
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Open connects to the server at url (redis://host:port/db) and returns a
// broker that owns the connection.
func Open(ctx context.Context, url string, opts ...Option) (*Broker, error) {
	options, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis broker: %w", err)
	}
	client := goredis.NewClient(options)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis broker: ping %s: %w", options.Addr, err)
	}
	b, err := NewBroker(client, opts...)
	if err != nil {
		client.Close()
		return nil, err
	}
	b.owned = true
	return b, nil
}

// Policy returns the active redelivery policy.
func (b *Broker) Policy() queue.RedeliveryPolicy {
	return b.policy
}

func (b *Broker) visibleKey() string {
	return "{" + b.prefix + "}:visible"
}

func (b *Broker) deadKey() string {
	return "{" + b.prefix + "}:dead"
}

func (b *Broker) messagePrefix() string {
	return "{" + b.prefix + "}:msg:"
}

func (b *Broker) deadPrefix() string {
	return "{" + b.prefix + "}:dlq:"
}

func (b *Broker) messageKey(id string) string {
	return b.messagePrefix() + id
}

func (b *Broker) deadLetterKey(id string) string {
	return b.deadPrefix() + id
}

// Publish stores body as a visible message.
func (b *Broker) Publish(ctx context.Context, body []byte) (string, error) {
	if b.closed.Load() {
		return "", queue.ErrBrokerClosed
	}
	if len(body) == 0 {
		return "", queue.ErrEmptyBody
	}
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	now := b.now()
	_, err = b.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, b.messageKey(id.String()),
			"body", body,
			"receives", 0,
			"enqueued_at", now.UnixMilli(),
		)
		pipe.ZAdd(ctx, b.visibleKey(), goredis.Z{Score: float64(now.UnixMilli()), Member: id.String()})
		return nil
	})
	if err != nil {
		return "", err
	}
	b.logger.Debug("published message", "message_id", id.String(), "size", len(body))
	return id.String(), nil
}

// Receive leases up to max visible messages, dead-lettering exhausted ones.
func (b *Broker) Receive(ctx context.Context, max int) ([]*queue.Message, error) {
	if b.closed.Load() {
		return nil, queue.ErrBrokerClosed
	}
	if max < 1 {
		return []*queue.Message{}, nil
	}

	now := b.now()
	token := uuid.NewString()
	res, err := receiveScript.Run(ctx, b.client,
		[]string{b.visibleKey(), b.deadKey()},
		now.UnixMilli(),
		max,
		now.Add(b.policy.VisibilityTimeout).UnixMilli(),
		b.policy.MaxReceiveCount,
		b.messagePrefix(),
		b.deadPrefix(),
		token,
		max*2+8,
		queue.ReasonMaxReceives,
	).StringSlice()
	if err != nil {
		return nil, err
	}
	msgs, buried, err := parseReceive(res)
	if err != nil {
		return nil, err
	}
	for _, id := range buried {
		b.logger.Warn("message dead-lettered", "message_id", id, "reason", queue.ReasonMaxReceives)
	}
	return msgs, nil
}

// parseReceive decodes the flat reply of receiveScript.
func parseReceive(res []string) ([]*queue.Message, []string, error) {
	if len(res) < 2 {
		return nil, nil, fmt.Errorf("redis broker: short receive reply (%d fields)", len(res))
	}
	delivered, err := strconv.Atoi(res[0])
	if err != nil {
		return nil, nil, fmt.Errorf("redis broker: bad receive reply: %w", err)
	}
	buried, err := strconv.Atoi(res[1])
	if err != nil {
		return nil, nil, fmt.Errorf("redis broker: bad receive reply: %w", err)
	}
	if len(res) != 2+delivered*5+buried {
		return nil, nil, fmt.Errorf("redis broker: receive reply has %d fields", len(res))
	}

	msgs := make([]*queue.Message, 0, delivered)
	fields := res[2:]
	for i := 0; i < delivered; i++ {
		f := fields[i*5 : i*5+5]
		receives, err := strconv.Atoi(f[2])
		if err != nil {
			return nil, nil, fmt.Errorf("redis broker: bad receive count %q: %w", f[2], err)
		}
		msgs = append(msgs, &queue.Message{
			ID:           f[0],
			Body:         []byte(f[1]),
			ReceiveCount: receives,
			EnqueuedAt:   parseMillis(f[3]),
			Receipt:      f[4],
		})
	}
	return msgs, fields[delivered*5:], nil
}

// Ack deletes a leased message.
func (b *Broker) Ack(ctx context.Context, msg *queue.Message) error {
	if msg == nil || msg.Receipt == "" {
		return queue.ErrLeaseExpired
	}
	ok, err := ackScript.Run(ctx, b.client,
		[]string{b.visibleKey(), b.messageKey(msg.ID)},
		msg.Receipt, msg.ID,
	).Int()
	return settled(ok, err, msg)
}

// Nack releases a lease and schedules redelivery.
func (b *Broker) Nack(ctx context.Context, msg *queue.Message, cause error) error {
	if msg == nil || msg.Receipt == "" {
		return queue.ErrLeaseExpired
	}
	delay := b.policy.Delay(msg.ReceiveCount)
	lastError := ""
	if cause != nil {
		lastError = cause.Error()
	}
	ok, err := nackScript.Run(ctx, b.client,
		[]string{b.visibleKey(), b.messageKey(msg.ID)},
		msg.Receipt, msg.ID, b.now().Add(delay).UnixMilli(), lastError,
	).Int()
	if err := settled(ok, err, msg); err != nil {
		return err
	}
	b.logger.Debug("message released", "message_id", msg.ID, "receive_count", msg.ReceiveCount, "delay", delay)
	return nil
}

// Reject dead-letters a leased message.
func (b *Broker) Reject(ctx context.Context, msg *queue.Message, cause error) error {
	if msg == nil || msg.Receipt == "" {
		return queue.ErrLeaseExpired
	}
	reason := queue.ReasonRejected
	if cause != nil {
		reason = reason + ": " + cause.Error()
	}
	ok, err := rejectScript.Run(ctx, b.client,
		[]string{b.visibleKey(), b.messageKey(msg.ID), b.deadLetterKey(msg.ID), b.deadKey()},
		msg.Receipt, msg.ID, b.now().UnixMilli(), reason,
	).Int()
	if err := settled(ok, err, msg); err != nil {
		return err
	}
	b.logger.Warn("message dead-lettered", "message_id", msg.ID, "reason", reason)
	return nil
}

func settled(ok int, err error, msg *queue.Message) error {
	if err != nil {
		return err
	}
	if ok == 0 {
		return fmt.Errorf("%w: message %s", queue.ErrLeaseExpired, msg.ID)
	}
	return nil
}

// DeadLetters lists up to limit dead letters.
func (b *Broker) DeadLetters(ctx context.Context, limit int) ([]*queue.DeadLetter, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	ids, err := b.client.ZRange(ctx, b.deadKey(), 0, stop).Result()
	if err != nil {
		return nil, err
	}

	out := make([]*queue.DeadLetter, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	cmds, err := b.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, id := range ids {
			pipe.HGetAll(ctx, b.deadLetterKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, cmd := range cmds {
		fields, err := cmd.(*goredis.MapStringStringCmd).Result()
		if err != nil {
			return nil, err
		}
		if len(fields) == 0 {
			continue
		}
		receives, _ := strconv.Atoi(fields["receives"])
		out = append(out, &queue.DeadLetter{
			ID:             ids[i],
			Body:           []byte(fields["body"]),
			ReceiveCount:   receives,
			Reason:         fields["reason"],
			EnqueuedAt:     parseMillis(fields["enqueued_at"]),
			DeadLetteredAt: parseMillis(fields["dead_lettered_at"]),
		})
	}
	return out, nil
}

// Redrive moves a dead letter back to the queue.
func (b *Broker) Redrive(ctx context.Context, id string) error {
	ok, err := redriveScript.Run(ctx, b.client,
		[]string{b.visibleKey(), b.messageKey(id), b.deadLetterKey(id), b.deadKey()},
		id, b.now().UnixMilli(),
	).Int()
	if err != nil {
		return err
	}
	if ok == 0 {
		return fmt.Errorf("%w: dead letter %s", queue.ErrNotFound, id)
	}
	b.logger.Info("dead letter redriven", "message_id", id)
	return nil
}

// Bury writes body directly to the dead-letter area.
func (b *Broker) Bury(ctx context.Context, body []byte, reason string) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	now := b.now().UnixMilli()
	_, err = b.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, b.deadLetterKey(id.String()),
			"body", body,
			"receives", 0,
			"enqueued_at", now,
			"reason", reason,
			"dead_lettered_at", now,
		)
		pipe.ZAdd(ctx, b.deadKey(), goredis.Z{Score: 0, Member: id.String()})
		return nil
	})
	if err != nil {
		return "", err
	}
	b.logger.Warn("work dead-lettered", "message_id", id.String(), "reason", reason)
	return id.String(), nil
}

// Purge deletes a dead letter.
func (b *Broker) Purge(ctx context.Context, id string) error {
	removed, err := b.client.ZRem(ctx, b.deadKey(), id).Result()
	if err != nil {
		return err
	}
	if removed == 0 {
		return fmt.Errorf("%w: dead letter %s", queue.ErrNotFound, id)
	}
	return b.client.Del(ctx, b.deadLetterKey(id)).Err()
}

// Stats counts visible, delayed and dead-lettered messages.
func (b *Broker) Stats(ctx context.Context) (queue.Stats, error) {
	now := strconv.FormatInt(b.now().UnixMilli(), 10)
	var visible, delayed *goredis.IntCmd
	var dead *goredis.IntCmd
	_, err := b.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		visible = pipe.ZCount(ctx, b.visibleKey(), "-inf", now)
		delayed = pipe.ZCount(ctx, b.visibleKey(), "("+now, "+inf")
		dead = pipe.ZCard(ctx, b.deadKey())
		return nil
	})
	if err != nil {
		return queue.Stats{}, err
	}
	return queue.Stats{
		Visible:      int(visible.Val()),
		Delayed:      int(delayed.Val()),
		DeadLettered: int(dead.Val()),
	}, nil
}

// Close stops the broker from accepting work and closes the client when the
// broker opened it.
func (b *Broker) Close() error {
	if b.closed.Swap(true) {
		return nil
	}
	if b.owned {
		return b.client.Close()
	}
	return nil
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
