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


package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/poiesic/embedpipe/queue"
	storebadger "github.com/poiesic/embedpipe/storage/badger"
)

// Broker implements queue.Broker on BadgerDB.
type Broker struct {
	backend *storebadger.Backend
	policy  queue.RedeliveryPolicy
	now     func() time.Time
	logger  *slog.Logger
	closed  atomic.Bool
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
			return errors.New("badger broker: clock cannot be nil")
		}
		b.now = now
		return nil
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) error {
		if logger == nil {
			return errors.New("badger broker: logger cannot be nil")
		}
		b.logger = logger
		return nil
	}
}

// NewBroker creates a broker on backend. The backend is borrowed: Close on
// the broker does not close it.
func NewBroker(backend *storebadger.Backend, opts ...Option) (*Broker, error) {
	if backend == nil {
		return nil, errors.New("badger broker: backend is required")
	}
	b := &Broker{
		backend: backend,
		policy:  queue.DefaultRedeliveryPolicy(),
		now:     time.Now,
		logger:  slog.Default().With("component", "badger-broker"),
	}
	for _, opt := range opts {
		if err := opt(b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Policy returns the active redelivery policy.
func (b *Broker) Policy() queue.RedeliveryPolicy {
	return b.policy
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
	rec := &record{
		ID:         id.String(),
		Body:       body,
		EnqueuedAt: now.UTC(),
		VisibleAt:  now,
	}
	err = b.backend.Update(ctx, func(tx *badger.Txn) error {
		return putRecord(tx, rec)
	})
	if err != nil {
		return "", err
	}
	b.logger.Debug("published message", "message_id", rec.ID, "size", len(body))
	return rec.ID, nil
}

// Receive leases up to max visible messages, dead-lettering exhausted ones.
func (b *Broker) Receive(ctx context.Context, max int) ([]*queue.Message, error) {
	if b.closed.Load() {
		return nil, queue.ErrBrokerClosed
	}
	if max < 1 {
		return []*queue.Message{}, nil
	}

	var (
		out    []*queue.Message
		buried []string
	)
	err := b.backend.Update(ctx, func(tx *badger.Txn) error {
		out = make([]*queue.Message, 0, max)
		buried = buried[:0]
		now := b.now()

		// Exhausted messages do not count toward max, so scan a little further.
		due, err := dueEntries(tx, now, max*2+8)
		if err != nil {
			return err
		}
		for _, entry := range due {
			if len(out) == max {
				break
			}
			if err := tx.Delete(entry.key); err != nil {
				return err
			}
			rec, err := getRecord(tx, entry.id)
			if errors.Is(err, queue.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}

			if b.policy.Exhausted(rec.ReceiveCount) {
				if err := bury(tx, rec, queue.ReasonMaxReceives, now); err != nil {
					return err
				}
				buried = append(buried, rec.ID)
				continue
			}

			rec.ReceiveCount++
			rec.Receipt = uuid.NewString()
			rec.VisibleAt = now.Add(b.policy.VisibilityTimeout)
			if err := putRecord(tx, rec); err != nil {
				return err
			}
			out = append(out, &queue.Message{
				ID:           rec.ID,
				Body:         rec.Body,
				ReceiveCount: rec.ReceiveCount,
				Receipt:      rec.Receipt,
				EnqueuedAt:   rec.EnqueuedAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, id := range buried {
		b.logger.Warn("message dead-lettered", "message_id", id, "reason", queue.ReasonMaxReceives)
	}
	return out, nil
}

// Ack deletes a leased message.
func (b *Broker) Ack(ctx context.Context, msg *queue.Message) error {
	return b.backend.Update(ctx, func(tx *badger.Txn) error {
		rec, err := leased(tx, msg)
		if err != nil {
			return err
		}
		if err := tx.Delete(makeVisibilityKey(rec.VisibleAt, rec.ID)); err != nil {
			return err
		}
		return tx.Delete(makeMessageKey(rec.ID))
	})
}

// Nack releases a lease and schedules redelivery.
func (b *Broker) Nack(ctx context.Context, msg *queue.Message, cause error) error {
	var delay time.Duration
	err := b.backend.Update(ctx, func(tx *badger.Txn) error {
		rec, err := leased(tx, msg)
		if err != nil {
			return err
		}
		if err := tx.Delete(makeVisibilityKey(rec.VisibleAt, rec.ID)); err != nil {
			return err
		}
		delay = b.policy.Delay(rec.ReceiveCount)
		rec.VisibleAt = b.now().Add(delay)
		rec.Receipt = ""
		if cause != nil {
			rec.LastError = cause.Error()
		}
		return putRecord(tx, rec)
	})
	if err != nil {
		return err
	}
	b.logger.Debug("message released", "message_id", msg.ID, "receive_count", msg.ReceiveCount, "delay", delay)
	return nil
}

// Reject dead-letters a leased message.
func (b *Broker) Reject(ctx context.Context, msg *queue.Message, cause error) error {
	reason := queue.ReasonRejected
	if cause != nil {
		reason = reason + ": " + cause.Error()
	}
	err := b.backend.Update(ctx, func(tx *badger.Txn) error {
		rec, err := leased(tx, msg)
		if err != nil {
			return err
		}
		if err := tx.Delete(makeVisibilityKey(rec.VisibleAt, rec.ID)); err != nil {
			return err
		}
		return bury(tx, rec, reason, b.now())
	})
	if err != nil {
		return err
	}
	b.logger.Warn("message dead-lettered", "message_id", msg.ID, "reason", reason)
	return nil
}

// DeadLetters lists up to limit dead letters.
func (b *Broker) DeadLetters(ctx context.Context, limit int) ([]*queue.DeadLetter, error) {
	out := []*queue.DeadLetter{}
	err := b.backend.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(deadLetterPrefix)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			val, err := iter.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			dr, err := unmarshalDeadRecord(val)
			if err != nil {
				return err
			}
			out = append(out, &queue.DeadLetter{
				ID:             dr.ID,
				Body:           dr.Body,
				ReceiveCount:   dr.ReceiveCount,
				Reason:         dr.Reason,
				EnqueuedAt:     dr.EnqueuedAt,
				DeadLetteredAt: dr.DeadLetteredAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Redrive moves a dead letter back to the queue.
func (b *Broker) Redrive(ctx context.Context, id string) error {
	err := b.backend.Update(ctx, func(tx *badger.Txn) error {
		dr, err := getDeadRecord(tx, id)
		if err != nil {
			return err
		}
		if err := tx.Delete(makeDeadLetterKey(id)); err != nil {
			return err
		}
		return putRecord(tx, &record{
			ID:         dr.ID,
			Body:       dr.Body,
			EnqueuedAt: dr.EnqueuedAt,
			VisibleAt:  b.now(),
		})
	})
	if err != nil {
		return err
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
	now := b.now()
	err = b.backend.Update(ctx, func(tx *badger.Txn) error {
		return bury(tx, &record{ID: id.String(), Body: body, EnqueuedAt: now.UTC()}, reason, now)
	})
	if err != nil {
		return "", err
	}
	b.logger.Warn("work dead-lettered", "message_id", id.String(), "reason", reason)
	return id.String(), nil
}

// Purge deletes a dead letter.
func (b *Broker) Purge(ctx context.Context, id string) error {
	return b.backend.Update(ctx, func(tx *badger.Txn) error {
		if _, err := getDeadRecord(tx, id); err != nil {
			return err
		}
		return tx.Delete(makeDeadLetterKey(id))
	})
}

// Stats counts visible, delayed and dead-lettered messages.
func (b *Broker) Stats(ctx context.Context) (queue.Stats, error) {
	var stats queue.Stats
	now := b.now().UnixMicro()
	err := b.backend.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false

		opts.Prefix = []byte(visibilityPrefix)
		iter := tx.NewIterator(opts)
		for iter.Rewind(); iter.Valid(); iter.Next() {
			micros, _, ok := parseVisibilityKey(iter.Item().Key())
			if !ok {
				continue
			}
			if micros <= now {
				stats.Visible++
			} else {
				stats.Delayed++
			}
		}
		iter.Close()

		opts.Prefix = []byte(deadLetterPrefix)
		iter = tx.NewIterator(opts)
		for iter.Rewind(); iter.Valid(); iter.Next() {
			stats.DeadLettered++
		}
		iter.Close()
		return ctx.Err()
	})
	return stats, err
}

// Close stops the broker from accepting work. The backend stays open.
func (b *Broker) Close() error {
	b.closed.Store(true)
	return nil
}

type dueEntry struct {
	key []byte
	id  string
}

// dueEntries returns up to limit visibility index entries due at now.
func dueEntries(tx *badger.Txn, now time.Time, limit int) ([]dueEntry, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(visibilityPrefix)
	iter := tx.NewIterator(opts)
	defer iter.Close()

	cutoff := now.UnixMicro()
	var out []dueEntry
	for iter.Rewind(); iter.Valid() && len(out) < limit; iter.Next() {
		key := iter.Item().KeyCopy(nil)
		micros, id, ok := parseVisibilityKey(key)
		if !ok {
			continue
		}
		if micros > cutoff {
			break
		}
		out = append(out, dueEntry{key: key, id: id})
	}
	return out, nil
}

// leased loads the record behind msg and checks that msg still holds the lease.
func leased(tx *badger.Txn, msg *queue.Message) (*record, error) {
	if msg == nil || msg.Receipt == "" {
		return nil, queue.ErrLeaseExpired
	}
	rec, err := getRecord(tx, msg.ID)
	if errors.Is(err, queue.ErrNotFound) {
		return nil, fmt.Errorf("%w: message %s", queue.ErrLeaseExpired, msg.ID)
	}
	if err != nil {
		return nil, err
	}
	if rec.Receipt != msg.Receipt {
		return nil, fmt.Errorf("%w: message %s", queue.ErrLeaseExpired, msg.ID)
	}
	return rec, nil
}

func getRecord(tx *badger.Txn, id string) (*record, error) {
	item, err := tx.Get(makeMessageKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, queue.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	return unmarshalRecord(val)
}

func getDeadRecord(tx *badger.Txn, id string) (*deadRecord, error) {
	item, err := tx.Get(makeDeadLetterKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, queue.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	return unmarshalDeadRecord(val)
}

// putRecord writes the record and its visibility index entry.
func putRecord(tx *badger.Txn, rec *record) error {
	if err := tx.Set(makeMessageKey(rec.ID), marshalRecord(rec)); err != nil {
		return err
	}
	return tx.Set(makeVisibilityKey(rec.VisibleAt, rec.ID), []byte(rec.ID))
}

// bury moves rec to the dead-letter area. The caller removes its index entry.
func bury(tx *badger.Txn, rec *record, reason string, now time.Time) error {
	value := marshalDeadRecord(&deadRecord{
		ID:             rec.ID,
		Body:           rec.Body,
		ReceiveCount:   rec.ReceiveCount,
		Reason:         reason,
		EnqueuedAt:     rec.EnqueuedAt,
		DeadLetteredAt: now.UTC(),
	})
	if err := tx.Delete(makeMessageKey(rec.ID)); err != nil {
		return err
	}
	return tx.Set(makeDeadLetterKey(rec.ID), value)
}
