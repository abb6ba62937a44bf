package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/poiesic/embedpipe/queue"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testPolicy() queue.RedeliveryPolicy {
	return queue.RedeliveryPolicy{
		MaxReceiveCount:   3,
		VisibilityTimeout: 30 * time.Second,
		BackoffBase:       time.Second,
		BackoffMax:        10 * time.Second,
	}
}

func newTestClient(t *testing.T) goredis.UniversalClient {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func newTestBroker(t *testing.T, opts ...Option) (*Broker, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	opts = append([]Option{WithPolicy(testPolicy()), WithClock(clock.Now)}, opts...)
	b, err := NewBroker(newTestClient(t), opts...)
	require.NoError(t, err)
	return b, clock
}

func TestPublishReceiveAck(t *testing.T) {
	ctx := context.Background()
	b, clock := newTestBroker(t)

	id, err := b.Publish(ctx, []byte("hello"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs, err := b.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.Equal(t, []byte("hello"), msgs[0].Body)
	assert.Equal(t, 1, msgs[0].ReceiveCount)
	assert.NotEmpty(t, msgs[0].Receipt)
	assert.Equal(t, clock.Now().UnixMilli(), msgs[0].EnqueuedAt.UnixMilli())

	again, err := b.Receive(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, b.Ack(ctx, msgs[0]))
	assert.ErrorIs(t, b.Ack(ctx, msgs[0]), queue.ErrLeaseExpired)

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{}, stats)
}

func TestPublish_Validation(t *testing.T) {
	b, _ := newTestBroker(t)

	_, err := b.Publish(context.Background(), nil)
	assert.ErrorIs(t, err, queue.ErrEmptyBody)

	require.NoError(t, b.Close())
	_, err = b.Publish(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, queue.ErrBrokerClosed)
	_, err = b.Receive(context.Background(), 1)
	assert.ErrorIs(t, err, queue.ErrBrokerClosed)
}

func TestReceive_RespectsMaxAndOrder(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t)

	for i := 0; i < 5; i++ {
		_, err := b.Publish(ctx, []byte{byte('a' + i)})
		require.NoError(t, err)
	}

	first, err := b.Receive(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, first, 3)

	rest, err := b.Receive(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, rest, 2)

	assert.Equal(t, []byte("a"), first[0].Body)
	assert.Equal(t, []byte("e"), rest[1].Body)

	none, err := b.Receive(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestNack_RedeliversAfterBackoff(t *testing.T) {
	ctx := context.Background()
	b, clock := newTestBroker(t)

	_, err := b.Publish(ctx, []byte("x"))
	require.NoError(t, err)

	msgs, err := b.Receive(ctx, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NoError(t, b.Nack(ctx, msgs[0], errors.New("throttled")))

	none, err := b.Receive(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, none, "message should wait out the backoff")

	clock.Advance(time.Second)
	msgs, err = b.Receive(ctx, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 2, msgs[0].ReceiveCount)
}

func TestLeaseExpiry_Redelivers(t *testing.T) {
	ctx := context.Background()
	b, clock := newTestBroker(t)

	_, err := b.Publish(ctx, []byte("x"))
	require.NoError(t, err)

	first, err := b.Receive(ctx, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)

	clock.Advance(31 * time.Second)
	second, err := b.Receive(ctx, 1)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, 2, second[0].ReceiveCount)

	assert.ErrorIs(t, b.Ack(ctx, first[0]), queue.ErrLeaseExpired)
	assert.ErrorIs(t, b.Nack(ctx, first[0], nil), queue.ErrLeaseExpired)
	require.NoError(t, b.Ack(ctx, second[0]))
}

func TestDeadLetter_AfterMaxReceives(t *testing.T) {
	ctx := context.Background()
	b, clock := newTestBroker(t)

	id, err := b.Publish(ctx, []byte("poison"))
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		msgs, err := b.Receive(ctx, 10)
		require.NoError(t, err)
		require.Len(t, msgs, 1, "attempt %d", attempt)
		assert.Equal(t, attempt, msgs[0].ReceiveCount)
		require.NoError(t, b.Nack(ctx, msgs[0], errors.New("boom")))
		clock.Advance(time.Minute)
	}

	msgs, err := b.Receive(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	dead, err := b.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].ID)
	assert.Equal(t, 3, dead[0].ReceiveCount)
	assert.Equal(t, queue.ReasonMaxReceives, dead[0].Reason)
	assert.Equal(t, []byte("poison"), dead[0].Body)
	assert.Equal(t, clock.Now().UnixMilli(), dead[0].DeadLetteredAt.UnixMilli())

	clock.Advance(time.Hour)
	msgs, err = b.Receive(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDeadLetter_DoesNotStarveHealthyMessages(t *testing.T) {
	ctx := context.Background()
	b, clock := newTestBroker(t)

	_, err := b.Publish(ctx, []byte("poison"))
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		msgs, err := b.Receive(ctx, 1)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		require.NoError(t, b.Nack(ctx, msgs[0], nil))
		clock.Advance(time.Minute)
	}

	_, err = b.Publish(ctx, []byte("healthy"))
	require.NoError(t, err)

	msgs, err := b.Receive(ctx, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []byte("healthy"), msgs[0].Body)
}

func TestReject_DeadLettersImmediately(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t)

	_, err := b.Publish(ctx, []byte("{"))
	require.NoError(t, err)

	msgs, err := b.Receive(ctx, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.NoError(t, b.Reject(ctx, msgs[0], errors.New("malformed")))

	dead, err := b.DeadLetters(ctx, 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, "rejected: malformed", dead[0].Reason)
	assert.Equal(t, 1, dead[0].ReceiveCount)

	assert.ErrorIs(t, b.Ack(ctx, msgs[0]), queue.ErrLeaseExpired)
}

func TestRedrive(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t)

	id, err := b.Publish(ctx, []byte("x"))
	require.NoError(t, err)
	msgs, err := b.Receive(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, b.Reject(ctx, msgs[0], nil))

	require.NoError(t, b.Redrive(ctx, id))
	assert.ErrorIs(t, b.Redrive(ctx, id), queue.ErrNotFound)

	msgs, err = b.Receive(ctx, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.Equal(t, 1, msgs[0].ReceiveCount)
}

func TestBuryAndPurge(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t)

	id, err := b.Bury(ctx, []byte(`{"documentId":"doc-1"}`), "async attempts exhausted")
	require.NoError(t, err)

	dead, err := b.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].ID)
	assert.Equal(t, "async attempts exhausted", dead[0].Reason)
	assert.Equal(t, []byte(`{"documentId":"doc-1"}`), dead[0].Body)

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DeadLettered)

	require.NoError(t, b.Purge(ctx, id))
	assert.ErrorIs(t, b.Purge(ctx, id), queue.ErrNotFound)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t)

	for i := 0; i < 3; i++ {
		_, err := b.Publish(ctx, []byte("x"))
		require.NoError(t, err)
	}
	_, err := b.Receive(ctx, 1)
	require.NoError(t, err)

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Visible: 2, Delayed: 1}, stats)
}

func TestPrefixesAreIndependent(t *testing.T) {
	ctx := context.Background()
	client := newTestClient(t)

	a, err := NewBroker(client, WithPrefix("a"))
	require.NoError(t, err)
	b, err := NewBroker(client, WithPrefix("b"))
	require.NoError(t, err)

	_, err = a.Publish(ctx, []byte("x"))
	require.NoError(t, err)

	msgs, err := b.Receive(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	msgs, err = a.Receive(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestConcurrentReceivers_NoDoubleDelivery(t *testing.T) {
	ctx := context.Background()
	b, _ := newTestBroker(t)

	const total = 40
	for i := 0; i < total; i++ {
		_, err := b.Publish(ctx, []byte("x"))
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				msgs, err := b.Receive(ctx, 5)
				if !assert.NoError(t, err) || len(msgs) == 0 {
					return
				}
				mu.Lock()
				for _, m := range msgs {
					seen[m.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "message %s delivered %d times", id, n)
	}
}

func TestParseReceive_RejectsMalformedReplies(t *testing.T) {
	_, _, err := parseReceive([]string{"1"})
	assert.Error(t, err)

	_, _, err = parseReceive([]string{"1", "0", "id"})
	assert.Error(t, err)

	msgs, buried, err := parseReceive([]string{"0", "1", "dead-id"})
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, []string{"dead-id"}, buried)
}

func TestOpen(t *testing.T) {
	mr := miniredis.RunT(t)

	b, err := Open(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, err = Open(context.Background(), "not a url")
	assert.Error(t, err)
}

func TestNewBroker_Options(t *testing.T) {
	_, err := NewBroker(nil)
	assert.Error(t, err)

	client := newTestClient(t)
	_, err = NewBroker(client, WithPolicy(queue.RedeliveryPolicy{}))
	assert.ErrorIs(t, err, queue.ErrInvalidPolicy)
	_, err = NewBroker(client, WithPrefix(""))
	assert.Error(t, err)

	b, err := NewBroker(client)
	require.NoError(t, err)
	assert.Equal(t, queue.DefaultRedeliveryPolicy(), b.Policy())
}
