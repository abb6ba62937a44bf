package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/poiesic/embedpipe/ai/mock"
	"github.com/poiesic/embedpipe/core"
	"github.com/poiesic/embedpipe/queue"
	storebadger "github.com/poiesic/embedpipe/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestConsumer(t *testing.T, receiver queue.Receiver, embedder *mock.MockEmbedder, store *storebadger.DocumentStore, opts ...Option) *Consumer {
	t.Helper()
	c, err := NewConsumer(receiver, embedder, store, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Release)
	return c
}

func TestProcessBatch_IsolatesFailures(t *testing.T) {
	ctx := context.Background()
	store, backend := newTestStore(t)
	broker := newTestBroker(t, backend)

	publishRequest(t, broker, "doc-1", "one")
	publishRequest(t, broker, "doc-2", "two")
	publishRequest(t, broker, "doc-3", "three")

	embedder := mock.NewMockEmbedder(testDim).WithEmbedTextFunc(func(ctx context.Context, text string) ([]float32, error) {
		if text == "two" {
			return nil, errors.New("throttled")
		}
		return mock.GenerateDeterministicVector(text, testDim), nil
	})
	c := newTestConsumer(t, broker, embedder, store, WithPoolSize(3))

	msgs, err := broker.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	outcomes := c.ProcessBatch(ctx, msgs)
	require.Len(t, outcomes, 3)

	byDoc := map[string]Outcome{}
	for _, o := range outcomes {
		byDoc[o.DocumentID] = o
	}
	assert.Equal(t, ActionAcked, byDoc["doc-1"].Action)
	assert.Equal(t, ActionRedelivered, byDoc["doc-2"].Action)
	assert.Equal(t, core.KindGeneration, core.KindOf(byDoc["doc-2"].Err))
	assert.Equal(t, ActionAcked, byDoc["doc-3"].Action)

	for _, id := range []string{"doc-1", "doc-3"} {
		_, err := store.GetEmbedding(ctx, id)
		assert.NoError(t, err, id)
	}
	_, err = store.GetEmbedding(ctx, "doc-2")
	assert.Error(t, err)

	// The failed message is back in the queue, not dropped.
	again, err := broker.Receive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, byDoc["doc-2"].MessageID, again[0].ID)
	assert.Equal(t, 2, again[0].ReceiveCount)
}

func TestProcessBatch_OutcomesFollowInputOrder(t *testing.T) {
	receiver := &recordingReceiver{}
	store, _ := newTestStore(t)
	c := newTestConsumer(t, receiver, mock.NewMockEmbedder(testDim), store, WithPoolSize(2))

	var msgs []*queue.Message
	for i := 0; i < 6; i++ {
		body, err := queue.EncodeMessage(&core.QueueMessage{DocumentID: fmt.Sprintf("doc-%d", i), InputText: "text"})
		require.NoError(t, err)
		msgs = append(msgs, &queue.Message{ID: fmt.Sprintf("m-%d", i), Body: body, Receipt: "r"})
	}

	outcomes := c.ProcessBatch(context.Background(), msgs)
	for i, o := range outcomes {
		assert.Equal(t, msgs[i].ID, o.MessageID)
		assert.Equal(t, ActionAcked, o.Action)
	}
	assert.Len(t, receiver.acked, 6)
}

func TestProcessBatch_RejectsUnprocessableMessages(t *testing.T) {
	receiver := &recordingReceiver{}
	base, _ := newTestStore(t)
	embedder := mock.NewMockEmbedder(testDim)
	c, err := NewConsumer(receiver, embedder, &countingStore{
		DocumentStore: base,
		err:           fmt.Errorf("%w: %q is not a UUID", core.ErrInvalidDocumentID, "doc-9"),
	})
	require.NoError(t, err)
	defer c.Release()

	valid, err := queue.EncodeMessage(&core.QueueMessage{DocumentID: "doc-9", InputText: "text"})
	require.NoError(t, err)
	msgs := []*queue.Message{
		{ID: "malformed", Body: []byte("{"), Receipt: "r"},
		{ID: "empty-text", Body: []byte(`{"documentId":"doc-1","inputText":" "}`), Receipt: "r"},
		{ID: "bad-id", Body: valid, Receipt: "r"},
	}

	outcomes := c.ProcessBatch(context.Background(), msgs)
	for _, o := range outcomes {
		assert.Equal(t, ActionDeadLettered, o.Action, o.MessageID)
		assert.Equal(t, core.KindValidation, core.KindOf(o.Err), o.MessageID)
	}
	assert.ElementsMatch(t, []string{"malformed", "empty-text", "bad-id"}, receiver.rejected)
	assert.Empty(t, receiver.acked)
	assert.Empty(t, receiver.nacked)
	// Only the decodable valid message reached the generator.
	assert.Equal(t, 1, embedder.CallCount())
}

func TestProcessBatch_SettleFailureIsReported(t *testing.T) {
	receiver := &recordingReceiver{settle: queue.ErrLeaseExpired}
	store, _ := newTestStore(t)
	c := newTestConsumer(t, receiver, mock.NewMockEmbedder(testDim), store)

	body, err := queue.EncodeMessage(&core.QueueMessage{DocumentID: "doc-1", InputText: "text"})
	require.NoError(t, err)
	outcomes := c.ProcessBatch(context.Background(), []*queue.Message{{ID: "m-1", Body: body, Receipt: "stale"}})

	require.Len(t, outcomes, 1)
	assert.ErrorIs(t, outcomes[0].Err, queue.ErrLeaseExpired)
	assert.Equal(t, ActionRedelivered, outcomes[0].Action)

	// The write happened; the redelivery rewrites the same vector.
	_, err = store.GetEmbedding(context.Background(), "doc-1")
	assert.NoError(t, err)
}

func TestDeadLetterThreshold(t *testing.T) {
	ctx := context.Background()
	store, backend := newTestStore(t)
	broker := newTestBroker(t, backend)
	id := publishRequest(t, broker, "doc-1", "poison")

	embedder := mock.NewMockEmbedder(testDim).WithEmbedTextFunc(func(ctx context.Context, text string) ([]float32, error) {
		return nil, errors.New("always fails")
	})
	c := newTestConsumer(t, broker, embedder, store)

	for attempt := 1; attempt <= 3; attempt++ {
		msgs, err := broker.Receive(ctx, 10)
		require.NoError(t, err)
		require.Len(t, msgs, 1, "attempt %d", attempt)
		assert.Equal(t, attempt, msgs[0].ReceiveCount)
		outcomes := c.ProcessBatch(ctx, msgs)
		assert.Equal(t, ActionRedelivered, outcomes[0].Action)
	}

	// The delivery attempt after the cap dead-letters the message.
	msgs, err := broker.Receive(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	dead, err := broker.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].ID)
	assert.Equal(t, queue.ReasonMaxReceives, dead[0].Reason)

	msgs, err = broker.Receive(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, 3, embedder.CallCount())
}

func TestRedeliveryAfterTransientFailure(t *testing.T) {
	ctx := context.Background()
	store, backend := newTestStore(t)
	broker := newTestBroker(t, backend)
	publishRequest(t, broker, "doc-1", "flaky")

	var calls atomic.Int64
	embedder := mock.NewMockEmbedder(testDim).WithEmbedTextFunc(func(ctx context.Context, text string) ([]float32, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("transient")
		}
		return mock.GenerateDeterministicVector(text, testDim), nil
	})
	c := newTestConsumer(t, broker, embedder, store)

	for i := 0; i < 2; i++ {
		msgs, err := broker.Receive(ctx, 10)
		require.NoError(t, err)
		require.Len(t, msgs, 1)
		c.ProcessBatch(ctx, msgs)
	}

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	stats, err := broker.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{}, stats)
}

func TestProducerToConsumer_EndToEnd(t *testing.T) {
	const dim = 768
	store, backend, err := storebadger.NewMemoryDocumentStore(dim)
	require.NoError(t, err)
	defer backend.Close()
	broker := newTestBroker(t, backend)

	producer, err := NewProducer(broker)
	require.NoError(t, err)
	ack, err := producer.Enqueue(context.Background(), &core.DocumentRequest{DocumentID: "doc-1", InputText: "hello world"})
	require.NoError(t, err)
	assert.NotEmpty(t, ack.MessageID)

	c, err := NewConsumer(broker, mock.NewMockEmbedder(dim), store,
		WithBatchWindow(20*time.Millisecond),
		WithPollInterval(5*time.Millisecond),
	)
	require.NoError(t, err)
	defer c.Release()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := store.GetEmbedding(context.Background(), "doc-1")
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	stored, err := store.GetEmbedding(context.Background(), "doc-1")
	require.NoError(t, err)
	assert.Len(t, stored.Vector, dim)
}

func TestRun_DispatchesPartialBatchAfterWindow(t *testing.T) {
	store, backend := newTestStore(t)
	broker := newTestBroker(t, backend)
	publishRequest(t, broker, "doc-1", "one")
	publishRequest(t, broker, "doc-2", "two")

	c := newTestConsumer(t, broker, mock.NewMockEmbedder(testDim), store,
		WithBatchSize(10),
		WithBatchWindow(30*time.Millisecond),
		WithPollInterval(5*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool {
		n, err := store.Count(context.Background())
		return err == nil && n == 2
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestNewConsumer_Validation(t *testing.T) {
	store, _ := newTestStore(t)
	embedder := mock.NewMockEmbedder(testDim)
	receiver := &recordingReceiver{}

	_, err := NewConsumer(nil, embedder, store)
	assert.ErrorIs(t, err, ErrReceiverRequired)
	_, err = NewConsumer(receiver, nil, store)
	assert.ErrorIs(t, err, ErrEmbedderRequired)
	_, err = NewConsumer(receiver, embedder, nil)
	assert.ErrorIs(t, err, ErrStoreRequired)
	_, err = NewConsumer(receiver, embedder, store, WithBatchSize(0))
	assert.Error(t, err)
	_, err = NewConsumer(receiver, embedder, store, WithPollInterval(0))
	assert.Error(t, err)
}
