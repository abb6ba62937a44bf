package ingestion

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/poiesic/embedpipe/core"
	"github.com/poiesic/embedpipe/queue"
	queuebadger "github.com/poiesic/embedpipe/queue/badger"
	"github.com/poiesic/embedpipe/storage"
	storebadger "github.com/poiesic/embedpipe/storage/badger"
	"github.com/stretchr/testify/require"
)

const testDim = 8

// countingStore wraps a DocumentStore and counts upserts. When err is set,
// every upsert fails with it.
type countingStore struct {
	storage.DocumentStore
	upserts atomic.Int64
	err     error
}

func (s *countingStore) UpsertEmbedding(ctx context.Context, documentID string, vector []float32) error {
	s.upserts.Add(1)
	if s.err != nil {
		return s.err
	}
	return s.DocumentStore.UpsertEmbedding(ctx, documentID, vector)
}

func newTestStore(t *testing.T) (*storebadger.DocumentStore, *storebadger.Backend) {
	t.Helper()
	store, backend, err := storebadger.NewMemoryDocumentStore(testDim)
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })
	return store, backend
}

func newTestBroker(t *testing.T, backend *storebadger.Backend) *queuebadger.Broker {
	t.Helper()
	b, err := queuebadger.NewBroker(backend, queuebadger.WithPolicy(queue.RedeliveryPolicy{
		MaxReceiveCount:   3,
		VisibilityTimeout: time.Minute,
	}))
	require.NoError(t, err)
	return b
}

func publishRequest(t *testing.T, p queue.Publisher, documentID, text string) string {
	t.Helper()
	body, err := queue.EncodeMessage(&core.QueueMessage{DocumentID: documentID, InputText: text, Timestamp: time.Now().UTC()})
	require.NoError(t, err)
	id, err := p.Publish(context.Background(), body)
	require.NoError(t, err)
	return id
}

// recordingReceiver records how messages were settled.
type recordingReceiver struct {
	mu       sync.Mutex
	acked    []string
	nacked   []string
	rejected []string
	settle   error
}

func (r *recordingReceiver) Receive(ctx context.Context, max int) ([]*queue.Message, error) {
	return []*queue.Message{}, nil
}

func (r *recordingReceiver) Ack(ctx context.Context, msg *queue.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acked = append(r.acked, msg.ID)
	return r.settle
}

func (r *recordingReceiver) Nack(ctx context.Context, msg *queue.Message, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nacked = append(r.nacked, msg.ID)
	return r.settle
}

func (r *recordingReceiver) Reject(ctx context.Context, msg *queue.Message, cause error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rejected = append(r.rejected, msg.ID)
	return r.settle
}

// recordingSink records buried bodies.
type recordingSink struct {
	mu      sync.Mutex
	bodies  [][]byte
	reasons []string
}

func (s *recordingSink) Bury(ctx context.Context, body []byte, reason string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bodies = append(s.bodies, body)
	s.reasons = append(s.reasons, reason)
	return "dead-1", nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bodies)
}
