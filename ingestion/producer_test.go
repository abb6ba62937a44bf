package ingestion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/poiesic/embedpipe/core"
	"github.com/poiesic/embedpipe/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPublisher struct {
	bodies [][]byte
	err    error
}

func (p *stubPublisher) Publish(ctx context.Context, body []byte) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	p.bodies = append(p.bodies, body)
	return "msg-1", nil
}

func TestProducer_Enqueue(t *testing.T) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	pub := &stubPublisher{}
	p, err := NewProducer(pub, WithClock(func() time.Time { return ts }))
	require.NoError(t, err)

	ack, err := p.Enqueue(context.Background(), &core.DocumentRequest{DocumentID: "doc-1", InputText: "hello world"})
	require.NoError(t, err)
	assert.Equal(t, &core.EnqueueAck{MessageID: "msg-1", DocumentID: "doc-1", Status: core.StatusQueued}, ack)

	require.Len(t, pub.bodies, 1)
	msg, err := queue.DecodeMessage(pub.bodies[0])
	require.NoError(t, err)
	assert.Equal(t, "doc-1", msg.DocumentID)
	assert.Equal(t, "hello world", msg.InputText)
	assert.True(t, ts.Equal(msg.Timestamp))
}

func TestProducer_Validation(t *testing.T) {
	pub := &stubPublisher{}
	p, err := NewProducer(pub)
	require.NoError(t, err)

	_, err = p.Enqueue(context.Background(), &core.DocumentRequest{InputText: "text"})
	assert.ErrorIs(t, err, core.ErrValidation)
	_, err = p.Enqueue(context.Background(), &core.DocumentRequest{DocumentID: "doc-1"})
	assert.ErrorIs(t, err, core.ErrValidation)
	assert.Empty(t, pub.bodies)
}

func TestProducer_PublishFailure(t *testing.T) {
	p, err := NewProducer(&stubPublisher{err: queue.ErrBrokerClosed})
	require.NoError(t, err)

	_, err = p.Enqueue(context.Background(), &core.DocumentRequest{DocumentID: "doc-1", InputText: "text"})
	assert.Equal(t, core.KindPublish, core.KindOf(err))
	assert.ErrorIs(t, err, queue.ErrBrokerClosed)
}

func TestProducer_PublishTimeout(t *testing.T) {
	slow := publisherFunc(func(ctx context.Context, body []byte) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	p, err := NewProducer(slow, WithTimeouts(Timeouts{Publish: 10 * time.Millisecond}))
	require.NoError(t, err)

	_, err = p.Enqueue(context.Background(), &core.DocumentRequest{DocumentID: "doc-1", InputText: "text"})
	assert.ErrorIs(t, err, core.ErrPublish)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestNewProducer_RequiresPublisher(t *testing.T) {
	_, err := NewProducer(nil)
	assert.ErrorIs(t, err, ErrPublisherRequired)
}

type publisherFunc func(ctx context.Context, body []byte) (string, error)

func (f publisherFunc) Publish(ctx context.Context, body []byte) (string, error) {
	return f(ctx, body)
}
