package bulk

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/poiesic/embedpipe/core"
	"github.com/poiesic/embedpipe/ingestion"
	queuebadger "github.com/poiesic/embedpipe/queue/badger"
	storebadger "github.com/poiesic/embedpipe/storage/badger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEnqueuer struct {
	mu       sync.Mutex
	ids      []string
	attempts map[string]int
	fail     func(req *core.DocumentRequest, attempt int) error
}

func newFakeEnqueuer() *fakeEnqueuer {
	return &fakeEnqueuer{attempts: make(map[string]int)}
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, req *core.DocumentRequest) (*core.EnqueueAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.attempts[req.DocumentID]++
	if f.fail != nil {
		if err := f.fail(req, f.attempts[req.DocumentID]); err != nil {
			return nil, err
		}
	}
	f.ids = append(f.ids, req.DocumentID)
	return &core.EnqueueAck{MessageID: "m-" + req.DocumentID, DocumentID: req.DocumentID, Status: core.StatusQueued}, nil
}

func testConfig() *Config {
	return &Config{
		BatchSize:      2,
		Workers:        2,
		ReportInterval: 1,
		MaxRetries:     3,
		RetryDelay:     time.Millisecond,
	}
}

func jsonl(ids ...string) string {
	var b strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&b, `{"documentId":%q,"inputText":"text for %s"}`+"\n", id, id)
	}
	return b.String()
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"batch size", func(c *Config) { c.BatchSize = 0 }, "batch-size"},
		{"workers", func(c *Config) { c.Workers = 0 }, "workers"},
		{"report interval", func(c *Config) { c.ReportInterval = 0 }, "report-interval"},
		{"max retries", func(c *Config) { c.MaxRetries = 0 }, "max-retries"},
		{"retry delay", func(c *Config) { c.RetryDelay = 0 }, "retry-delay"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoader_Load(t *testing.T) {
	enq := newFakeEnqueuer()
	var progress bytes.Buffer
	loader := NewLoader(enq, testConfig(), &progress)

	summary, err := loader.Load(context.Background(), strings.NewReader(jsonl("a", "b", "c", "d", "e")), 5)
	require.NoError(t, err)

	assert.Equal(t, 5, summary.Lines)
	assert.Equal(t, 5, summary.Queued)
	assert.Zero(t, summary.Invalid)
	assert.Zero(t, summary.Failed)
	assert.ElementsMatch(t, []string{"a", "b", "c", "d", "e"}, enq.ids)
	assert.Contains(t, progress.String(), "5/5")
	assert.Contains(t, progress.String(), "Load complete. 5 queued")
}

func TestLoader_SkipsInvalidLines(t *testing.T) {
	enq := newFakeEnqueuer()
	loader := NewLoader(enq, testConfig(), nil)

	input := jsonl("a") + "garbage\n" + `{"documentId":"b","inputText":""}` + "\n" + jsonl("c")
	summary, err := loader.Load(context.Background(), strings.NewReader(input), 0)
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Lines)
	assert.Equal(t, 2, summary.Queued)
	assert.Equal(t, 2, summary.Invalid)
	assert.ElementsMatch(t, []string{"a", "c"}, enq.ids)
}

func TestLoader_SkipsRepeatedDocuments(t *testing.T) {
	enq := newFakeEnqueuer()
	var progress bytes.Buffer
	loader := NewLoader(enq, testConfig(), &progress)

	input := jsonl("a", "b", "a") +
		`{"documentId":"b","inputText":"revised text for b"}` + "\n" +
		jsonl("b")
	summary, err := loader.Load(context.Background(), strings.NewReader(input), 5)
	require.NoError(t, err)

	assert.Equal(t, 5, summary.Lines)
	assert.Equal(t, 3, summary.Queued)
	assert.Equal(t, 2, summary.Duplicates)
	assert.Zero(t, summary.Failed)
	assert.ElementsMatch(t, []string{"a", "b", "b"}, enq.ids)
	assert.Contains(t, progress.String(), "5/5")
	assert.Contains(t, progress.String(), "2 duplicate")
}

func TestLoader_ReadErrorCountsOnlyRealLines(t *testing.T) {
	enq := newFakeEnqueuer()
	var progress bytes.Buffer
	loader := NewLoader(enq, testConfig(), &progress)

	input := jsonl("a", "b", "c") + strings.Repeat("x", maxLineSize+1) + "\n"
	summary, err := loader.Load(context.Background(), strings.NewReader(input), 0)
	require.Error(t, err)

	require.NotNil(t, summary)
	assert.Equal(t, 3, summary.Lines)
	assert.Equal(t, 3, summary.Queued)
	assert.Contains(t, progress.String(), "Progress: 3, 0 failed")
	assert.NotContains(t, progress.String(), "Progress: 4,")
}

func TestLoader_RetriesTransientFailures(t *testing.T) {
	enq := newFakeEnqueuer()
	enq.fail = func(req *core.DocumentRequest, attempt int) error {
		if req.DocumentID == "flaky" && attempt < 3 {
			return fmt.Errorf("%w: broker unavailable", core.ErrPublish)
		}
		return nil
	}
	loader := NewLoader(enq, testConfig(), nil)

	summary, err := loader.Load(context.Background(), strings.NewReader(jsonl("ok", "flaky")), 2)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Queued)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, 3, enq.attempts["flaky"])
}

func TestLoader_CountsExhaustedFailures(t *testing.T) {
	enq := newFakeEnqueuer()
	enq.fail = func(req *core.DocumentRequest, attempt int) error {
		if req.DocumentID == "down" {
			return fmt.Errorf("%w: broker unavailable", core.ErrPublish)
		}
		return nil
	}
	loader := NewLoader(enq, testConfig(), nil)

	summary, err := loader.Load(context.Background(), strings.NewReader(jsonl("a", "down", "b")), 3)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Queued)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 3, enq.attempts["down"])
}

func TestLoader_DoesNotRetryValidationFailures(t *testing.T) {
	enq := newFakeEnqueuer()
	enq.fail = func(req *core.DocumentRequest, attempt int) error {
		return fmt.Errorf("%w: rejected", core.ErrValidation)
	}
	loader := NewLoader(enq, testConfig(), nil)

	summary, err := loader.Load(context.Background(), strings.NewReader(jsonl("a")), 1)
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, enq.attempts["a"])
}

func TestLoader_CanceledContext(t *testing.T) {
	enq := newFakeEnqueuer()
	loader := NewLoader(enq, testConfig(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := loader.Load(ctx, strings.NewReader(jsonl("a", "b")), 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	require.NotNil(t, summary)
	assert.Zero(t, summary.Queued)
}

func TestLoader_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 0
	loader := NewLoader(newFakeEnqueuer(), cfg, nil)

	_, err := loader.Load(context.Background(), strings.NewReader(jsonl("a")), 1)
	require.Error(t, err)
}

func TestLoader_LoadFileIntoBroker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docs.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(jsonl("doc-1", "doc-2", "doc-3")), 0o644))

	backend, err := storebadger.OpenBackend("", true)
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	broker, err := queuebadger.NewBroker(backend)
	require.NoError(t, err)
	producer, err := ingestion.NewProducer(broker)
	require.NoError(t, err)

	var progress bytes.Buffer
	summary, err := NewLoader(producer, testConfig(), &progress).LoadFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Queued)
	assert.Contains(t, progress.String(), "3/3")

	stats, err := broker.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Visible)
}

func TestLoader_LoadFileMissing(t *testing.T) {
	loader := NewLoader(newFakeEnqueuer(), testConfig(), nil)
	_, err := loader.LoadFile(context.Background(), filepath.Join(t.TempDir(), "missing.jsonl"))
	require.Error(t, err)
}
