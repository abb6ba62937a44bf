package storage

import (
	"context"

	"github.com/poiesic/embedpipe/core"
)

// DocumentStore holds the current embedding of each document.
// Implementations must be thread-safe and support concurrent access.
type DocumentStore interface {
	// UpsertEmbedding replaces the vector stored for documentID, creating the
	// record if needed. Repeating a call with the same arguments leaves the
	// store unchanged. Concurrent calls for the same id resolve to the last
	// write the backend observes.
	// Returns an error wrapping core.ErrInvalidDocumentID if the id cannot be
	// addressed by the backend, and core.ErrDimensionMismatch if the vector
	// length is not the configured dimension.
	UpsertEmbedding(ctx context.Context, documentID string, vector []float32) error

	// GetEmbedding returns the current record for documentID.
	// Returns ErrNotFound if no embedding was stored.
	GetEmbedding(ctx context.Context, documentID string) (*core.StoredEmbedding, error)

	// Count returns the number of documents holding an embedding.
	Count(ctx context.Context) (int, error)

	// Close closes the storage backend and releases resources.
	Close() error
}
