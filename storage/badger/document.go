package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/poiesic/embedpipe/core"
	"github.com/poiesic/embedpipe/storage"
)

// DocumentStore implements storage.DocumentStore for BadgerDB.
type DocumentStore struct {
	backend   *Backend
	dimension int
	now       func() time.Time
	logger    *slog.Logger
}

var _ storage.DocumentStore = (*DocumentStore)(nil)

// NewDocumentStore creates a store on backend. Vectors whose length differs
// from dimension are rejected; a dimension of zero accepts any non-empty vector.
// The backend is borrowed: Close on the store does not close it.
func NewDocumentStore(backend *Backend, dimension int) (storage.DocumentStore, error) {
	return newDocumentStore(backend, dimension)
}

func newDocumentStore(backend *Backend, dimension int) (*DocumentStore, error) {
	if backend == nil {
		return nil, errors.New("badger: backend is required")
	}
	if dimension < 0 {
		return nil, fmt.Errorf("badger: invalid dimension %d", dimension)
	}
	return &DocumentStore{
		backend:   backend,
		dimension: dimension,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    slog.Default().With("component", "badger-document-store"),
	}, nil
}

// UpsertEmbedding overwrites the record for documentID.
// The write is blind so that concurrent writers never abort each other;
// the last commit wins.
func (s *DocumentStore) UpsertEmbedding(ctx context.Context, documentID string, vector []float32) error {
	if strings.TrimSpace(documentID) == "" {
		return fmt.Errorf("%w: %w", core.ErrInvalidDocumentID, core.ErrMissingDocumentID)
	}
	if err := core.CheckDimension(vector, s.dimension); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := storage.MarshalStoredEmbedding(&core.StoredEmbedding{
		DocumentID: documentID,
		Vector:     vector,
		Checksum:   core.ChecksumVector(vector),
		UpdatedAt:  s.now(),
	})
	if err != nil {
		return err
	}

	err = s.backend.Update(ctx, func(tx *badger.Txn) error {
		return tx.Set(makeEmbeddingKey(documentID), value)
	})
	if err != nil {
		s.logger.Error("failed to store embedding", "document_id", documentID, "err", err)
		return err
	}
	s.logger.Debug("stored embedding", "document_id", documentID, "dimension", len(vector))
	return nil
}

// GetEmbedding returns the current record for documentID.
func (s *DocumentStore) GetEmbedding(ctx context.Context, documentID string) (*core.StoredEmbedding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var record *core.StoredEmbedding
	err := s.backend.View(func(tx *badger.Txn) error {
		item, err := tx.Get(makeEmbeddingKey(documentID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			record, err = storage.UnmarshalStoredEmbedding(documentID, val)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// Count returns the number of stored embeddings.
func (s *DocumentStore) Count(ctx context.Context) (int, error) {
	count := 0
	err := s.backend.View(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(embeddingPrefix + ":")
		iter := tx.NewIterator(opts)
		defer iter.Close()

		for iter.Rewind(); iter.Valid(); iter.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

// Close is a no-op; the backend is owned by the caller.
func (s *DocumentStore) Close() error {
	return nil
}
