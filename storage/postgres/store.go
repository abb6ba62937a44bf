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


package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/poiesic/embedpipe/core"
	"github.com/poiesic/embedpipe/storage"
)

const (
	DefaultSchema   = "public"
	DefaultTable    = "documents"
	DefaultFunction = "update_document_embedding"
)

// DB is the subset of pgxpool.Pool used by Store.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Config describes where embeddings live.
type Config struct {
	// DSN is a libpq connection string or URL.
	DSN string

	// Schema holding the table and the upsert function.
	// Default: "public"
	Schema string

	// Table keyed by document id (uuid) with an embedding vector column.
	// Default: "documents"
	Table string

	// Function called for every write as fn(document_id uuid, embedding vector).
	// Default: "update_document_embedding"
	Function string

	// Dimension of the embedding column. Required.
	Dimension int

	// EnsureSchema creates the extension, schema, table and function on Open.
	EnsureSchema bool

	// MaxConns caps the pool. Zero keeps the pgxpool default.
	MaxConns int32
}

func (c *Config) normalize() {
	if c.Schema == "" {
		c.Schema = DefaultSchema
	}
	if c.Table == "" {
		c.Table = DefaultTable
	}
	if c.Function == "" {
		c.Function = DefaultFunction
	}
}

// Validate checks the configuration, filling defaults first.
func (c *Config) Validate() error {
	c.normalize()
	if c.Dimension < 1 {
		return errors.New("postgres: Dimension must be positive")
	}
	return nil
}

// Store implements storage.DocumentStore on PostgreSQL with pgvector.
type Store struct {
	db        DB
	pool      *pgxpool.Pool
	cfg       Config
	upsertSQL string
	selectSQL string
	countSQL  string
	logger    *slog.Logger
}

var _ storage.DocumentStore = (*Store)(nil)

// Open connects a pool and returns a store that owns it.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	store, err := New(pool, cfg)
	if err != nil {
		pool.Close()
		return nil, err
	}
	store.pool = pool

	if cfg.EnsureSchema {
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}
	return store, nil
}

// New wraps an existing connection. The caller keeps ownership of db.
func New(db DB, cfg Config) (*Store, error) {
	if db == nil {
		return nil, errors.New("postgres: db is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	fn := pgx.Identifier{cfg.Schema, cfg.Function}.Sanitize()
	table := pgx.Identifier{cfg.Schema, cfg.Table}.Sanitize()
	return &Store{
		db:        db,
		cfg:       cfg,
		upsertSQL: fmt.Sprintf("SELECT %s($1::uuid, $2::vector)", fn),
		selectSQL: fmt.Sprintf("SELECT embedding::text, updated_at FROM %s WHERE id = $1::uuid", table),
		countSQL:  fmt.Sprintf("SELECT count(*) FROM %s WHERE embedding IS NOT NULL", table),
		logger: slog.Default().With(
			"component", "postgres-document-store",
			"schema", cfg.Schema,
		),
	}, nil
}

// ParseDocumentID returns the canonical form of a UUID document id.
func ParseDocumentID(documentID string) (string, error) {
	id, err := uuid.Parse(strings.TrimSpace(documentID))
	if err != nil {
		return "", fmt.Errorf("%w: %q is not a UUID", core.ErrInvalidDocumentID, documentID)
	}
	return id.String(), nil
}

// UpsertEmbedding calls the upsert function with the id and a vector literal.
func (s *Store) UpsertEmbedding(ctx context.Context, documentID string, vector []float32) error {
	id, err := ParseDocumentID(documentID)
	if err != nil {
		return err
	}
	if err := core.CheckDimension(vector, s.cfg.Dimension); err != nil {
		return err
	}

	if _, err := s.db.Exec(ctx, s.upsertSQL, id, storage.FormatVector(vector)); err != nil {
		s.logger.Error("failed to update document embedding", "document_id", id, "err", err)
		return fmt.Errorf("postgres: update embedding %q: %w", id, err)
	}
	s.logger.Debug("updated document embedding", "document_id", id, "dimension", len(vector))
	return nil
}

// GetEmbedding reads the current vector for documentID.
func (s *Store) GetEmbedding(ctx context.Context, documentID string) (*core.StoredEmbedding, error) {
	id, err := ParseDocumentID(documentID)
	if err != nil {
		return nil, err
	}

	var (
		literal   *string
		updatedAt time.Time
	)
	err = s.db.QueryRow(ctx, s.selectSQL, id).Scan(&literal, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: read embedding %q: %w", id, err)
	}
	if literal == nil {
		// Row exists but has never been embedded.
		return nil, storage.ErrNotFound
	}

	vector, err := storage.ParseVector(*literal)
	if err != nil {
		return nil, err
	}
	return &core.StoredEmbedding{
		DocumentID: id,
		Vector:     vector,
		Checksum:   core.ChecksumVector(vector),
		UpdatedAt:  updatedAt.UTC(),
	}, nil
}

// Count returns the number of rows holding an embedding.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int64
	if err := s.db.QueryRow(ctx, s.countSQL).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count embeddings: %w", err)
	}
	return int(n), nil
}

// Close releases the pool if the store opened it.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
