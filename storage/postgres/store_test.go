package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/poiesic/embedpipe/core"
	"github.com/poiesic/embedpipe/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSchema = "03_rds_lambda_bedrock_async"
	testID     = "0b6f1a2e-7c1d-4e55-9d2a-3c4b5a6f7e80"
	upsertSQL  = `SELECT "03_rds_lambda_bedrock_async"."update_document_embedding"($1::uuid, $2::vector)`
	selectSQL  = `SELECT embedding::text, updated_at FROM "03_rds_lambda_bedrock_async"."documents" WHERE id = $1::uuid`
	countSQL   = `SELECT count(*) FROM "03_rds_lambda_bedrock_async"."documents" WHERE embedding IS NOT NULL`
)

func newMockStore(t *testing.T, dim int) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := New(mock, Config{Schema: testSchema, Dimension: dim})
	require.NoError(t, err)
	return store, mock
}

func TestUpsertEmbedding(t *testing.T) {
	store, mock := newMockStore(t, 3)

	mock.ExpectExec(upsertSQL).
		WithArgs(testID, "[0.1,0.2,0.3]").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))

	err := store.UpsertEmbedding(context.Background(), testID, []float32{0.1, 0.2, 0.3})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertEmbedding_CanonicalizesID(t *testing.T) {
	store, mock := newMockStore(t, 1)

	mock.ExpectExec(upsertSQL).
		WithArgs(testID, "[1]").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))

	err := store.UpsertEmbedding(context.Background(), " 0B6F1A2E-7C1D-4E55-9D2A-3C4B5A6F7E80 ", []float32{1})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertEmbedding_RejectsBeforeRoundTrip(t *testing.T) {
	store, mock := newMockStore(t, 3)

	err := store.UpsertEmbedding(context.Background(), "doc-1", []float32{1, 2, 3})
	assert.ErrorIs(t, err, core.ErrInvalidDocumentID)

	err = store.UpsertEmbedding(context.Background(), testID, []float32{1, 2})
	assert.ErrorIs(t, err, core.ErrDimensionMismatch)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertEmbedding_DatabaseError(t *testing.T) {
	store, mock := newMockStore(t, 1)
	boom := errors.New("connection reset")

	mock.ExpectExec(upsertSQL).WithArgs(testID, "[1]").WillReturnError(boom)

	err := store.UpsertEmbedding(context.Background(), testID, []float32{1})
	assert.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpsertEmbedding_Timeout(t *testing.T) {
	store, mock := newMockStore(t, 1)

	mock.ExpectExec(upsertSQL).
		WithArgs(testID, "[1]").
		WillReturnResult(pgxmock.NewResult("SELECT", 1)).
		WillDelayFor(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := store.UpsertEmbedding(ctx, testID, []float32{1})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestGetEmbedding(t *testing.T) {
	store, mock := newMockStore(t, 2)
	updated := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	literal := "[0.5,-1]"

	mock.ExpectQuery(selectSQL).
		WithArgs(testID).
		WillReturnRows(pgxmock.NewRows([]string{"embedding", "updated_at"}).AddRow(&literal, updated))

	record, err := store.GetEmbedding(context.Background(), testID)
	require.NoError(t, err)
	assert.Equal(t, testID, record.DocumentID)
	assert.Equal(t, []float32{0.5, -1}, record.Vector)
	assert.Equal(t, core.ChecksumVector([]float32{0.5, -1}), record.Checksum)
	assert.True(t, updated.Equal(record.UpdatedAt))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetEmbedding_NotFound(t *testing.T) {
	store, mock := newMockStore(t, 2)

	mock.ExpectQuery(selectSQL).WithArgs(testID).WillReturnError(pgx.ErrNoRows)

	_, err := store.GetEmbedding(context.Background(), testID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCount(t *testing.T) {
	store, mock := newMockStore(t, 2)

	mock.ExpectQuery(countSQL).WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(7)))

	n, err := store.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCount_Error(t *testing.T) {
	store, mock := newMockStore(t, 2)

	mock.ExpectQuery(countSQL).WillReturnError(errors.New("connection reset"))

	_, err := store.Count(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "count embeddings")
}

func TestEnsureSchema(t *testing.T) {
	store, mock := newMockStore(t, 1536)

	stmts := store.SchemaStatements()
	require.Len(t, stmts, 4)
	assert.Contains(t, stmts[1], `CREATE SCHEMA IF NOT EXISTS "03_rds_lambda_bedrock_async"`)
	assert.Contains(t, stmts[2], "vector(1536)")
	assert.Contains(t, stmts[3], "ON CONFLICT (id) DO UPDATE")

	for _, stmt := range stmts {
		mock.ExpectExec(stmt).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}
	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema_Error(t *testing.T) {
	store, mock := newMockStore(t, 4)
	boom := errors.New("permission denied")

	mock.ExpectExec("CREATE EXTENSION IF NOT EXISTS vector").WillReturnError(boom)

	err := store.EnsureSchema(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{Dimension: 8}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, DefaultSchema, cfg.Schema)
	assert.Equal(t, DefaultTable, cfg.Table)
	assert.Equal(t, DefaultFunction, cfg.Function)

	cfg = Config{}
	assert.Error(t, cfg.Validate())

	_, err := New(nil, Config{Dimension: 8})
	assert.Error(t, err)
}

func TestParseDocumentID(t *testing.T) {
	id, err := ParseDocumentID(testID)
	require.NoError(t, err)
	assert.Equal(t, testID, id)

	_, err = ParseDocumentID("not-a-uuid")
	assert.ErrorIs(t, err, core.ErrInvalidDocumentID)
}
