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
	"fmt"

	"github.com/jackc/pgx/v5"
)

// SchemaStatements returns the DDL that provisions the store, in order.
// Every statement is idempotent.
func (s *Store) SchemaStatements() []string {
	schema := pgx.Identifier{s.cfg.Schema}.Sanitize()
	table := pgx.Identifier{s.cfg.Schema, s.cfg.Table}.Sanitize()
	fn := pgx.Identifier{s.cfg.Schema, s.cfg.Function}.Sanitize()

	return []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id UUID PRIMARY KEY,
	content TEXT,
	embedding vector(%d),
	updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
)`, table, s.cfg.Dimension),
		fmt.Sprintf(`CREATE OR REPLACE FUNCTION %s(p_document_id UUID, p_embedding vector)
RETURNS void LANGUAGE sql AS $fn$
	INSERT INTO %s (id, embedding, updated_at)
	VALUES (p_document_id, p_embedding, NOW())
	ON CONFLICT (id) DO UPDATE SET
	    embedding = excluded.embedding,
	    updated_at = excluded.updated_at
$fn$`, fn, table),
	}
}

// EnsureSchema runs SchemaStatements.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range s.SchemaStatements() {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: ensure schema: %w", err)
		}
	}
	s.logger.Info("schema ready", "table", s.cfg.Table, "function", s.cfg.Function)
	return nil
}
