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


// Package storage provides the document store abstraction for embedpipe.
//
// A DocumentStore maps a document identifier to exactly one current vector.
// Writes are idempotent overwrites, so redelivered work can be applied again
// without deduplication.
//
// # Constructor Return Type Pattern
//
// Public constructors return the storage.DocumentStore interface to keep
// handlers decoupled from the backend:
//
//	store, err := badger.NewDocumentStore(backend, 768)  // returns storage.DocumentStore
//
// # Backends
//
//   - storage/badger: embedded BadgerDB, used for local runs and tests
//   - storage/postgres: PostgreSQL with the pgvector extension, written
//     through the update_document_embedding stored function
//
// # Usage
//
// Use in tests with in-memory storage:
//
//	store, backend, err := badger.NewMemoryDocumentStore(8)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer backend.Close()
//
// # Thread Safety
//
// All store implementations must be thread-safe and support
// concurrent access from multiple goroutines.
//
// # Context Support
//
// All store methods accept context.Context for cancellation and timeout
// support. Handlers bound every call with their configured store timeout.
package storage
