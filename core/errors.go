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


package core

import "errors"

// Failure classes. Every error surfaced by a handler wraps exactly one of these.
var (
	// ErrValidation indicates a malformed request. Never retried.
	ErrValidation = errors.New("validation error")

	// ErrGeneration indicates the embedding service failed or timed out.
	ErrGeneration = errors.New("embedding generation failed")

	// ErrPersistence indicates the document store failed or timed out.
	ErrPersistence = errors.New("persistence failed")

	// ErrPublish indicates the queue refused or timed out a publish.
	ErrPublish = errors.New("publish failed")
)

// Domain validation errors
var (
	// ErrEmptyText indicates the input text is empty or only whitespace.
	ErrEmptyText = errors.New("input text cannot be empty")

	// ErrMissingDocumentID indicates the document id is absent.
	ErrMissingDocumentID = errors.New("document id is required")

	// ErrInvalidDocumentID indicates the document id cannot be used by the store.
	ErrInvalidDocumentID = errors.New("invalid document id")

	// ErrMissingRequest indicates a nil request was passed to a validator.
	ErrMissingRequest = errors.New("request is required")

	// ErrMalformedMessage indicates a queue body could not be decoded.
	ErrMalformedMessage = errors.New("malformed queue message")

	// ErrDimensionMismatch indicates a vector does not have the configured length.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)
