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

import (
	"context"
	"errors"
)

// FailureKind names a failure class in structured payloads.
type FailureKind string

const (
	KindValidation  FailureKind = "ValidationError"
	KindGeneration  FailureKind = "GenerationFailure"
	KindPersistence FailureKind = "PersistenceFailure"
	KindPublish     FailureKind = "PublishFailure"
	KindInternal    FailureKind = "InternalError"
	KindNotFound    FailureKind = "NotFound"
)

// Failure is the structured error payload returned by the request/response
// entry points.
type Failure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// Error implements error.
func (f *Failure) Error() string {
	return string(f.Kind) + ": " + f.Message
}

// KindOf classifies err. Errors carrying no known class are internal.
func KindOf(err error) FailureKind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrGeneration):
		return KindGeneration
	case errors.Is(err, ErrPersistence):
		return KindPersistence
	case errors.Is(err, ErrPublish):
		return KindPublish
	default:
		return KindInternal
	}
}

// NewFailure renders err as a payload.
func NewFailure(err error) *Failure {
	if err == nil {
		return nil
	}
	return &Failure{Kind: KindOf(err), Message: err.Error()}
}

// Retryable reports whether err may succeed on a later attempt.
// Validation failures and caller cancellation never do.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrValidation) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
