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
	"fmt"
	"strings"
)

// ValidateEmbedRequest validates a synchronous request.
//
// Validation rules:
//   - InputText must contain at least one non-whitespace character
func ValidateEmbedRequest(req *EmbedRequest) error {
	if req == nil {
		return fmt.Errorf("%w: %w", ErrValidation, ErrMissingRequest)
	}
	return ValidateText(req.InputText)
}

// ValidateDocumentRequest validates an asynchronous or producer request.
//
// Validation rules:
//   - DocumentID must not be empty
//   - InputText must contain at least one non-whitespace character
//
// The format of DocumentID is NOT validated here; stores reject ids they
// cannot address.
func ValidateDocumentRequest(req *DocumentRequest) error {
	if req == nil {
		return fmt.Errorf("%w: %w", ErrValidation, ErrMissingRequest)
	}
	if strings.TrimSpace(req.DocumentID) == "" {
		return fmt.Errorf("%w: %w", ErrValidation, ErrMissingDocumentID)
	}
	return ValidateText(req.InputText)
}

// ValidateQueueMessage validates a decoded queue body.
func ValidateQueueMessage(msg *QueueMessage) error {
	if msg == nil {
		return fmt.Errorf("%w: %w", ErrValidation, ErrMalformedMessage)
	}
	req := msg.Request()
	return ValidateDocumentRequest(&req)
}

// ValidateText rejects empty and whitespace-only text.
func ValidateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: %w", ErrValidation, ErrEmptyText)
	}
	return nil
}

// CheckDimension verifies that vector has exactly dim components.
// A dim of zero or less disables the check.
func CheckDimension(vector []float32, dim int) error {
	if len(vector) == 0 {
		return fmt.Errorf("%w: empty vector", ErrDimensionMismatch)
	}
	if dim > 0 && len(vector) != dim {
		return fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, dim, len(vector))
	}
	return nil
}
