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


package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/mus-format/mus-go/raw"
	"github.com/pgvector/pgvector-go"
	"github.com/poiesic/embedpipe/core"
)

// recordHeaderSize is checksum (8) + updated-at nanos (8), both fixed-width
// mus raw encodings. The pgvector binary form follows.
const recordHeaderSize = 16

// FormatVector renders vector as a pgvector literal such as "[0.1,0.2,0.3]".
func FormatVector(vector []float32) string {
	return pgvector.NewVector(vector).String()
}

// ParseVector parses a pgvector literal.
func ParseVector(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return nil, fmt.Errorf("%w: not a vector literal: %q", ErrSerializationFailed, s)
	}
	if strings.TrimSpace(s[1:len(s)-1]) == "" {
		return []float32{}, nil
	}
	var v pgvector.Vector
	if err := v.Parse(s); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerializationFailed, err)
	}
	return v.Slice(), nil
}

// MarshalStoredEmbedding serializes a record to bytes.
// The document id is not included; it is the key.
func MarshalStoredEmbedding(record *core.StoredEmbedding) ([]byte, error) {
	buf := make([]byte, recordHeaderSize, recordHeaderSize+4+4*len(record.Vector))
	n := raw.Uint64.Marshal(uint64(record.Checksum), buf)
	raw.Int64.Marshal(record.UpdatedAt.UnixNano(), buf[n:])
	buf, err := pgvector.NewVector(record.Vector).EncodeBinary(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerializationFailed, err)
	}
	return buf, nil
}

// UnmarshalStoredEmbedding deserializes a record produced by MarshalStoredEmbedding.
func UnmarshalStoredEmbedding(documentID string, data []byte) (*core.StoredEmbedding, error) {
	if len(data) < recordHeaderSize+4 {
		return nil, fmt.Errorf("%w: record is %d bytes", ErrTruncatedData, len(data))
	}
	dim := int(data[recordHeaderSize])<<8 | int(data[recordHeaderSize+1])
	if len(data) != recordHeaderSize+4+4*dim {
		return nil, fmt.Errorf("%w: expected %d components", ErrTruncatedData, dim)
	}

	checksum, n, err := raw.Uint64.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerializationFailed, err)
	}
	updatedAt, _, err := raw.Int64.Unmarshal(data[n:])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerializationFailed, err)
	}

	var v pgvector.Vector
	if err := v.DecodeBinary(data[recordHeaderSize:]); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerializationFailed, err)
	}
	return &core.StoredEmbedding{
		DocumentID: documentID,
		Vector:     v.Slice(),
		Checksum:   core.ID(checksum),
		UpdatedAt:  time.Unix(0, updatedAt).UTC(),
	}, nil
}
