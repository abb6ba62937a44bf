package core

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/go-crypt/x/blake2b"
)

// ID is a compact content fingerprint.
type ID uint64

// IDFromContent generates a deterministic ID from text content using BLAKE2b hashing.
// This ensures that identical content produces identical IDs.
func IDFromContent(text string) ID {
	h, _ := blake2b.New(8, nil) // 8 bytes = 64 bits
	h.Write([]byte(text))
	sum := h.Sum(nil)
	return ID(binary.LittleEndian.Uint64(sum))
}

// ChecksumVector fingerprints a vector by its exact float32 bit patterns.
// Two stores holding the same checksum for an id hold the same vector.
func ChecksumVector(vector []float32) ID {
	h, _ := blake2b.New(8, nil)
	var buf [4]byte
	for _, v := range vector {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
		h.Write(buf[:])
	}
	return ID(binary.LittleEndian.Uint64(h.Sum(nil)))
}

// EmbedRequest is the input of the synchronous pattern.
type EmbedRequest struct {
	InputText string `json:"inputText"`
}

// DocumentRequest pairs a document identifier with the text to embed.
// It is the input of the asynchronous pattern and the producer.
type DocumentRequest struct {
	DocumentID string `json:"documentId"`
	InputText  string `json:"inputText"`
}

// QueueMessage is the body published by the producer and decoded by the consumer.
type QueueMessage struct {
	DocumentID string    `json:"documentId"`
	InputText  string    `json:"inputText"`
	Timestamp  time.Time `json:"timestamp"`
}

// Request returns the document request carried by the message.
func (m *QueueMessage) Request() DocumentRequest {
	return DocumentRequest{DocumentID: m.DocumentID, InputText: m.InputText}
}

// StoredEmbedding is the current vector held for a document.
type StoredEmbedding struct {
	DocumentID string
	Vector     []float32
	Checksum   ID        // ChecksumVector of Vector
	UpdatedAt  time.Time // When the vector was last written
}

// EmbedResponse is returned by the synchronous pattern.
type EmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Acknowledgment status values.
const (
	StatusProcessed = "processed"
	StatusAccepted  = "accepted"
	StatusQueued    = "queued"
)

// DocumentAck acknowledges an asynchronous request.
type DocumentAck struct {
	DocumentID string `json:"documentId"`
	Status     string `json:"status"`
	Message    string `json:"message,omitempty"`
}

// EnqueueAck is returned by the producer once the broker accepted a message.
type EnqueueAck struct {
	MessageID  string `json:"messageId"`
	DocumentID string `json:"documentId"`
	Status     string `json:"status"`
}
