package queue

import (
	"encoding/json"
	"fmt"

	"github.com/poiesic/embedpipe/core"
)

// EncodeMessage serializes a queue message as JSON.
func EncodeMessage(msg *core.QueueMessage) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", core.ErrMalformedMessage, err)
	}
	return data, nil
}

// DecodeMessage parses and validates a queue body. Every error wraps
// core.ErrValidation, so an undecodable body is never retried.
func DecodeMessage(body []byte) (*core.QueueMessage, error) {
	var msg core.QueueMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("%w: %w: %w", core.ErrValidation, core.ErrMalformedMessage, err)
	}
	if err := core.ValidateQueueMessage(&msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
