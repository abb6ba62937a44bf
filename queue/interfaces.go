package queue

import (
	"context"
	"time"
)

// Message is a leased delivery.
type Message struct {
	ID string

	// Body is the opaque payload given to Publish.
	Body []byte

	// ReceiveCount is the number of times the message has been received,
	// including this delivery.
	ReceiveCount int

	// Receipt identifies this lease. Settling with a stale receipt fails
	// with ErrLeaseExpired.
	Receipt string

	EnqueuedAt time.Time
}

// DeadLetter is a message parked for manual inspection.
type DeadLetter struct {
	ID             string
	Body           []byte
	ReceiveCount   int
	Reason         string
	EnqueuedAt     time.Time
	DeadLetteredAt time.Time
}

// Stats is a point-in-time view of a broker.
type Stats struct {
	Visible      int // ready for delivery
	Delayed      int // leased or waiting out a backoff
	DeadLettered int
}

// Publisher accepts new messages.
type Publisher interface {
	// Publish stores body durably and returns the broker-assigned message id.
	Publish(ctx context.Context, body []byte) (string, error)
}

// Receiver leases and settles messages.
type Receiver interface {
	// Receive leases up to max visible messages. It returns an empty slice,
	// not an error, when nothing is visible.
	Receive(ctx context.Context, max int) ([]*Message, error)

	// Ack deletes the message.
	Ack(ctx context.Context, msg *Message) error

	// Nack releases the lease; the message becomes visible again after the
	// redelivery backoff for its receive count.
	Nack(ctx context.Context, msg *Message, cause error) error

	// Reject dead-letters the message immediately.
	Reject(ctx context.Context, msg *Message, cause error) error
}

// DeadLetterQueue exposes the dead-letter area.
type DeadLetterQueue interface {
	// DeadLetters lists up to limit dead letters in message id order.
	// Ids are time-ordered, so older messages come first.
	DeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error)

	// Redrive moves a dead letter back to the queue with a fresh receive count.
	// Returns ErrNotFound if id is not dead-lettered.
	Redrive(ctx context.Context, id string) error

	// Bury writes body straight to the dead-letter area. It is used for work
	// that failed outside the queue and must still be inspected.
	Bury(ctx context.Context, body []byte, reason string) (string, error)

	// Purge deletes a dead letter. Returns ErrNotFound if id is unknown.
	Purge(ctx context.Context, id string) error
}

// Broker is a complete queue.
type Broker interface {
	Publisher
	Receiver
	DeadLetterQueue

	Stats(ctx context.Context) (Stats, error)
	Close() error
}
