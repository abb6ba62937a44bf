package ingestion

import "errors"

var (
	// ErrEmbedderRequired is returned when an embedder is not provided.
	ErrEmbedderRequired = errors.New("embedder required")

	// ErrStoreRequired is returned when a document store is not provided.
	ErrStoreRequired = errors.New("document store required")

	// ErrPublisherRequired is returned when a queue publisher is not provided.
	ErrPublisherRequired = errors.New("queue publisher required")

	// ErrReceiverRequired is returned when a queue receiver is not provided.
	ErrReceiverRequired = errors.New("queue receiver required")

	// ErrHandlerRequired is returned when an async handler is not provided.
	ErrHandlerRequired = errors.New("async handler required")

	// ErrSinkRequired is returned when a dead-letter sink is not provided.
	ErrSinkRequired = errors.New("dead-letter sink required")
)
