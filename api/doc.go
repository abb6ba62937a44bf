// Package api exposes the pipeline over HTTP with gin.
//
//	POST /v1/embeddings                  synchronous embedding
//	POST /v1/documents                   asynchronous embed and store
//	POST /v1/documents?invocation=event  same, dispatched in the background (202)
//	POST /v1/queue/documents             enqueue for the batch consumer (202)
//	GET  /v1/deadletters                 list dead letters
//	POST /v1/deadletters/:id/redrive     move a dead letter back to the queue
//	GET  /v1/queue/stats                 broker counters
//	GET  /healthz                        liveness
//	GET  /metrics                        Prometheus exposition
//
// Failures are rendered as core.Failure with a status derived from the
// failure kind.
package api
