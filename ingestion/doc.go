// Package ingestion implements the three delivery patterns of the pipeline.
//
//   - SyncHandler: text in, vector out, nothing persisted
//   - AsyncHandler: generate then store, acknowledged once the write lands
//   - Producer and Consumer: requests are published to a queue.Broker and
//     processed in batches, with redelivery and dead-lettering owned by
//     the broker
//
// AsyncDispatcher runs AsyncHandler in the background for event-style
// invocations, retrying transient failures a bounded number of times and
// burying exhausted requests in the broker's dead-letter area.
//
// Handlers borrow the embedder, store and broker they are built with. The
// caller owns their lifecycle. Every external call is bounded by the
// configured Timeouts and every failure wraps one of the core taxonomy
// sentinels, so core.KindOf classifies it.
package ingestion
