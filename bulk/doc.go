// Package bulk loads JSON-lines files of document requests into the queue.
//
// Each line is a core.DocumentRequest:
//
//	{"documentId":"0f8e...","inputText":"text to embed"}
//
// Lines are read in batches and published through a Producer on a worker
// pool. Invalid lines are skipped and counted; publish failures are retried
// with exponential backoff and counted once the attempts are exhausted.
// Progress is written to the configured writer.
package bulk
