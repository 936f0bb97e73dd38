// Package pipeline aggregates concurrent writes into segment-sized device
// writes.
//
// A write travels Submitted -> merged into a shard's active RequestSegment
// -> sealed -> persisted and indexed by the Committer -> caller notified.
// Each shard serializes its merges on one worker goroutine, which gives
// per-shard FIFO assignment of requests to segments. A timeout scanner
// seals builders whose oldest request has waited for the aggregation
// timeout, and a small writer pool performs the device I/O.
package pipeline
