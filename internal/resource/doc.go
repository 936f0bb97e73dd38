// Package resource governs the shared budgets of an engine: memory for the
// value cache, worker slots for compaction and a token-bucket limit on
// compaction I/O so background reads never starve foreground writes.
//
// All methods are safe for concurrent use, and a nil *Controller turns every
// call into a no-op.
package resource
