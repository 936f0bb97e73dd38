// Package index implements the authoritative in-memory key to location map.
//
// The Table is a fixed-capacity chained hash table keyed by record digest.
// For every digest it holds the entry with the highest stamp ever observed;
// every other on-device copy of that key is reported dead to a DeathSink.
// The table is persisted as one contiguous region at clean shutdown.
package index
