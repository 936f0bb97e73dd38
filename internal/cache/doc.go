// Package cache holds recently read values in memory.
//
// Keys carry the record location and stamp, so an entry can never serve a
// value for a location that has since been reused: a relocated or rewritten
// record gets a different key and stale entries simply age out.
//
// Sharded spreads keys over 64 independently locked LRU shards. Memory is
// reserved from a resource.Controller when one is supplied.
package cache
