// Package volume owns one device region divided into fixed-size segments:
// segment geometry and I/O (Volume) and the per-segment lifecycle table
// (Allocator).
//
// A segment moves Free -> Reserved on allocation, Reserved -> Used when its
// image is durable, Reserved -> Free when the write failed and Used -> Free
// when compaction has evacuated it.
package volume
