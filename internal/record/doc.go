// Package record defines the on-disk codec shared by segments, the index
// region and recovery: record headers, logical stamps, record locations,
// index entries and segment headers.
//
// All integers are little-endian. Decoders bounds-check every access and
// return ErrCorrupt instead of trusting computed offsets.
package record
