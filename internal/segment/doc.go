// Package segment builds and parses segment images.
//
// A segment starts with a record.SegmentHeader. Records pack from the front
// as [Header][key][value]; a record whose value is exactly one alignment unit
// keeps its header and key at the front but places the value at the tail,
// growing backward, so aligned payloads stay sector-aligned. The segment is
// full when the front and tail cursors meet.
//
// RequestSegment wraps a Builder with the caller-facing Requests that the
// write pipeline aggregates into one device write.
package segment
