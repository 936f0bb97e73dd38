// Package collector compacts sparse segments of one volume.
//
// Merge reads candidate segments in ascending live-bytes order, keeps the
// records the index still points at and repacks them into at most two fresh
// segments. Output segments are written before anything is published: the
// index is only updated (through a compare-and-swap Relocate) after every
// output write succeeded, and inputs are released only after that. A failed
// merge therefore leaves the candidates intact for the next pass.
//
// All compactions of a volume are serialized by one lock that is held across
// the merge I/O.
package collector
