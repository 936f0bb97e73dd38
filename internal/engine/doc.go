// Package engine implements the segkv storage engine.
//
// The engine orchestrates:
//   - One volume per block device, each carved into fixed-size segments
//   - An in-memory hash index mapping key digests to record locations
//   - A sharded write-aggregation pipeline that packs requests into segments
//   - Per-volume collectors that reclaim segments holding dead records
//   - Crash recovery by scanning segment images when the last shutdown was unclean
//   - Checkpoints to a blob store and restore onto fresh devices
//
// # Device Layout
//
// Every device starts with a 4 KiB superblock. The first volume also holds
// the serialized index region. Each volume then stores its segment-stat
// region followed by the aligned segment data area.
//
//	| superblock | index region (vol 0) | stat region | segment 0 | segment 1 | ... |
//
// # Write Path
//
// Insert and Delete enqueue a request on the shard owning the key digest.
// The shard packs requests into a segment image until it is full or the
// aggregation timeout expires, then a writer goroutine allocates a segment,
// writes and syncs the image, updates the index and wakes every caller.
// WriteBatch builds its own segment and takes the same path synchronously.
// Index slots for new keys are claimed before the image is written, so a
// full index fails the segment before it reaches the device.
//
// # Tombstones
//
// A delete that replaces a value leaves a tombstone in the index. The
// reaper hands it to a graveyard that keeps it indexed, and so copied by
// compaction, until every segment that was occupied at hand-over has been
// released. Only then is it removed, so no recovery scan can find an older
// value without the tombstone that shadows it.
package engine
