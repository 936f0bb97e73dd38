// Package hash provides the hashing primitives used by the storage engine.
//
// # Digest
//
// Every key is identified internally by its 160-bit [Digest]. The digest is
// what the index hashes into buckets, what the write pipeline shards on, and
// what record headers carry on disk. The literal key bytes are only re-read
// when a record must be verified, iterated or recovered.
//
//	d := hash.Sum([]byte("user:42"))
//
// # CRC32-Castagnoli (CRC32C)
//
// Segment images, superblocks and persisted regions are checksummed with
// CRC32C, which Go accelerates in hardware on x86 (SSE4.2) and ARM (CRC
// extension).
//
//	checksum := hash.CRC32C(data)
package hash
