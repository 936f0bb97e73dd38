package hash

import (
	"crypto/sha1" //nolint:gosec // digest identity, not a security boundary
	"encoding/binary"
	"encoding/hex"
)

// DigestSize is the width of a key digest in bytes.
const DigestSize = sha1.Size

// Digest is the fixed-width identity of a key.
type Digest [DigestSize]byte

// Sum computes the digest of key.
func Sum(key []byte) Digest {
	return Digest(sha1.Sum(key)) //nolint:gosec
}

// Uint64 folds the leading bytes of the digest into a bucket/shard selector.
func (d Digest) Uint64() uint64 {
	return binary.LittleEndian.Uint64(d[:8])
}

// IsZero reports whether d is the zero digest.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}
