package device

import (
	"errors"
	"fmt"
	"unsafe"
)

// DefaultAlignment is the sector size assumed when a device cannot report one.
const DefaultAlignment = 4096

var (
	// ErrOutOfRange is returned for I/O beyond the device capacity.
	ErrOutOfRange = errors.New("device: offset out of range")

	// ErrShortIO is returned when a read or write transferred fewer bytes than requested.
	ErrShortIO = errors.New("device: short read/write")

	// ErrClosed is returned for I/O on a closed device.
	ErrClosed = errors.New("device: closed")
)

// Device is a byte-addressable block device.
//
// Implementations must be safe for concurrent use by multiple goroutines as
// long as concurrent writes do not overlap.
type Device interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	// Capacity returns the usable size in bytes, a multiple of Alignment.
	Capacity() int64
	// Alignment returns the I/O unit in bytes (a power of two).
	Alignment() int
	// Sync makes all completed writes durable.
	Sync() error
	Close() error
}

// AlignedBuffer returns a zeroed slice of size bytes whose first byte sits on
// an align boundary.
func AlignedBuffer(size, align int) []byte {
	if align <= 1 {
		return make([]byte, size)
	}
	buf := make([]byte, size+align)
	shift := 0
	if rem := int(uintptr(unsafe.Pointer(&buf[0])) & uintptr(align-1)); rem != 0 {
		shift = align - rem
	}
	return buf[shift : shift+size : shift+size]
}

// IsAligned reports whether p and off satisfy the alignment requirement.
func IsAligned(p []byte, off int64, align int) bool {
	if align <= 1 {
		return true
	}
	if off%int64(align) != 0 || len(p)%align != 0 {
		return false
	}
	if len(p) == 0 {
		return true
	}
	return uintptr(unsafe.Pointer(&p[0]))&uintptr(align-1) == 0
}

// AlignUp rounds n up to a multiple of align.
func AlignUp(n int64, align int) int64 {
	a := int64(align)
	return (n + a - 1) / a * a
}

// AlignDown rounds n down to a multiple of align.
func AlignDown(n int64, align int) int64 {
	a := int64(align)
	return n / a * a
}

// ReadFull reads exactly len(p) bytes at off.
func ReadFull(d Device, p []byte, off int64) error {
	n, err := d.ReadAt(p, off)
	if err != nil {
		return err
	}
	if n != len(p) {
		return fmt.Errorf("%w: read %d of %d bytes at %d", ErrShortIO, n, len(p), off)
	}
	return nil
}

// WriteFull writes exactly len(p) bytes at off.
func WriteFull(d Device, p []byte, off int64) error {
	n, err := d.WriteAt(p, off)
	if err != nil {
		return err
	}
	if n != len(p) {
		return fmt.Errorf("%w: wrote %d of %d bytes at %d", ErrShortIO, n, len(p), off)
	}
	return nil
}

func checkRange(off int64, n int, capacity int64) error {
	if off < 0 || off+int64(n) > capacity {
		return fmt.Errorf("%w: [%d, %d) exceeds capacity %d", ErrOutOfRange, off, off+int64(n), capacity)
	}
	return nil
}
