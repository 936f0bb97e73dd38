package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned when an operation is attempted on a closed engine.
	ErrClosed = errors.New("engine closed")

	// ErrNotFound is returned when a key has no live value.
	ErrNotFound = errors.New("not found")

	// ErrInvalidArgument is returned for empty keys, oversized keys or values
	// that can never fit in a segment.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrResourceExhausted is returned when the index is at capacity or no
	// segment can be allocated even after forced compaction.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrIO is returned when a device read, write or sync fails.
	ErrIO = errors.New("i/o error")

	// ErrAborted is returned for operations rejected as a whole.
	ErrAborted = errors.New("aborted")

	// ErrBatchTooLarge is returned when a write batch does not fit in a single segment.
	ErrBatchTooLarge = fmt.Errorf("%w: batch does not fit in one segment", ErrAborted)

	// ErrCorrupt is returned when data corruption is detected (checksum mismatch, etc.).
	ErrCorrupt = errors.New("data corruption detected")

	// ErrIncompatibleFormat is returned when the on-disk format or geometry
	// does not match the requested configuration.
	ErrIncompatibleFormat = errors.New("incompatible format")
)

func ioError(err error) error {
	if err == nil || errors.Is(err, ErrIO) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrIO, err)
}
