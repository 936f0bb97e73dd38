package segkv

import (
	"errors"
	"fmt"

	"github.com/hupe1980/segkv/blobstore"
	"github.com/hupe1980/segkv/config"
	"github.com/hupe1980/segkv/internal/collector"
	"github.com/hupe1980/segkv/internal/engine"
)

var (
	// ErrClosed is returned when an operation is attempted on a closed database.
	ErrClosed = engine.ErrClosed

	// ErrNotFound is returned when a key has no live value or a checkpoint
	// does not exist.
	ErrNotFound = engine.ErrNotFound

	// ErrInvalidArgument is returned for empty or oversized keys, values
	// that can never fit in a segment and invalid options.
	ErrInvalidArgument = engine.ErrInvalidArgument

	// ErrResourceExhausted is returned when the index is full or no segment
	// can be allocated even after forced compaction.
	ErrResourceExhausted = engine.ErrResourceExhausted

	// ErrIO is returned when a device operation fails.
	ErrIO = engine.ErrIO

	// ErrAborted is returned when a request is rejected as a whole.
	ErrAborted = engine.ErrAborted

	// ErrBatchTooLarge is returned when a batch does not fit in one segment.
	// It wraps ErrAborted.
	ErrBatchTooLarge = engine.ErrBatchTooLarge

	// ErrCorrupt is returned when on-device or checkpoint data fails validation.
	ErrCorrupt = engine.ErrCorrupt

	// ErrIncompatibleFormat is returned when devices were formatted with an
	// incompatible layout or version.
	ErrIncompatibleFormat = engine.ErrIncompatibleFormat
)

// translateError normalizes errors from internal packages into the
// exported taxonomy. The original error stays reachable via errors.Unwrap.
func translateError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrResourceExhausted),
		errors.Is(err, ErrIO),
		errors.Is(err, ErrAborted),
		errors.Is(err, ErrClosed),
		errors.Is(err, ErrCorrupt),
		errors.Is(err, ErrIncompatibleFormat):
		return err
	case errors.Is(err, blobstore.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, collector.ErrInvalidThresholds), errors.Is(err, config.ErrInvalid):
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	return err
}
