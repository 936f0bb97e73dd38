package device

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
)

// Options configures OpenFile.
type Options struct {
	// Size is the size of the backing file to create when path does not
	// exist. If 0, the path must already exist.
	Size int64

	// DirectIO requests O_DIRECT. It is silently downgraded to buffered I/O
	// when the platform or filesystem rejects it (e.g. tmpfs).
	DirectIO bool

	// Alignment overrides the sector size. If 0, DefaultAlignment is used.
	Alignment int
}

// FileDevice is a Device backed by a block device node or a regular file.
type FileDevice struct {
	f        *os.File
	path     string
	capacity int64
	align    int
	direct   bool
	closed   atomic.Bool

	// rmwMu serializes read-modify-write cycles for unaligned writes.
	rmwMu sync.Mutex
}

// OpenFile opens the device at path, creating and preallocating a regular
// file of opts.Size bytes if it does not exist yet.
func OpenFile(path string, opts Options) (*FileDevice, error) {
	align := opts.Alignment
	if align <= 0 {
		align = DefaultAlignment
	}
	if align&(align-1) != 0 {
		return nil, fmt.Errorf("device: alignment %d is not a power of two", align)
	}

	create := false
	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if opts.Size <= 0 {
			return nil, fmt.Errorf("device: %s does not exist and no size was given", path)
		}
		create = true
	}

	f, direct, err := openFile(path, create, opts.DirectIO)
	if err != nil {
		return nil, err
	}

	if create {
		if err := preallocate(f, AlignUp(opts.Size, align)); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("device: preallocate %s: %w", path, err)
		}
	}

	// Seek-to-end reports the size of block device nodes as well as files.
	end, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	return &FileDevice{
		f:        f,
		path:     path,
		capacity: AlignDown(end, align),
		align:    align,
		direct:   direct,
	}, nil
}

// Path returns the path the device was opened from.
func (d *FileDevice) Path() string { return d.path }

// Direct reports whether the device bypasses the page cache.
func (d *FileDevice) Direct() bool { return d.direct }

// Capacity implements Device.
func (d *FileDevice) Capacity() int64 { return d.capacity }

// Alignment implements Device.
func (d *FileDevice) Alignment() int { return d.align }

// ReadAt implements Device.
func (d *FileDevice) ReadAt(p []byte, off int64) (int, error) {
	if d.closed.Load() {
		return 0, ErrClosed
	}
	if err := checkRange(off, len(p), d.capacity); err != nil {
		return 0, err
	}
	if !d.direct || IsAligned(p, off, d.align) {
		return d.f.ReadAt(p, off)
	}

	start := AlignDown(off, d.align)
	end := AlignUp(off+int64(len(p)), d.align)
	bounce := AlignedBuffer(int(end-start), d.align)
	if _, err := d.f.ReadAt(bounce, start); err != nil {
		return 0, err
	}
	return copy(p, bounce[off-start:]), nil
}

// WriteAt implements Device.
func (d *FileDevice) WriteAt(p []byte, off int64) (int, error) {
	if d.closed.Load() {
		return 0, ErrClosed
	}
	if err := checkRange(off, len(p), d.capacity); err != nil {
		return 0, err
	}
	if !d.direct || IsAligned(p, off, d.align) {
		return d.f.WriteAt(p, off)
	}

	d.rmwMu.Lock()
	defer d.rmwMu.Unlock()

	start := AlignDown(off, d.align)
	end := AlignUp(off+int64(len(p)), d.align)
	bounce := AlignedBuffer(int(end-start), d.align)
	if off != start || (off+int64(len(p)))%int64(d.align) != 0 {
		if _, err := d.f.ReadAt(bounce, start); err != nil {
			return 0, err
		}
	}
	copy(bounce[off-start:], p)
	if _, err := d.f.WriteAt(bounce, start); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Sync implements Device.
func (d *FileDevice) Sync() error {
	if d.closed.Load() {
		return ErrClosed
	}
	return datasync(d.f)
}

// Close implements Device.
func (d *FileDevice) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	return d.f.Close()
}
