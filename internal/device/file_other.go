//go:build !linux

package device

import "os"

// O_DIRECT is Linux-only; other platforms fall back to buffered I/O.
func openFile(path string, create, _ bool) (*os.File, bool, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE | os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o644)
	return f, false, err
}

func preallocate(f *os.File, size int64) error {
	return f.Truncate(size)
}

func datasync(f *os.File) error {
	return f.Sync()
}
