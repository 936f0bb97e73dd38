//go:build linux

package device

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

func openFile(path string, create, direct bool) (*os.File, bool, error) {
	flags := unix.O_RDWR | unix.O_CLOEXEC
	if create {
		flags |= unix.O_CREAT | unix.O_EXCL
	}

	if direct {
		fd, err := unix.Open(path, flags|unix.O_DIRECT, 0o644)
		if err == nil {
			return os.NewFile(uintptr(fd), path), true, nil
		}
		if !errors.Is(err, unix.EINVAL) {
			return nil, false, &os.PathError{Op: "open", Path: path, Err: err}
		}
	}

	fd, err := unix.Open(path, flags, 0o644)
	if err != nil {
		return nil, false, &os.PathError{Op: "open", Path: path, Err: err}
	}
	return os.NewFile(uintptr(fd), path), false, nil
}

func preallocate(f *os.File, size int64) error {
	err := unix.Fallocate(int(f.Fd()), 0, 0, size)
	if err == nil {
		return nil
	}
	if errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ENOSYS) {
		return f.Truncate(size)
	}
	return err
}

func datasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
