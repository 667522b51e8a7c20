package fileio

import (
	"errors"
	"syscall"
)

var (
	// ErrShortRead is returned when a read reaches end of file before the
	// buffer is full.
	ErrShortRead = errors.New("fileio: short read")

	// ErrClosed is returned by operations on a closed file.
	ErrClosed = errors.New("fileio: file closed")
)

// Retryable reports whether a failed file operation may succeed when
// repeated. Interrupted and busy conditions are transient; everything else,
// including missing files, permission errors and a full disk, is not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	for _, errno := range []syscall.Errno{syscall.EINTR, syscall.EAGAIN, syscall.EBUSY, syscall.ETXTBSY} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}
