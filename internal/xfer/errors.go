package xfer

import (
	"errors"
	"fmt"
)

// Failure kinds reported to the transfer listener.
var (
	ErrAgain        = errors.New("xfer: temporary failure, try again")
	ErrFailed       = errors.New("xfer: connection failed")
	ErrInternal     = errors.New("xfer: internal error")
	ErrKey          = errors.New("xfer: integrity check failed")
	ErrRead         = errors.New("xfer: local read failed")
	ErrWrite        = errors.New("xfer: local write failed")
	ErrOverQuota    = errors.New("xfer: bandwidth quota exceeded")
	ErrDaemonFailed = errors.New("xfer: storage server requested a restart")
	ErrServer       = errors.New("xfer: storage server error")
)

// Server result codes carried in upload response bodies.
const (
	CodeInternal     = -1
	CodeAgain        = -3
	CodeDaemonFailed = -4
	CodeFailed       = -5
	CodeKey          = -14
	CodeOverQuota    = -17
	CodeWrite        = -20
	CodeRead         = -21
)

// FromCode maps a server result code to a failure kind.
func FromCode(code int) error {
	switch code {
	case CodeInternal:
		return ErrInternal
	case CodeAgain:
		return ErrAgain
	case CodeDaemonFailed:
		return ErrDaemonFailed
	case CodeFailed:
		return ErrFailed
	case CodeKey:
		return ErrKey
	case CodeOverQuota:
		return ErrOverQuota
	case CodeWrite:
		return ErrWrite
	case CodeRead:
		return ErrRead
	}
	return fmt.Errorf("%w: code %d", ErrServer, code)
}

// Retryable reports whether the owning client should schedule the transfer
// again after a failure with err. Integrity failures are retried because
// the chunk MAC state is discarded and the data fetched afresh.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrAgain),
		errors.Is(err, ErrFailed),
		errors.Is(err, ErrOverQuota),
		errors.Is(err, ErrDaemonFailed),
		errors.Is(err, ErrKey):
		return true
	}
	return false
}
