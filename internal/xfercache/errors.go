package xfercache

import "errors"

var (
	// ErrNotFound is returned when no record is stored under an ID.
	ErrNotFound = errors.New("xfercache: transfer not found")

	// ErrNilTransfer is returned by Put for a nil transfer.
	ErrNilTransfer = errors.New("xfercache: nil transfer")
)
