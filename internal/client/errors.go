package client

import "errors"

var (
	// ErrCancelled ends a transfer stopped through Cancel.
	ErrCancelled = errors.New("client: transfer cancelled")
	// ErrDuplicate rejects a second Start for an active transfer ID.
	ErrDuplicate = errors.New("client: transfer already active")
	// ErrNotFound is returned for an unknown transfer ID.
	ErrNotFound = errors.New("client: no such transfer")
	// ErrClosed rejects calls on a closed client.
	ErrClosed = errors.New("client: closed")
)
