package symm

import "errors"

var (
	// ErrKeyLength indicates a key that is not exactly KeyLength bytes.
	ErrKeyLength = errors.New("symm: key must be 16 bytes")
)
