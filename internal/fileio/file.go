// Package fileio provides positioned local file access with optional
// asynchronous operations polled by the caller.
package fileio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// File is positioned access to one local file.
type File interface {
	// ReadAt fills p from offset off.
	ReadAt(p []byte, off int64) error
	// WriteAt writes all of p at offset off.
	WriteAt(p []byte, off int64) error
	// Retry reports whether the last failed synchronous call is worth
	// repeating.
	Retry() bool

	AsyncAvailable() bool
	AsyncRead(p []byte, off int64) *AsyncOp
	AsyncWrite(p []byte, off int64) *AsyncOp

	Close() error
}

// OSFile is a File backed by *os.File. Asynchronous operations run on a
// shared bounded worker pool.
type OSFile struct {
	f     *os.File
	pool  *ioPool
	mu    sync.Mutex
	retry bool
}

var _ File = (*OSFile)(nil)

// OpenRead opens an existing file for reading.
func OpenRead(path string) (*OSFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &OSFile{f: f, pool: getIOPool()}, nil
}

// OpenWrite opens path for positioned writes, creating it if needed. Data
// already present is kept so a resumed download can continue.
func OpenWrite(path string) (*OSFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &OSFile{f: f, pool: getIOPool()}, nil
}

// Name returns the path the file was opened with.
func (o *OSFile) Name() string {
	return o.f.Name()
}

func (o *OSFile) ReadAt(p []byte, off int64) error {
	err := readFull(o.f, p, off)
	o.setRetry(err)
	return err
}

func (o *OSFile) WriteAt(p []byte, off int64) error {
	_, err := o.f.WriteAt(p, off)
	o.setRetry(err)
	return err
}

func (o *OSFile) setRetry(err error) {
	o.mu.Lock()
	o.retry = Retryable(err)
	o.mu.Unlock()
}

func (o *OSFile) Retry() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.retry
}

func (o *OSFile) AsyncAvailable() bool {
	return true
}

func (o *OSFile) AsyncRead(p []byte, off int64) *AsyncOp {
	op := newAsyncOp(off, len(p))
	o.pool.submit(func() {
		op.complete(readFull(o.f, p, off))
	})
	return op
}

func (o *OSFile) AsyncWrite(p []byte, off int64) *AsyncOp {
	op := newAsyncOp(off, len(p))
	o.pool.submit(func() {
		_, err := o.f.WriteAt(p, off)
		op.complete(err)
	})
	return op
}

func (o *OSFile) Close() error {
	return o.f.Close()
}

func readFull(r io.ReaderAt, p []byte, off int64) error {
	n, err := r.ReadAt(p, off)
	if n == len(p) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: got %d of %d bytes at %d", ErrShortRead, n, len(p), off)
	}
	return err
}
