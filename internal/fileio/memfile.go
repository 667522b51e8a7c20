package fileio

import (
	"fmt"
	"sync"
)

// MemFile is an in-memory File. Async selects whether asynchronous
// operations are offered; WriteErr and ReadErr, when set, fail every
// subsequent call of that kind.
type MemFile struct {
	mu       sync.Mutex
	data     []byte
	async    bool
	closed   bool
	retry    bool
	WriteErr error
	ReadErr  error
	Writes   int
}

var _ File = (*MemFile)(nil)

// NewMemFile returns a MemFile holding a copy of data.
func NewMemFile(data []byte, async bool) *MemFile {
	return &MemFile{data: append([]byte(nil), data...), async: async}
}

// Bytes returns a copy of the contents.
func (m *MemFile) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...)
}

// SetWriteErr fails later writes with err.
func (m *MemFile) SetWriteErr(err error) {
	m.mu.Lock()
	m.WriteErr = err
	m.mu.Unlock()
}

func (m *MemFile) ReadAt(p []byte, off int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.readLocked(p, off)
	m.retry = Retryable(err)
	return err
}

func (m *MemFile) readLocked(p []byte, off int64) error {
	if m.closed {
		return ErrClosed
	}
	if m.ReadErr != nil {
		return m.ReadErr
	}
	if off+int64(len(p)) > int64(len(m.data)) {
		return fmt.Errorf("%w: %d bytes at %d of %d", ErrShortRead, len(p), off, len(m.data))
	}
	copy(p, m.data[off:])
	return nil
}

func (m *MemFile) WriteAt(p []byte, off int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.writeLocked(p, off)
	m.retry = Retryable(err)
	return err
}

func (m *MemFile) writeLocked(p []byte, off int64) error {
	if m.closed {
		return ErrClosed
	}
	if m.WriteErr != nil {
		return m.WriteErr
	}
	if end := off + int64(len(p)); end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	copy(m.data[off:], p)
	m.Writes++
	return nil
}

func (m *MemFile) Retry() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retry
}

func (m *MemFile) AsyncAvailable() bool {
	return m.async
}

func (m *MemFile) AsyncRead(p []byte, off int64) *AsyncOp {
	m.mu.Lock()
	defer m.mu.Unlock()
	return CompletedOp(off, len(p), m.readLocked(p, off))
}

func (m *MemFile) AsyncWrite(p []byte, off int64) *AsyncOp {
	m.mu.Lock()
	defer m.mu.Unlock()
	return CompletedOp(off, len(p), m.writeLocked(p, off))
}

func (m *MemFile) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
