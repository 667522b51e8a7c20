// Package xfer holds the cumulative state of one logical file transfer. The
// slot engine mutates it from its tick; everything else reads it.
package xfer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sheerbytes/cloudxfer/internal/chunkmac"
	"github.com/sheerbytes/cloudxfer/internal/symm"
)

// Direction of a transfer.
type Direction int

const (
	Get Direction = iota
	Put
)

func (d Direction) String() string {
	if d == Put {
		return "PUT"
	}
	return "GET"
}

// State of a transfer.
type State int

const (
	StateQueued State = iota
	StateActive
	StateRetrying
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateActive:
		return "active"
	case StateRetrying:
		return "retrying"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// UploadTokenLen is the length of an upload token.
const UploadTokenLen = 36

// FileKeyLen is the length of the key material stored with a file.
const FileKeyLen = 32

// Listener receives transfer notifications.
type Listener interface {
	Updated(t *Transfer)
	TemporaryError(t *Transfer, err error)
	Completed(t *Transfer)
	Failed(t *Transfer, err error, backoff time.Duration)
}

// Transfer is one logical upload or download.
type Transfer struct {
	ID        string
	Direction Direction
	Size      int64

	// Pos is the highest offset handed to a connection so far.
	Pos               int64
	ProgressCompleted int64
	ChunkMacs         *chunkmac.Map

	TransferKey       [symm.KeyLength]byte
	CtrIV             uint64
	MetaMac           uint64
	CurrentMetaMac    uint64
	HasCurrentMetaMac bool

	UploadToken []byte
	FileKey     [FileKeyLen]byte

	LocalFilename string
	TempURLs      []string

	FailCount      int
	LastAccess     time.Time
	State          State
	BackoffEnabled bool

	// LastError and Backoff describe the most recent failure.
	LastError error
	Backoff   time.Duration

	listener Listener
	cipher   *symm.Cipher
	terminal bool
}

// New returns a queued transfer with a fresh identifier.
func New(dir Direction, size int64, key [symm.KeyLength]byte, ctriv uint64, urls []string, l Listener) *Transfer {
	return &Transfer{
		ID:             uuid.NewString(),
		Direction:      dir,
		Size:           size,
		ChunkMacs:      chunkmac.NewMap(),
		TransferKey:    key,
		CtrIV:          ctriv,
		TempURLs:       append([]string(nil), urls...),
		State:          StateQueued,
		BackoffEnabled: true,
		listener:       l,
	}
}

// SetListener replaces the listener.
func (t *Transfer) SetListener(l Listener) {
	t.listener = l
}

// Cipher returns the cipher keyed with the transfer key. It is only used
// from the tick; workers key their own instances.
func (t *Transfer) Cipher() *symm.Cipher {
	if t.cipher == nil {
		c, err := symm.New(t.TransferKey[:])
		if err != nil {
			panic(err) // TransferKey is a fixed-size array
		}
		t.cipher = c
	}
	return t.cipher
}

// AddProgress advances ProgressCompleted. Negative deltas are ignored and
// the counter never passes Size.
func (t *Transfer) AddProgress(n int64) {
	if n <= 0 {
		return
	}
	t.ProgressCompleted += n
	if t.ProgressCompleted > t.Size {
		t.ProgressCompleted = t.Size
	}
}

// SetBackoffEnabled gates the retry timer of the transfer.
func (t *Transfer) SetBackoffEnabled(enabled bool) {
	t.BackoffEnabled = enabled
}

// Terminal reports whether Complete or Failed has fired for this attempt.
func (t *Transfer) Terminal() bool {
	return t.terminal
}

// Updated reports progress.
func (t *Transfer) Updated() {
	if t.listener != nil {
		t.listener.Updated(t)
	}
}

// TemporaryError reports a failure the engine is retrying by itself.
func (t *Transfer) TemporaryError(err error) {
	if t.listener != nil {
		t.listener.TemporaryError(t, err)
	}
}

// Complete marks the transfer done. Only the first terminal call of an
// attempt reaches the listener.
func (t *Transfer) Complete() {
	if t.terminal {
		return
	}
	t.terminal = true
	t.State = StateCompleted
	t.FailCount = 0
	if t.listener != nil {
		t.listener.Completed(t)
	}
}

// Failed ends the attempt with err. The owner may Reschedule a retryable
// failure after backoff.
func (t *Transfer) Failed(err error, backoff time.Duration) {
	if t.terminal {
		return
	}
	t.terminal = true
	t.FailCount++
	t.LastError = err
	t.Backoff = backoff
	if Retryable(err) {
		t.State = StateRetrying
	} else {
		t.State = StateFailed
	}
	if t.listener != nil {
		t.listener.Failed(t, err, backoff)
	}
}

// Reschedule re-arms a failed attempt for a fresh engine.
func (t *Transfer) Reschedule() {
	if errors.Is(t.LastError, ErrKey) && t.ChunkMacs.Len() == 0 {
		// the MAC table was discarded, every chunk is fetched again
		t.Pos = 0
		t.ProgressCompleted = 0
	}
	t.terminal = false
	t.State = StateQueued
}

// ComputeFileKey derives the stored file key from the transfer key, the
// counter nonce and the MAC-of-MACs. The last 16 bytes are masked with the
// transfer key.
func (t *Transfer) ComputeFileKey(metaMac uint64) {
	copy(t.FileKey[:symm.KeyLength], t.TransferKey[:])
	binary.BigEndian.PutUint64(t.FileKey[16:24], t.CtrIV)
	binary.BigEndian.PutUint64(t.FileKey[24:32], metaMac)
	for i := 0; i < symm.KeyLength; i++ {
		t.FileKey[symm.KeyLength+i] ^= t.FileKey[i]
	}
}

// ParseFileKey splits a stored file key into the transfer key, the counter
// nonce and the expected MAC-of-MACs.
func ParseFileKey(fk [FileKeyLen]byte) (key [symm.KeyLength]byte, ctriv, metaMac uint64) {
	copy(key[:], fk[:symm.KeyLength])
	var tail [symm.KeyLength]byte
	for i := range tail {
		tail[i] = fk[symm.KeyLength+i] ^ key[i]
	}
	return key, binary.BigEndian.Uint64(tail[:8]), binary.BigEndian.Uint64(tail[8:])
}
