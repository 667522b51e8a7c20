package xfer

import (
	"time"

	"github.com/sheerbytes/cloudxfer/internal/chunkmac"
	"github.com/sheerbytes/cloudxfer/internal/symm"
)

// Snapshot is the persisted form of a Transfer.
type Snapshot struct {
	ID                string
	Direction         Direction
	Size              int64
	Pos               int64
	ProgressCompleted int64
	ChunkMacs         map[int64]chunkmac.Entry
	TransferKey       [symm.KeyLength]byte
	CtrIV             uint64
	MetaMac           uint64
	UploadToken       []byte
	FileKey           [FileKeyLen]byte
	LocalFilename     string
	TempURLs          []string
	FailCount         int
	LastAccess        time.Time
	State             State
}

// Snapshot captures the resumable state of t.
func (t *Transfer) Snapshot() Snapshot {
	return Snapshot{
		ID:                t.ID,
		Direction:         t.Direction,
		Size:              t.Size,
		Pos:               t.Pos,
		ProgressCompleted: t.ProgressCompleted,
		ChunkMacs:         t.ChunkMacs.Entries(),
		TransferKey:       t.TransferKey,
		CtrIV:             t.CtrIV,
		MetaMac:           t.MetaMac,
		UploadToken:       append([]byte(nil), t.UploadToken...),
		FileKey:           t.FileKey,
		LocalFilename:     t.LocalFilename,
		TempURLs:          append([]string(nil), t.TempURLs...),
		FailCount:         t.FailCount,
		LastAccess:        t.LastAccess,
		State:             t.State,
	}
}

// Restore rebuilds a queued transfer from s.
func Restore(s Snapshot, l Listener) *Transfer {
	t := &Transfer{
		ID:                s.ID,
		Direction:         s.Direction,
		Size:              s.Size,
		Pos:               s.Pos,
		ProgressCompleted: s.ProgressCompleted,
		ChunkMacs:         chunkmac.FromEntries(s.ChunkMacs),
		TransferKey:       s.TransferKey,
		CtrIV:             s.CtrIV,
		MetaMac:           s.MetaMac,
		FileKey:           s.FileKey,
		LocalFilename:     s.LocalFilename,
		TempURLs:          append([]string(nil), s.TempURLs...),
		FailCount:         s.FailCount,
		LastAccess:        s.LastAccess,
		State:             s.State,
		BackoffEnabled:    true,
		listener:          l,
	}
	if len(s.UploadToken) > 0 {
		t.UploadToken = append([]byte(nil), s.UploadToken...)
	}
	if t.State == StateActive || t.State == StateRetrying {
		t.State = StateQueued
	}
	return t
}
