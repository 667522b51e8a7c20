// Package events carries transfer notifications out of the client: to the
// log, to a websocket collector, or both.
package events

import (
	"time"

	"github.com/sheerbytes/cloudxfer/internal/xfer"
)

// Kind of a transfer event.
type Kind int

const (
	KindProgress Kind = iota
	KindTempError
	KindComplete
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindProgress:
		return "progress"
	case KindTempError:
		return "temp_error"
	case KindComplete:
		return "complete"
	case KindFailed:
		return "failed"
	}
	return "unknown"
}

// Event is one notification about a transfer.
type Event struct {
	Kind       Kind
	TransferID string
	Direction  xfer.Direction
	Size       int64
	Completed  int64
	Contiguous int64
	Speed      int64
	MeanSpeed  int64

	Err       error
	Retryable bool
	Backoff   time.Duration

	UploadToken []byte
	FileKey     []byte
}

// Sink receives events. Emit is called from the goroutine ticking the
// transfers and must not block.
type Sink interface {
	Emit(ev Event)
}

// Multi fans every event out to each sink in order.
type Multi []Sink

func (m Multi) Emit(ev Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ev)
		}
	}
}

// Discard drops every event.
type Discard struct{}

func (Discard) Emit(Event) {}

// FromTransfer fills the fields shared by every event kind.
func FromTransfer(kind Kind, t *xfer.Transfer) Event {
	return Event{
		Kind:       kind,
		TransferID: t.ID,
		Direction:  t.Direction,
		Size:       t.Size,
		Completed:  t.ProgressCompleted,
	}
}
