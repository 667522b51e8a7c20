// Package slot implements the transfer slot engine: the per-transfer state
// machine that drives a set of HTTP connections for one upload or download,
// moves data between them and the local file, and verifies the result.
//
// A Slot is ticked from a single goroutine. Network round trips, disk
// operations and bulk cryptography run elsewhere and are observed through
// the status of each connection on the next tick.
package slot

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/sheerbytes/cloudxfer/internal/fileio"
	"github.com/sheerbytes/cloudxfer/internal/httpreq"
	"github.com/sheerbytes/cloudxfer/internal/progress"
	"github.com/sheerbytes/cloudxfer/internal/raid"
	"github.com/sheerbytes/cloudxfer/internal/symm"
	"github.com/sheerbytes/cloudxfer/internal/xfer"
)

// Coordinator assigns byte ranges to connections and turns received data
// into pieces ready for the file. *raid.Manager implements it.
type Coordinator interface {
	IsRaid() bool
	TempURL(i int) string
	TransferPos(i int) int64
	SetTransferPos(i int, pos int64)
	RewindTransferPos(i int, pos int64)
	RaidPartSize(i int, size int64) int64
	NextNPosForConnection(i, connections int, uploadSpeed int64) (pos, npos int64, pause bool)
	SubmitBuffer(i int, p *raid.FilePiece)
	AsyncOutputBuffer(i int) *raid.FilePiece
	BufferWriteCompleted(i int, ok bool)
	Progress() int64
	DetectSlowestRaidConnection(i int) (int, bool)
	ConnectionRaidPeersAreAllPaused(i int) bool
	TryRaidHTTPGetErrorRecovery(i int) bool
	ResetPart(i int)
}

var _ Coordinator = (*raid.Manager)(nil)

// Slot is the active engine of one transfer.
type Slot struct {
	t      *xfer.Transfer
	env    *Env
	buf    Coordinator
	file   *fileio.Scoped
	logger *slog.Logger

	connections int
	reqs        []*httpreq.Request
	ops         []*fileio.AsyncOp

	retry    *retryTimer
	retrying bool
	failure  bool

	errorCount int
	lastError  error

	lastData           time.Time
	lastProgressReport time.Time
	progressReported   int64
	progressContiguous int64
	reportLimit        *rate.Limiter

	speedCtl  *progress.SpeedController
	speed     int64
	meanSpeed int64

	closed bool
}

// New creates the slot for t, which takes exclusive ownership of f. The
// transfer's temp URLs choose between single-stream and striped mode.
func New(t *xfer.Transfer, env *Env, f fileio.File) *Slot {
	if t.Direction == xfer.Put || len(t.TempURLs) != raid.Parts {
		// resume the shared cursor at the first chunk still missing
		t.Pos = t.ChunkMacs.NextUnprocessedPosFrom(0)
	}
	return NewWithCoordinator(t, env, f, raid.NewManager(t, env.maxRequestSize(), env.logger()))
}

// NewWithCoordinator creates a slot driven by a custom coordinator.
func NewWithCoordinator(t *xfer.Transfer, env *Env, f fileio.File, c Coordinator) *Slot {
	now := env.now()
	s := &Slot{
		t:        t,
		env:      env,
		buf:      c,
		file:     fileio.NewScoped(f, t, env.clock()),
		retry:    newRetryTimer(),
		lastData: now,
		logger: env.logger().With(
			slog.String("transfer", t.ID),
			slog.String("dir", t.Direction.String()),
		),
		reportLimit: rate.NewLimiter(rate.Every(env.progressInterval()), 1),
		speedCtl:    progress.NewSpeedControllerWithNow(env.clock()),
	}
	s.progressReported = t.ProgressCompleted
	s.updateContiguousProgress()
	t.State = xfer.StateActive
	return s
}

// Transfer returns the transfer driven by the slot.
func (s *Slot) Transfer() *xfer.Transfer {
	return s.t
}

// Retrying reports whether the slot waits for its retry timer.
func (s *Slot) Retrying() bool {
	return s.retrying
}

// RetryAt returns when a retrying slot wants its next tick.
func (s *Slot) RetryAt() time.Time {
	return s.retry.nextAt()
}

// Progress returns the last reported progress, including data in flight.
func (s *Slot) Progress() int64 {
	return s.progressReported
}

// ContiguousProgress returns the offset below which every chunk is
// complete on disk. It is the safe resume point.
func (s *Slot) ContiguousProgress() int64 {
	return s.progressContiguous
}

// Speed returns the smoothed and the mean transfer speed in bytes per second.
func (s *Slot) Speed() (speed, mean int64) {
	return s.speed, s.meanSpeed
}

// Connections returns the number of connections, or 0 before the first tick.
func (s *Slot) Connections() int {
	return s.connections
}

// createConnectionsOnce sizes the connection set the first time the slot
// knows its source URLs.
func (s *Slot) createConnectionsOnce() bool {
	if s.connections > 0 {
		return true
	}
	if len(s.t.TempURLs) == 0 {
		return false
	}
	switch {
	case s.buf.IsRaid():
		s.connections = raid.Parts
	case s.t.Size > singleConnectionSize:
		s.connections = s.env.connections(s.t.Direction)
	default:
		s.connections = 1
	}
	s.reqs = make([]*httpreq.Request, s.connections)
	s.ops = make([]*fileio.AsyncOp, s.connections)
	s.logger.Debug("populating transfer slot",
		"connections", s.connections,
		"max_request_size", s.env.maxRequestSize())
	return true
}

func (s *Slot) newRequest() *httpreq.Request {
	upload := s.t.Direction == xfer.Put
	r := httpreq.New(s.env.Client, s.env.Buffers, upload, s.env.clock())
	s.env.Stats.HTTPRequests++
	kind := "D"
	if upload {
		kind = "U"
	}
	r.Logname = fmt.Sprintf("%s%s%d ", s.env.ClientName, kind, s.env.Stats.HTTPRequests)
	return r
}

// tempURL returns the URL connection i should use, honouring the HTTPS and
// alternate port switches.
func (s *Slot) tempURL(i int) string {
	u := s.buf.TempURL(i)
	if s.env.UseHTTPS && httpreq.IsPlainHTTP(u) {
		return "https:" + strings.TrimPrefix(u, "http:")
	}
	if s.env.useAltPort(s.t.Direction) {
		return httpreq.WithAltPort(u)
	}
	return u
}

// keyCipher keys a worker's cipher with the transfer key.
func keyCipher(c *symm.Cipher, key [symm.KeyLength]byte) {
	if err := c.SetKey(key[:]); err != nil {
		panic(err) // key is a fixed-size array
	}
}

func (s *Slot) cacheAdd() {
	if s.env.Cache == nil {
		return
	}
	if err := s.env.Cache.Put(s.t); err != nil {
		s.logger.Warn("transfer cache update failed", "err", err)
	}
}

// disconnect aborts every connection.
func (s *Slot) disconnect() {
	for i := s.connections - 1; i >= 0; i-- {
		if s.reqs[i] != nil {
			s.reqs[i].Disconnect()
		}
	}
}

// Close tears the slot down. An unfinished download first persists
// whatever it already received: finished disk writes are accounted, partly
// received ranges are kept on a sector boundary, and decrypted pieces are
// written synchronously. Network requests are aborted; the transfer can be
// resumed by a new slot.
func (s *Slot) Close() {
	if s.closed {
		return
	}
	s.closed = true

	t := s.t
	if t.Direction == xfer.Get && t.State != xfer.StateCompleted &&
		t.ProgressCompleted != t.Size && s.file.Held() {
		s.drainDownload()
	}

	s.disconnect()
	for i := range s.ops {
		if s.ops[i] != nil {
			s.ops[i].Wait()
			s.ops[i] = nil
		}
	}
	for i := range s.reqs {
		if s.reqs[i] != nil {
			s.reqs[i].Close()
			s.reqs[i] = nil
		}
	}
	s.file.Close()
	s.env.Stats.SlotFinishes++
}

func (s *Slot) drainDownload() {
	t := s.t
	f := s.file.File()
	cache := false

	if f.AsyncAvailable() {
		for i := 0; i < s.connections; i++ {
			r, op := s.reqs[i], s.ops[i]
			if r != nil && r.Status() == httpreq.StatusAsyncIO && op != nil {
				op.Wait()
				if !op.Failed() {
					s.logger.Debug("async write succeeded")
					s.buf.BufferWriteCompleted(i, true)
					cache = true
				} else {
					s.logger.Debug("async write failed", "err", op.Err())
					s.buf.BufferWriteCompleted(i, false)
				}
				r.SetStatus(httpreq.StatusReady)
			}
			s.ops[i] = nil
		}
	}

	for i := 0; i < s.connections; i++ {
		r := s.reqs[i]
		if r == nil {
			continue
		}
		switch r.Status() {
		case httpreq.StatusInFlight:
			r.Disconnect()
			if r.RangeAccepted() && r.BufPos() >= symm.BlockSize {
				r.TruncateToSector(raid.Sector)
				pos := r.Pos
				data, recycle := r.ReleaseBuf()
				s.buf.SubmitBuffer(i, raid.NewFilePiece(pos, data, recycle))
			}
		case httpreq.StatusDecrypting:
			s.logger.Info("waiting for block decryption")
			if piece := s.buf.AsyncOutputBuffer(i); piece != nil {
				piece.WaitFinalized()
			}
			r.SetStatus(httpreq.StatusDecrypted)
		}
	}

	var c *symm.Cipher
	for anyData := true; anyData; {
		anyData = false
		for i := 0; i < s.connections; i++ {
			piece := s.buf.AsyncOutputBuffer(i)
			if piece == nil {
				continue
			}
			if !piece.Finalized() {
				if c == nil {
					c = &symm.Cipher{}
					keyCipher(c, t.TransferKey)
				}
				piece.Finalize(true, t.Size, t.CtrIV, c, t.ChunkMacs)
			}
			anyData = true
			if err := f.WriteAt(piece.Buf, piece.Pos); err == nil {
				s.logger.Debug("sync write succeeded", "pos", piece.Pos, "len", len(piece.Buf))
				s.buf.BufferWriteCompleted(i, true)
				cache = true
			} else {
				s.logger.Error("error caching data", "pos", piece.Pos, "err", err)
				s.buf.BufferWriteCompleted(i, false)
			}
		}
	}

	if cache {
		s.cacheAdd()
		s.logger.Debug("completed", "progress", t.ProgressCompleted)
	}
}

// Tick advances the slot by one step. It does nothing once the transfer has
// reached a terminal state or while the retry timer is running.
func (s *Slot) Tick(ctx context.Context) {
	if s.closed || s.t.Terminal() {
		return
	}
	now := s.env.now()
	if s.retrying && !s.retry.armed(now) {
		return
	}
	if s.failure && s.retrying {
		// the failure episode has been waited out
		s.failure = false
	}
	s.doio(ctx, now)
}
