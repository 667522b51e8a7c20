package slot

import (
	"context"
	"errors"
	"time"

	"github.com/sheerbytes/cloudxfer/internal/httpreq"
	"github.com/sheerbytes/cloudxfer/internal/raid"
	"github.com/sheerbytes/cloudxfer/internal/symm"
	"github.com/sheerbytes/cloudxfer/internal/xfer"
)

// step tells the connection loop how to go on after a handler.
type step int

const (
	stepNext    step = iota // continue with this connection
	stepRestart             // rescan every connection
	stepDone                // the transfer reached a terminal state
)

// tickState accumulates the results of one pass over the connections.
type tickState struct {
	now     time.Time
	p       int64
	backoff time.Duration
}

func (s *Slot) doio(ctx context.Context, now time.Time) {
	t := s.t
	if !s.file.Held() ||
		(t.Size > 0 && t.ProgressCompleted == t.Size) ||
		(t.Direction == xfer.Get && t.Size == 0) ||
		(t.Direction == xfer.Put && t.UploadToken != nil) {
		s.finishWithoutIO(now)
		return
	}

	s.retrying = false
	s.retry.reset()
	t.State = xfer.StateActive

	if !s.createConnectionsOnce() {
		return
	}

	if s.errorCount > s.env.maxErrors() {
		s.logger.Warn("failed transfer: too many errors", "err", s.lastError)
		t.Failed(s.lastError, 0)
		return
	}

	ts := &tickState{now: now}
	for i := s.connections - 1; i >= 0; i-- {
		if r := s.reqs[i]; r != nil {
			if t.Direction == xfer.Get && r.RangeAccepted() {
				if slowest, ok := s.buf.DetectSlowestRaidConnection(i); ok {
					s.logger.Debug("slowest connection dropped, using the other five", "connection", slowest)
					if s.reqs[slowest] != nil {
						s.reqs[slowest].Close()
						s.reqs[slowest] = nil
					}
					s.buf.ResetPart(slowest)
					i = s.connections
					continue
				}
			}

			if r.Status() == httpreq.StatusFailure && r.HTTPStatus == 200 &&
				t.Direction == xfer.Get && s.buf.IsRaid() {
				// the part started fine; keep what arrived before the failure
				s.logger.Debug("connection received data before failing", "connection", i, "received", r.BufPos())
				if r.RangeAccepted() && r.BufPos() >= raid.Sector {
					n := r.TruncateToSector(raid.Sector)
					s.buf.RewindTransferPos(i, r.Pos+int64(n))
					r.SetStatus(httpreq.StatusSuccess)
				}
			}

			var st step
			switch r.Status() {
			case httpreq.StatusInFlight:
				s.onInFlight(i, r, ts)
			case httpreq.StatusSuccess:
				st = s.onSuccess(i, r, ts)
			case httpreq.StatusDecrypted:
				st = s.onDecrypted(i, r, ts)
			case httpreq.StatusAsyncIO:
				st = s.onAsyncIO(i, r, ts)
			case httpreq.StatusFailure:
				st = s.onFailure(i, r, ts)
			}
			switch st {
			case stepDone:
				return
			case stepRestart:
				i = s.connections
				continue
			}
		}

		if !s.failure {
			if s.onReady(i, ts) == stepDone {
				return
			}
			if r := s.reqs[i]; r != nil && r.Status() == httpreq.StatusPrepared && ts.backoff == 0 {
				r.Post(ctx)
			}
		}
	}

	if t.Direction == xfer.Get && s.buf.IsRaid() {
		// striped data waiting to be recombined
		ts.p += s.buf.Progress()
	}
	ts.p += t.ProgressCompleted
	s.reportProgress(ts)

	if ts.now.Sub(s.lastData) >= s.env.idleTimeout() && !s.failure {
		if s.onTimeout(ts) == stepDone {
			return
		}
	}

	switch {
	case s.failure:
		d := s.retry.backoffFailure(ts.now)
		s.retrying = true
		s.env.Stats.Retries++
		s.logger.Debug("connection failure, backing off", "backoff", d)
	case ts.backoff > 0:
		s.retry.backoff(ts.now, ts.backoff)
		s.retrying = true
		s.env.Stats.Retries++
	}
}

// finishWithoutIO handles a transfer that needs no further data: a cached
// download is verified, an upload holding its token completes, and anything
// else is an inconsistency.
func (s *Slot) finishWithoutIO(now time.Time) {
	t := s.t
	switch {
	case t.Direction == xfer.Get && s.file.Held():
		s.logger.Debug("verifying cached download")
		s.verifyCachedDownload()
	case t.UploadToken != nil:
		// pending completion
		s.retry.backoff(now, localRetryBackoff)
		s.retrying = true
		t.Complete()
	default:
		s.logger.Warn("no upload token available", "has_file", s.file.Held())
		t.Failed(xfer.ErrInternal, 0)
	}
}

func (s *Slot) onInFlight(i int, r *httpreq.Request, ts *tickState) {
	ts.p += r.Transferred()

	last := r.LastData()
	if s.t.Direction == xfer.Get && s.buf.IsRaid() &&
		ts.now.Sub(last) > s.env.idleTimeout()/2 &&
		s.buf.ConnectionRaidPeersAreAllPaused(i) {
		// the others wait for this part; read the file from the other five
		if s.tryRaidRecovery(i) {
			s.logger.Warn("connection is slow or stalled, trying the other raid sources", "connection", i)
			r.Disconnect()
			r.SetStatus(httpreq.StatusReady)
		}
	}

	if last.After(s.lastData) {
		// busy connections with large ranges keep the transfer alive
		s.lastData = last
	}
}

func (s *Slot) onSuccess(i int, r *httpreq.Request, ts *tickState) step {
	t := s.t
	if s.env.OrderDownloadedChunks && t.Direction == xfer.Get && !s.buf.IsRaid() && t.ProgressCompleted != r.Pos {
		// postponing unsorted chunk
		ts.p += int64(r.Size)
		return stepNext
	}

	s.lastData = ts.now
	t.LastAccess = ts.now

	if s.buf.IsRaid() {
		s.logger.Debug("transfer request finished",
			"connection", i,
			"part_pos", s.buf.TransferPos(i),
			"part_size", s.buf.RaidPartSize(i, t.Size),
			"completed", t.ProgressCompleted)
	} else {
		s.logger.Debug("transfer request finished",
			"connection", i,
			"pos", r.Pos,
			"size", r.Size,
			"completed", t.ProgressCompleted+int64(r.Size))
	}

	if t.Direction == xfer.Put {
		return s.onUploadSuccess(i, r, ts)
	}
	return s.onDownloadSuccess(i, r)
}

func (s *Slot) onUploadSuccess(i int, r *httpreq.Request, ts *tickState) step {
	t := s.t
	if len(r.In) > 0 {
		if len(r.In) == xfer.UploadTokenLen {
			if token, ok := httpreq.ParseUploadToken(r.In); ok {
				s.logger.Debug("upload token received")
				t.UploadToken = token
				s.errorCount = 0
				t.FailCount = 0

				// connections not processed yet must have completed too,
				// their chunks belong in the MAC-of-MACs
				for j := s.connections - 1; j >= 0; j-- {
					rj := s.reqs[j]
					if j == i || rj == nil {
						continue
					}
					switch rj.Status() {
					case httpreq.StatusInFlight, httpreq.StatusSuccess, httpreq.StatusFailure:
						s.logger.Debug("including chunk MACs from unprocessed connection", "connection", j)
						t.AddProgress(int64(rj.Size))
						t.ChunkMacs.FinishedUploadChunks(rj.ChunkMacs)
					}
				}

				t.ChunkMacs.FinishedUploadChunks(r.ChunkMacs)
				t.AddProgress(int64(r.Size))
				s.updateContiguousProgress()

				t.ComputeFileKey(t.ChunkMacs.MacsMac(t.Cipher()))
				s.cacheAdd()
				s.reportFinal(ts.now)
				t.Complete()
				return stepDone
			}
			t.UploadToken = nil
		}

		code, err := httpreq.ParseServerError(r.In)
		s.logger.Debug("error uploading chunk", "code", code, "err", err)
		if errors.Is(err, xfer.ErrKey) {
			s.logger.Warn("integrity check failed in upload", "connection", i)
			s.countError(err)
			r.SetStatus(httpreq.StatusPrepared)
			return stepNext
		}
		if errors.Is(err, xfer.ErrDaemonFailed) || htmlOverPlainHTTP(r) {
			if errors.Is(err, xfer.ErrDaemonFailed) {
				s.switchToHTTPS("retry requested by storage server")
			} else {
				s.switchToHTTPS("invalid content type during upload: " + r.ContentType)
			}
			t.Failed(xfer.ErrAgain, 0)
			return stepDone
		}
		t.Failed(err, 0)
		return stepDone
	}

	t.ChunkMacs.FinishedUploadChunks(r.ChunkMacs)
	t.AddProgress(int64(r.Size))
	s.updateContiguousProgress()

	if t.ProgressCompleted == t.Size {
		s.logger.Warn("no upload token received")
		t.Failed(xfer.ErrInternal, 0)
		return stepDone
	}

	s.resetErrors()
	s.cacheAdd()
	r.SetStatus(httpreq.StatusReady)
	return stepNext
}

func (s *Slot) onDownloadSuccess(i int, r *httpreq.Request) step {
	t := s.t
	if r.Size == r.BufPos() || r.BufferReleased {
		if !r.BufferReleased {
			pos := r.Pos
			data, recycle := r.ReleaseBuf()
			s.buf.SubmitBuffer(i, raid.NewFilePiece(pos, data, recycle))
		}

		piece := s.buf.AsyncOutputBuffer(i)
		switch {
		case piece != nil:
			if !piece.Finalize(false, t.Size, t.CtrIV, t.Cipher(), t.ChunkMacs) {
				r.SetStatus(httpreq.StatusDecrypted)
				break
			}
			// whole chunks are decrypted on a worker; the data is already
			// downloaded so the job must run even during shutdown
			key, ctriv, size := t.TransferKey, t.CtrIV, t.Size
			r.SetStatus(httpreq.StatusDecrypting)
			s.env.Queue.Push(func(c *symm.Cipher) {
				keyCipher(c, key)
				piece.Finalize(true, size, ctriv, c, nil)
				r.SetStatus(httpreq.StatusDecrypted)
			}, false)
		case s.buf.IsRaid():
			// not enough parts to combine yet; fetch more of this one
			r.SetStatus(httpreq.StatusReady)
		default:
			s.logger.Error("finished request without output piece", "connection", i)
			r.SetStatus(httpreq.StatusReady)
		}
		return stepNext
	}

	if htmlOverPlainHTTP(r) {
		s.switchToHTTPS("invalid content type during download: " + r.ContentType)
		t.Failed(xfer.ErrAgain, 0)
		return stepDone
	}
	s.logger.Warn("invalid chunk size", "size", r.Size, "received", r.BufPos())
	s.countError(xfer.ErrRead)
	r.SetStatus(httpreq.StatusPrepared)
	return stepNext
}

func (s *Slot) onDecrypted(i int, r *httpreq.Request, ts *tickState) step {
	t := s.t
	piece := s.buf.AsyncOutputBuffer(i)
	if piece == nil {
		r.SetStatus(httpreq.StatusReady)
		return stepNext
	}

	f := s.file.File()
	if f.AsyncAvailable() {
		if s.ops[i] != nil {
			s.logger.Warn("retrying failed async write", "connection", i)
			s.ops[i] = nil
		}
		ts.p += int64(len(piece.Buf))
		s.logger.Debug("writing data asynchronously", "pos", piece.Pos, "end", piece.Pos+int64(len(piece.Buf)))
		s.ops[i] = f.AsyncWrite(piece.Buf, piece.Pos)
		r.SetStatus(httpreq.StatusAsyncIO)
		return stepNext
	}

	if err := f.WriteAt(piece.Buf, piece.Pos); err != nil {
		s.logger.Error("error saving finished chunk", "pos", piece.Pos, "err", err)
		if !f.Retry() {
			// drop the data so teardown does not try it again
			s.buf.BufferWriteCompleted(i, false)
			t.Failed(xfer.ErrWrite, 0)
			return stepDone
		}
		s.lastError = xfer.ErrWrite
		ts.backoff = localRetryBackoff
		return stepNext
	}
	return s.writeCompleted(i, r, ts)
}

// writeCompleted accounts a piece that reached the file.
func (s *Slot) writeCompleted(i int, r *httpreq.Request, ts *tickState) step {
	s.buf.BufferWriteCompleted(i, true)
	s.resetErrors()
	s.updateContiguousProgress()

	if s.checkDownloadFinished(ts.now) {
		return stepDone
	}
	s.cacheAdd()
	r.SetStatus(httpreq.StatusReady)
	return stepNext
}

func (s *Slot) onAsyncIO(i int, r *httpreq.Request, ts *tickState) step {
	t := s.t
	op := s.ops[i]
	if op == nil {
		r.SetStatus(httpreq.StatusReady)
		return stepNext
	}

	if !op.Finished() {
		if t.Direction == xfer.Get {
			ts.p += int64(op.Len)
		}
		return stepNext
	}

	if !op.Failed() {
		s.ops[i] = nil
		if t.Direction == xfer.Put {
			s.encryptUpload(i, r, op.Pos, op.Pos+int64(op.Len))
			return stepNext
		}
		st := s.writeCompleted(i, r, ts)
		if st == stepNext && s.env.OrderDownloadedChunks && !s.buf.IsRaid() {
			// look for postponed chunks again
			return stepRestart
		}
		return st
	}

	s.logger.Warn("async operation failed", "connection", i, "err", op.Err(), "retry", op.Retry())
	if !op.Retry() {
		s.buf.BufferWriteCompleted(i, false)
		s.ops[i] = nil
		if t.Direction == xfer.Put {
			t.Failed(xfer.ErrRead, 0)
		} else {
			t.Failed(xfer.ErrWrite, 0)
		}
		return stepDone
	}

	if t.Direction == xfer.Put {
		s.lastError = xfer.ErrRead
		r.SetStatus(httpreq.StatusReady)
	} else {
		s.lastError = xfer.ErrWrite
		r.SetStatus(httpreq.StatusSuccess)
	}
	ts.backoff = localRetryBackoff
	return stepNext
}

// encryptUpload hands freshly read plaintext to a worker that encrypts it
// and prepares the request.
func (s *Slot) encryptUpload(i int, r *httpreq.Request, pos, npos int64) {
	t := s.t
	url := s.tempURL(i)
	key, ctriv, size := t.TransferKey, t.CtrIV, t.Size
	r.Pos = pos
	r.SetStatus(httpreq.StatusEncrypting)
	// discardable: nothing is lost if the slot goes away first
	s.env.Queue.Push(func(c *symm.Cipher) {
		keyCipher(c, key)
		r.PrepareUpload(url, c, ctriv, pos, npos, size)
		r.SetStatus(httpreq.StatusPrepared)
	}, true)
}

// onReady gives an idle connection its next piece of work.
func (s *Slot) onReady(i int, ts *tickState) step {
	t := s.t
	r := s.reqs[i]
	if r != nil && r.Status() != httpreq.StatusReady {
		return stepNext
	}

	pos, npos, pause := s.buf.NextNPosForConnection(i, s.connections, s.env.uploadSpeed())

	// a recombined or previously loaded block may be waiting to be written
	if r != nil && t.Direction == xfer.Get {
		if piece := s.buf.AsyncOutputBuffer(i); piece != nil {
			r.SetStatus(httpreq.StatusSuccess)
			r.BufferReleased = true
			return stepNext
		}
	}

	switch {
	case pause:
		// wait for the other parts to catch up
	case npos > pos || t.Size == 0 || (t.Direction == xfer.Put && s.ops[i] != nil):
		if r == nil {
			r = s.newRequest()
			s.reqs[i] = r
		}

		prepare := true
		if t.Direction == xfer.Put {
			var ok bool
			pos, npos, prepare, ok = s.readUploadRange(i, r, pos, npos, ts)
			if !ok {
				return stepDone
			}
		}

		if prepare {
			url := s.tempURL(i)
			if t.Direction == xfer.Put {
				r.PrepareUpload(url, t.Cipher(), t.CtrIV, pos, npos, t.Size)
			} else {
				r.PrepareDownload(url, pos, npos)
			}
			r.SetStatus(httpreq.StatusPrepared)
		}
		s.buf.SetTransferPos(i, npos)
	case r != nil:
		r.SetStatus(httpreq.StatusDone)
		if t.Direction == xfer.Get {
			// striped reassembly can leave several pieces at the end of the file
			if piece := s.buf.AsyncOutputBuffer(i); piece != nil {
				r.SetStatus(httpreq.StatusSuccess)
				r.BufferReleased = true
			}
		}
	}
	return stepNext
}

// readUploadRange loads the plaintext of [pos,npos) into r. An asynchronous
// read leaves the request in AsyncIO and prepare false; a failed
// synchronous read that may be retried backs off and leaves the range
// unassigned. ok is false once the transfer has failed.
func (s *Slot) readUploadRange(i int, r *httpreq.Request, pos, npos int64, ts *tickState) (int64, int64, bool, bool) {
	r.ChunkMacs.Clear()

	f := s.file.File()
	if f.AsyncAvailable() {
		if op := s.ops[i]; op != nil {
			s.logger.Warn("retrying a failed read", "connection", i)
			pos, npos = op.Pos, op.Pos+int64(op.Len)
			s.ops[i] = nil
		}
		r.Out = grow(r.Out, int(npos-pos))
		s.ops[i] = f.AsyncRead(r.Out, pos)
		r.SetStatus(httpreq.StatusAsyncIO)
		return pos, npos, false, true
	}

	r.Out = grow(r.Out, int(npos-pos))
	if err := f.ReadAt(r.Out, pos); err != nil {
		s.logger.Warn("error preparing transfer", "pos", pos, "err", err, "retry", f.Retry())
		if !f.Retry() {
			s.t.Failed(xfer.ErrRead, 0)
			return pos, npos, false, false
		}
		// read again shortly
		ts.backoff = localRetryBackoff
		return pos, pos, false, true
	}
	return pos, npos, true, true
}

func grow(b []byte, n int) []byte {
	if cap(b) < n {
		return make([]byte, n)
	}
	return b[:n]
}

func (s *Slot) countError(err error) {
	s.lastError = err
	s.errorCount++
}

func (s *Slot) resetErrors() {
	s.errorCount = 0
	s.t.FailCount = 0
	s.retry.resetEpisodes()
}
