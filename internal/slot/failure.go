package slot

import (
	"strings"
	"time"

	"github.com/sheerbytes/cloudxfer/internal/httpreq"
	"github.com/sheerbytes/cloudxfer/internal/xfer"
)

func (s *Slot) onFailure(i int, r *httpreq.Request, ts *tickState) step {
	t := s.t
	s.logger.Warn("failed chunk",
		"connection", i,
		"http_status", r.HTTPStatus,
		"content_type", r.ContentType,
		"err", r.Err())

	if r.HTTPStatus != 0 && htmlOverPlainHTTP(r) {
		s.switchToHTTPS("invalid content type on failed chunk: " + r.ContentType)
		t.Failed(xfer.ErrAgain, 0)
		return stepDone
	}

	switch {
	case r.HTTPStatus == 509:
		backoff := DefaultOverQuotaBackoff
		if r.TimeLeft > 0 {
			backoff = time.Duration(r.TimeLeft) * time.Second
		} else if r.TimeLeft < 0 {
			s.logger.Warn("bandwidth overquota without a time to wait")
		}
		t.Failed(xfer.ErrOverQuota, backoff)
		return stepDone

	case r.HTTPStatus == 429:
		ts.backoff = rateLimitBackoff
		s.countError(xfer.ErrAgain)
		r.SetStatus(httpreq.StatusPrepared)

	case r.HTTPStatus == 503 && !s.buf.IsRaid():
		ts.backoff = unavailableBackoff
		s.countError(xfer.ErrAgain)
		r.SetStatus(httpreq.StatusPrepared)

	case r.HTTPStatus == 403 || r.HTTPStatus == 404 || r.HTTPStatus == 503:
		if !s.tryRaidRecovery(i) {
			t.Failed(xfer.ErrAgain, 0)
			return stepDone
		}

	case r.HTTPStatus == 0 && s.tryRaidRecovery(i):
		// the part will be rebuilt from the other five

	default:
		if !s.failure {
			s.failure = true
			changePort := httpreq.IsPlainHTTP(s.buf.TempURL(i)) && s.env.toggleAltPort(t.Direction)
			t.TemporaryError(xfer.ErrFailed)
			s.env.Stats.TempErrors++
			s.countError(xfer.ErrFailed)
			if changePort {
				r.URL = httpreq.TogglePort(r.URL)
				s.logger.Warn("switching port", "url", r.URL)
			}
		}
		r.SetStatus(httpreq.StatusPrepared)
	}
	return stepNext
}

// onTimeout handles a slot that has seen no data for the idle timeout.
// Requests in flight are aborted and queued again; without any the
// transfer fails.
func (s *Slot) onTimeout(ts *tickState) step {
	t := s.t
	s.logger.Warn("transfer timeout", "idle", ts.now.Sub(s.lastData))
	s.failure = true

	changePort := httpreq.IsPlainHTTP(s.buf.TempURL(0)) && s.env.toggleAltPort(t.Direction)
	chunkFailed := false
	for i := s.connections - 1; i >= 0; i-- {
		r := s.reqs[i]
		if r == nil || r.Status() != httpreq.StatusInFlight {
			continue
		}
		chunkFailed = true
		s.logger.Warn("connection timeout", "connection", i, "pos", r.Pos, "size", r.Size)
		r.Disconnect()
		if changePort {
			r.URL = httpreq.TogglePort(r.URL)
		}
		r.SetStatus(httpreq.StatusPrepared)
	}

	if !chunkFailed {
		s.logger.Warn("transfer failed due to a timeout")
		t.Failed(xfer.ErrAgain, 0)
		return stepDone
	}
	s.logger.Warn("chunk failed due to a timeout")
	t.TemporaryError(xfer.ErrFailed)
	s.env.Stats.TempErrors++
	s.countError(xfer.ErrFailed)
	return stepNext
}

// tryRaidRecovery drops part i of a striped download and lets the other
// five rebuild it. Connections that had nothing left to do are woken up.
func (s *Slot) tryRaidRecovery(i int) bool {
	if !s.buf.IsRaid() {
		return false
	}
	if !s.buf.TryRaidHTTPGetErrorRecovery(i) {
		s.logger.Warn("raid transfer failed, too many connection errors", "connection", i)
		return false
	}
	s.reqs[i].SetStatus(httpreq.StatusReady)
	for j := s.connections - 1; j >= 0; j-- {
		if r := s.reqs[j]; r != nil && r.Status() == httpreq.StatusDone {
			r.SetStatus(httpreq.StatusReady)
		}
	}
	return true
}

// switchToHTTPS makes every later request of the process use HTTPS. It is
// the reaction to a proxy or portal answering plain HTTP with a web page.
func (s *Slot) switchToHTTPS(reason string) {
	if !s.env.UseHTTPS {
		s.env.Stats.HTTPSSwitches++
	}
	s.env.UseHTTPS = true
	s.logger.Warn("enabling HTTPS for transfers", "reason", reason)
}

func htmlOverPlainHTTP(r *httpreq.Request) bool {
	return strings.Contains(r.ContentType, "text/html") && httpreq.IsPlainHTTP(r.URL)
}
