package slot

import "time"

// reportProgress feeds the speed meters and tells the listener, at most
// once per progress interval.
func (s *Slot) reportProgress(ts *tickState) {
	if ts.p != s.progressReported {
		diff := ts.p - s.progressReported
		s.speed = s.speedCtl.CalculateSpeed(diff)
		s.meanSpeed = s.speedCtl.MeanSpeed()
		s.env.updateSpeed(s.t.Direction, diff)
		s.progressReported = ts.p
		s.lastData = ts.now
	}
	if s.reportLimit.AllowN(ts.now, 1) {
		s.lastProgressReport = ts.now
		s.progress()
	}
}

// reportFinal reports completed progress right before a terminal callback,
// bypassing the rate limit.
func (s *Slot) reportFinal(now time.Time) {
	s.progressReported = s.t.ProgressCompleted
	s.lastData = now
	s.lastProgressReport = now
	s.progress()
}

func (s *Slot) progress() {
	s.t.Updated()
}

func (s *Slot) updateContiguousProgress() {
	s.progressContiguous = s.t.ChunkMacs.ContiguousFrom(s.progressContiguous, s.t.Size)
}
