// Package progress estimates transfer speeds.
package progress

import (
	"sync"
	"time"

	"github.com/VividCortex/ewma"
)

// SpeedController turns a stream of byte deltas into a smoothed
// instantaneous speed and a mean speed since the first sample.
type SpeedController struct {
	mu        sync.Mutex
	avg       ewma.MovingAverage
	now       func() time.Time
	startedAt time.Time
	lastAt    time.Time
	pending   int64
	total     int64
	speed     int64
}

// NewSpeedController returns a controller reading the wall clock.
func NewSpeedController() *SpeedController {
	return NewSpeedControllerWithNow(time.Now)
}

// NewSpeedControllerWithNow returns a controller with a custom time source (for tests).
func NewSpeedControllerWithNow(now func() time.Time) *SpeedController {
	if now == nil {
		now = time.Now
	}
	return &SpeedController{avg: ewma.NewMovingAverage(), now: now}
}

// CalculateSpeed records delta bytes and returns the smoothed speed in
// bytes per second. Deltas reported within the same instant are carried
// over to the next call.
func (s *SpeedController) CalculateSpeed(delta int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.startedAt.IsZero() {
		s.startedAt = now
		s.lastAt = now
	}
	if delta > 0 {
		s.pending += delta
		s.total += delta
	}
	elapsed := now.Sub(s.lastAt).Seconds()
	if elapsed <= 0 {
		return s.speed
	}
	s.avg.Add(float64(s.pending) / elapsed)
	s.pending = 0
	s.lastAt = now
	s.speed = int64(s.avg.Value())
	return s.speed
}

// Speed returns the last smoothed speed.
func (s *SpeedController) Speed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speed
}

// MeanSpeed returns the bytes per second averaged since the first sample.
func (s *SpeedController) MeanSpeed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startedAt.IsZero() {
		return 0
	}
	elapsed := s.now().Sub(s.startedAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return int64(float64(s.total) / elapsed)
}

// Total returns the bytes recorded so far.
func (s *SpeedController) Total() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}
