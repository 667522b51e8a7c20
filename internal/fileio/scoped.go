package fileio

import (
	"time"
)

// BackoffGate is told whether a transfer's retry timer may run. The timer is
// enabled only while no file is held for the transfer.
type BackoffGate interface {
	SetBackoffEnabled(enabled bool)
}

// Scoped is the exclusive holder of a transfer's local file.
type Scoped struct {
	gate  BackoffGate
	now   func() time.Time
	f     File
	since time.Time
}

// NewScoped wraps f, which may be nil, on behalf of gate.
func NewScoped(f File, gate BackoffGate, now func() time.Time) *Scoped {
	if now == nil {
		now = time.Now
	}
	s := &Scoped{gate: gate, now: now}
	s.Reset(f)
	return s
}

// Reset closes the held file, if any, and takes ownership of f.
func (s *Scoped) Reset(f File) {
	if s.f != nil {
		_ = s.f.Close()
	}
	s.f = f
	if f != nil {
		s.since = s.now()
	} else {
		s.since = time.Time{}
	}
	if s.gate != nil {
		s.gate.SetBackoffEnabled(f == nil)
	}
}

// File returns the held file, or nil.
func (s *Scoped) File() File {
	return s.f
}

// Held reports whether a file is held.
func (s *Scoped) Held() bool {
	return s.f != nil
}

// HeldSince returns when the current file was acquired.
func (s *Scoped) HeldSince() time.Time {
	return s.since
}

// Close releases the held file.
func (s *Scoped) Close() {
	s.Reset(nil)
}
