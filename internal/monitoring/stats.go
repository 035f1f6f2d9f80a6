package monitoring

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Stats counts what the ingestion path did with the traffic it saw. Counters
// are updated by the single ingestion goroutine and read from anywhere.
type Stats struct {
	started time.Time

	frames      atomic.Uint64
	unknown     atomic.Uint64
	truncated   atomic.Uint64
	readings    atomic.Uint64
	incomplete  atomic.Uint64
	violations  atomic.Uint64
	lastReading atomic.Int64 // unix nanos of the last pushed reading
}

// NewStats returns zeroed counters.
func NewStats() *Stats {
	return &Stats{started: time.Now()}
}

func (s *Stats) Frame()      { s.frames.Add(1) }
func (s *Stats) Unknown()    { s.unknown.Add(1) }
func (s *Stats) Truncated()  { s.truncated.Add(1) }
func (s *Stats) Incomplete() { s.incomplete.Add(1) }

// Violations adds n threshold violations found by the recorder.
func (s *Stats) Violations(n int) {
	if n > 0 {
		s.violations.Add(uint64(n))
	}
}

// Reading records a reading pushed to the buffer.
func (s *Stats) Reading(at time.Time) {
	s.readings.Add(1)
	s.lastReading.Store(at.UnixNano())
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Uptime        time.Duration `json:"uptime_ns"`
	Frames        uint64        `json:"frames"`
	UnknownFrames uint64        `json:"unknown_frames"`
	Truncated     uint64        `json:"truncated"`
	Readings      uint64        `json:"readings"`
	Incomplete    uint64        `json:"incomplete_readings"`
	Violations    uint64        `json:"violations"`
	LastReading   time.Time     `json:"last_reading,omitempty"`
}

// Snapshot copies the current counter values.
func (s *Stats) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		Uptime:        time.Since(s.started),
		Frames:        s.frames.Load(),
		UnknownFrames: s.unknown.Load(),
		Truncated:     s.truncated.Load(),
		Readings:      s.readings.Load(),
		Incomplete:    s.incomplete.Load(),
		Violations:    s.violations.Load(),
	}
	if ns := s.lastReading.Load(); ns != 0 {
		snap.LastReading = time.Unix(0, ns)
	}
	return snap
}

func (s StatsSnapshot) String() string {
	return fmt.Sprintf("frames=%d unknown=%d truncated=%d readings=%d incomplete=%d violations=%d",
		s.Frames, s.UnknownFrames, s.Truncated, s.Readings, s.Incomplete, s.Violations)
}
