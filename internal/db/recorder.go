package db

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/vehicle-telemetry/internal/anomaly"
	"github.com/banshee-data/vehicle-telemetry/internal/monitoring"
	"github.com/banshee-data/vehicle-telemetry/internal/telemetry"
	"github.com/banshee-data/vehicle-telemetry/internal/timeutil"
)

// SnapshotSource is the read side of the telemetry buffer.
type SnapshotSource interface {
	Snapshot(n int) []telemetry.Reading
}

// Recorder periodically copies new readings out of the buffer into the
// database. Only readings with a sequence number above the last one stored
// are written, so overlapping snapshots never produce duplicates.
type Recorder struct {
	db         *DB
	src        SnapshotSource
	capacity   int
	thresholds anomaly.Thresholds
	interval   time.Duration

	clock   timeutil.Clock
	stats   *monitoring.Stats
	busKind string
	logf    func(format string, v ...interface{})

	runID string

	mu      sync.Mutex
	lastSeq uint64
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithRecorderClock sets the clock driving the poll ticker.
func WithRecorderClock(c timeutil.Clock) RecorderOption {
	return func(r *Recorder) { r.clock = c }
}

// WithRecorderStats counts stored violations into s.
func WithRecorderStats(s *monitoring.Stats) RecorderOption {
	return func(r *Recorder) { r.stats = s }
}

// WithBusKind labels the run with the frame source it records.
func WithBusKind(kind string) RecorderOption {
	return func(r *Recorder) { r.busKind = kind }
}

// NewRecorder registers a new run and returns a recorder for it. capacity
// should match the buffer capacity so each poll sees everything retained.
func NewRecorder(db *DB, src SnapshotSource, capacity int, thresholds anomaly.Thresholds, interval time.Duration, opts ...RecorderOption) (*Recorder, error) {
	r := &Recorder{
		db:         db,
		src:        src,
		capacity:   capacity,
		thresholds: thresholds,
		interval:   interval,
		clock:      timeutil.RealClock{},
		logf:       monitoring.Component("recorder"),
		runID:      uuid.NewString(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := db.StartRun(r.runID, r.clock.Now(), r.busKind); err != nil {
		return nil, err
	}
	return r, nil
}

// RunID identifies the rows this recorder writes.
func (r *Recorder) RunID() string { return r.runID }

// LastSeq returns the sequence number of the newest stored reading.
func (r *Recorder) LastSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSeq
}

// RecordOnce stores the readings that arrived since the previous call and
// returns how many were written.
func (r *Recorder) RecordOnce() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.src.Snapshot(r.capacity)
	start := len(snapshot)
	for i, reading := range snapshot {
		if reading.Seq > r.lastSeq {
			start = i
			break
		}
	}
	fresh := snapshot[start:]
	if len(fresh) == 0 {
		return 0, nil
	}
	if r.lastSeq > 0 && fresh[0].Seq > r.lastSeq+1 {
		r.logf("buffer evicted %d readings before they were recorded", fresh[0].Seq-r.lastSeq-1)
	}

	violations, err := r.db.RecordReadings(r.runID, fresh, r.thresholds)
	if err != nil {
		return 0, err
	}
	r.lastSeq = fresh[len(fresh)-1].Seq
	if r.stats != nil {
		r.stats.Violations(violations)
	}
	return len(fresh), nil
}

// Run polls every interval until ctx is done, then records once more so the
// readings flushed on shutdown are kept.
func (r *Recorder) Run(ctx context.Context) error {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if _, err := r.RecordOnce(); err != nil {
				r.logf("final record failed: %v", err)
			}
			return nil
		case <-ticker.C():
			if _, err := r.RecordOnce(); err != nil {
				r.logf("record failed: %v", err)
			}
		}
	}
}
