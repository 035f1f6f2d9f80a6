// Package assemble merges per-signal fragments that arrive on independent
// schedules into complete readings, one sampling tick at a time.
package assemble

import (
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/vehicle-telemetry/internal/telemetry"
	"github.com/banshee-data/vehicle-telemetry/internal/timeutil"
)

// DefaultWindow bounds how long a tick waits for its remaining signals.
const DefaultWindow = 200 * time.Millisecond

// Timeout reports a tick that was emitted before every signal arrived. The
// accompanying reading is still valid; missing fields carry the previous
// reading's values (or zero before the first reading).
type Timeout struct {
	Seq     uint64
	Missing []string
}

func (e *Timeout) Error() string {
	return fmt.Sprintf("reading %d emitted without %s", e.Seq, strings.Join(e.Missing, ", "))
}

// Assembler holds a single pending tick. It is owned by the ingestion loop
// and is not safe for concurrent use.
type Assembler struct {
	window time.Duration
	clock  timeutil.Clock

	active     bool
	values     [4]float64
	have       [4]bool
	capturedAt time.Time // earliest fragment timestamp in the tick
	firstAt    time.Time // timestamp of the fragment that opened the tick
	openedAt   time.Time // clock time the tick was opened

	seq     uint64
	last    telemetry.Reading
	hasLast bool
}

// New returns an Assembler with the given window. A non-positive window uses
// DefaultWindow and a nil clock uses the real clock.
func New(window time.Duration, clock timeutil.Clock) *Assembler {
	if window <= 0 {
		window = DefaultWindow
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Assembler{window: window, clock: clock}
}

func fieldIndex(name string) int {
	for i, f := range telemetry.Fields {
		if f == name {
			return i
		}
	}
	return -1
}

// Feed adds a fragment to the pending tick. It returns a reading when a tick
// was emitted: either the pending tick completed, or the fragment could not
// belong to it (its field was already filled or the window had elapsed) and
// the pending tick was flushed before the fragment opened the next one. The
// error is a *Timeout when the emitted reading was incomplete.
func (a *Assembler) Feed(f telemetry.Fragment) (telemetry.Reading, bool, error) {
	idx := fieldIndex(f.Field)
	if idx < 0 {
		return telemetry.Reading{}, false, nil
	}

	var (
		out     telemetry.Reading
		flushed bool
		err     error
	)
	if a.active && (a.have[idx] || f.CapturedAt.Sub(a.firstAt) > a.window) {
		out, err = a.flush()
		flushed = true
	}

	if !a.active {
		a.active = true
		a.capturedAt = f.CapturedAt
		a.firstAt = f.CapturedAt
		a.openedAt = a.clock.Now()
	} else if f.CapturedAt.Before(a.capturedAt) {
		a.capturedAt = f.CapturedAt
	}
	a.values[idx] = f.Value
	a.have[idx] = true

	if !flushed && a.complete() {
		out, err = a.flush()
		flushed = true
	}
	return out, flushed, err
}

// Expire emits the pending tick if its window has elapsed on the clock. It is
// called periodically so a tick whose stragglers never arrive still flushes.
func (a *Assembler) Expire() (telemetry.Reading, bool, error) {
	if !a.active || a.clock.Now().Sub(a.openedAt) <= a.window {
		return telemetry.Reading{}, false, nil
	}
	out, err := a.flush()
	return out, true, err
}

// Flush emits the pending tick regardless of the window. It is used on
// shutdown so partially assembled data is not lost.
func (a *Assembler) Flush() (telemetry.Reading, bool, error) {
	if !a.active {
		return telemetry.Reading{}, false, nil
	}
	out, err := a.flush()
	return out, true, err
}

// PendingFields returns the fields collected so far for the pending tick.
func (a *Assembler) PendingFields() []string {
	var out []string
	for i, ok := range a.have {
		if ok {
			out = append(out, telemetry.Fields[i])
		}
	}
	return out
}

func (a *Assembler) complete() bool {
	for _, ok := range a.have {
		if !ok {
			return false
		}
	}
	return true
}

func (a *Assembler) flush() (telemetry.Reading, error) {
	a.seq++
	r := telemetry.Reading{Seq: a.seq, CapturedAt: a.capturedAt}
	if a.hasLast {
		r.Speed, r.RPM, r.Throttle, r.CoolantTemp = a.last.Speed, a.last.RPM, a.last.Throttle, a.last.CoolantTemp
	}

	var missing []string
	for i, name := range telemetry.Fields {
		if a.have[i] {
			r = r.WithField(name, a.values[i])
		} else {
			missing = append(missing, name)
		}
	}

	a.last = r
	a.hasLast = true
	a.active = false
	a.have = [4]bool{}
	a.values = [4]float64{}

	if len(missing) > 0 {
		return r, &Timeout{Seq: r.Seq, Missing: missing}
	}
	return r, nil
}
