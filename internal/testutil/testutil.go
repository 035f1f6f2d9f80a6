// Package testutil provides shared fixtures for pipeline and dashboard tests.
package testutil

import (
	"testing"
	"time"

	"github.com/banshee-data/vehicle-telemetry/internal/catalog"
	"github.com/banshee-data/vehicle-telemetry/internal/decode"
	"github.com/banshee-data/vehicle-telemetry/internal/telemetry"
)

// Epoch is the capture time of the first fixture reading.
var Epoch = time.Date(2026, 6, 30, 9, 15, 0, 0, time.UTC)

// Cruise is a steady-state reading below every default threshold.
var Cruise = telemetry.Reading{Speed: 45, RPM: 3000, Throttle: 20, CoolantTemp: 90}

// Readings returns n cruise readings with seq 1..n captured step apart from
// Epoch.
func Readings(n int, step time.Duration) []telemetry.Reading {
	out := make([]telemetry.Reading, n)
	for i := range out {
		r := Cruise
		r.Seq = uint64(i + 1)
		r.CapturedAt = Epoch.Add(time.Duration(i) * step)
		out[i] = r
	}
	return out
}

// Frames encodes r as one frame per catalog message, stamped at.
func Frames(tb testing.TB, cat *catalog.Catalog, r telemetry.Reading, at time.Time) []telemetry.Frame {
	tb.Helper()
	var frames []telemetry.Frame
	for _, m := range cat.Messages() {
		payload := make([]byte, m.Length)
		for _, s := range m.Signals {
			rule, ok := cat.RuleFor(s.Field)
			if !ok {
				tb.Fatalf("no rule for %s", s.Field)
			}
			v, _ := r.Field(s.Field)
			if err := decode.Encode(rule, v, payload); err != nil {
				tb.Fatalf("encode %s=%v: %v", s.Field, v, err)
			}
		}
		frames = append(frames, telemetry.Frame{ID: uint32(m.ID), Payload: payload, Timestamp: at})
	}
	return frames
}

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(tb testing.TB, got, want int) {
	tb.Helper()
	if got != want {
		tb.Errorf("status code = %d, want %d", got, want)
	}
}
