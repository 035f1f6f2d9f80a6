package testutil

import (
	"fmt"
	"math"
	"net/http"
	"testing"
	"time"

	"github.com/banshee-data/vehicle-telemetry/internal/catalog"
	"github.com/banshee-data/vehicle-telemetry/internal/decode"
	"github.com/banshee-data/vehicle-telemetry/internal/telemetry"
)

func TestReadings(t *testing.T) {
	t.Parallel()

	rs := Readings(3, 100*time.Millisecond)
	if len(rs) != 3 {
		t.Fatalf("len = %d, want 3", len(rs))
	}
	if rs[0].Seq != 1 || rs[2].Seq != 3 {
		t.Errorf("seqs = %d..%d, want 1..3", rs[0].Seq, rs[2].Seq)
	}
	if got := rs[2].CapturedAt.Sub(rs[0].CapturedAt); got != 200*time.Millisecond {
		t.Errorf("span = %v, want 200ms", got)
	}
}

func TestFramesDecodeBack(t *testing.T) {
	t.Parallel()

	cat := catalog.Default()
	want := telemetry.Reading{Speed: 45, RPM: 3000, Throttle: 20, CoolantTemp: 97}
	frames := Frames(t, cat, want, Epoch)
	if len(frames) != len(cat.Messages()) {
		t.Fatalf("frames = %d, want %d", len(frames), len(cat.Messages()))
	}

	var got telemetry.Reading
	d := decode.New(cat)
	for _, f := range frames {
		fragments, err := d.Decode(f)
		if err != nil {
			t.Fatalf("decode %v: %v", f, err)
		}
		for _, frag := range fragments {
			got = got.WithField(frag.Field, frag.Value)
		}
	}
	for _, field := range telemetry.Fields {
		g, _ := got.Field(field)
		w, _ := want.Field(field)
		if math.Abs(g-w) > 1e-9 {
			t.Errorf("%s = %v, want %v", field, g, w)
		}
	}
}

// recordingTB captures Errorf calls instead of failing the test.
type recordingTB struct {
	testing.TB
	errors []string
}

func (r *recordingTB) Helper() {}

func (r *recordingTB) Errorf(format string, args ...any) {
	r.errors = append(r.errors, fmt.Sprintf(format, args...))
}

func TestAssertStatusCode(t *testing.T) {
	t.Parallel()

	rec := &recordingTB{TB: t}
	AssertStatusCode(rec, http.StatusOK, http.StatusOK)
	if len(rec.errors) != 0 {
		t.Fatalf("matching codes reported %v", rec.errors)
	}

	AssertStatusCode(rec, http.StatusOK, http.StatusBadRequest)
	if len(rec.errors) != 1 || rec.errors[0] != "status code = 200, want 400" {
		t.Errorf("errors = %q, want one mismatch report", rec.errors)
	}
}
