package buffer

import (
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vehicle-telemetry/internal/telemetry"
)

var base = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func reading(seq uint64) telemetry.Reading {
	v := float64(seq)
	return telemetry.Reading{
		Seq:         seq,
		CapturedAt:  base.Add(time.Duration(seq) * time.Millisecond),
		Speed:       v,
		RPM:         v,
		Throttle:    v,
		CoolantTemp: v,
	}
}

func seqs(rs []telemetry.Reading) []uint64 {
	out := make([]uint64, len(rs))
	for i, r := range rs {
		out[i] = r.Seq
	}
	return out
}

func TestSnapshot_Empty(t *testing.T) {
	b := New(4)
	got := b.Snapshot(10)
	require.NotNil(t, got)
	assert.Empty(t, got)

	_, ok := b.Latest()
	assert.False(t, ok)
	assert.Equal(t, 0, b.Len())
}

func TestSnapshot_FewerThanRequested(t *testing.T) {
	b := New(10)
	for i := uint64(1); i <= 3; i++ {
		b.Push(reading(i))
	}
	if diff := cmp.Diff([]uint64{1, 2, 3}, seqs(b.Snapshot(10))); diff != "" {
		t.Errorf("Snapshot(10) mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint64{2, 3}, seqs(b.Snapshot(2))); diff != "" {
		t.Errorf("Snapshot(2) mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, b.Snapshot(0))
	assert.Empty(t, b.Snapshot(-1))
}

func TestPush_EvictsOldest(t *testing.T) {
	const capacity = 5
	for _, extra := range []int{0, 1, 3, capacity, 2*capacity + 1} {
		b := New(capacity)
		total := capacity + extra
		for i := 1; i <= total; i++ {
			b.Push(reading(uint64(i)))
		}

		require.Equal(t, capacity, b.Len())
		want := make([]uint64, 0, capacity)
		for i := extra + 1; i <= total; i++ {
			want = append(want, uint64(i))
		}
		if diff := cmp.Diff(want, seqs(b.Snapshot(capacity+10))); diff != "" {
			t.Errorf("capacity+%d: snapshot mismatch (-want +got):\n%s", extra, diff)
		}

		latest, ok := b.Latest()
		require.True(t, ok)
		assert.Equal(t, uint64(total), latest.Seq)
	}
}

func TestPush_ClampsOutOfOrderTimestamps(t *testing.T) {
	b := New(3)
	b.Push(reading(5))
	early := reading(6)
	early.CapturedAt = base
	b.Push(early)

	got := b.Snapshot(2)
	require.Len(t, got, 2)
	assert.True(t, got[1].CapturedAt.Equal(got[0].CapturedAt))
}

func TestSnapshot_IsACopy(t *testing.T) {
	b := New(3)
	b.Push(reading(1))
	snap := b.Snapshot(1)
	snap[0].Speed = -1

	latest, _ := b.Latest()
	assert.Equal(t, 1.0, latest.Speed)
}

func TestNew_DefaultCapacity(t *testing.T) {
	b := New(0)
	assert.Len(t, b.ring, DefaultCapacity)
}

// One producer pushes while readers snapshot. Every reading carries its seq in
// every field, so a torn read would show up as mismatched fields, and every
// snapshot must be a contiguous run in push order.
func TestConcurrentPushAndSnapshot(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	capacity := 16 + rng.Intn(64)
	pushes := 5000 + rng.Intn(5000)
	b := New(capacity)

	var wg sync.WaitGroup
	done := make(chan struct{})
	errs := make(chan string, 8)

	for w := 0; w < 4; w++ {
		n := 1 + rng.Intn(capacity*2)
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				snap := b.Snapshot(n)
				if len(snap) > capacity {
					errs <- "snapshot larger than capacity"
					return
				}
				for i, r := range snap {
					v := float64(r.Seq)
					if r.Speed != v || r.RPM != v || r.Throttle != v || r.CoolantTemp != v {
						errs <- "torn reading"
						return
					}
					if i > 0 && r.Seq != snap[i-1].Seq+1 {
						errs <- "snapshot not contiguous"
						return
					}
				}
			}
		}(n)
	}

	for i := 1; i <= pushes; i++ {
		b.Push(reading(uint64(i)))
	}
	close(done)
	wg.Wait()
	close(errs)

	for msg := range errs {
		t.Error(msg)
	}
	assert.Equal(t, capacity, b.Len())
	latest, _ := b.Latest()
	assert.Equal(t, uint64(pushes), latest.Seq)
}
