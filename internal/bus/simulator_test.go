package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vehicle-telemetry/internal/catalog"
	"github.com/banshee-data/vehicle-telemetry/internal/decode"
	"github.com/banshee-data/vehicle-telemetry/internal/telemetry"
	"github.com/banshee-data/vehicle-telemetry/internal/timeutil"
)

func TestSimulator_EmitsOneFramePerMessagePerTick(t *testing.T) {
	cat := catalog.Default()
	start := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	clock := timeutil.NewMockClock(start)
	sim := NewSimulator(cat, 100*time.Millisecond, WithSeed(7), WithSimClock(clock))
	defer sim.Close()

	ctx := context.Background()
	dec := decode.New(cat)
	ranges := DefaultRanges()

	var ids []uint32
	for i := 0; i < 4; i++ {
		f, err := sim.Receive(ctx)
		require.NoError(t, err)
		assert.True(t, f.Timestamp.Equal(start))
		ids = append(ids, f.ID)

		frags, err := dec.Decode(f)
		require.NoError(t, err)
		require.Len(t, frags, 1)
		r := ranges[frags[0].Field]
		// allow for the rounding of the encoded raw value
		assert.GreaterOrEqual(t, frags[0].Value, r.Min-0.5)
		assert.LessOrEqual(t, frags[0].Value, r.Max+0.5)
	}
	assert.Equal(t, []uint32{0x123, 0x456, 0x789, 0xABC}, ids)

	// the next tick is only produced once the clock advances
	got := make(chan telemetry.Frame, 1)
	go func() {
		f, err := sim.Receive(ctx)
		if err == nil {
			got <- f
		}
	}()
	clock.Advance(100 * time.Millisecond)

	select {
	case f := <-got:
		assert.Equal(t, uint32(0x123), f.ID)
		assert.True(t, f.Timestamp.Equal(start.Add(100*time.Millisecond)))
	case <-time.After(2 * time.Second):
		t.Fatal("simulator did not produce the second tick")
	}
}

func TestSimulator_FixedRange(t *testing.T) {
	cat := catalog.Default()
	sim := NewSimulator(cat, time.Hour, WithSeed(1), WithRanges(map[string]Range{
		telemetry.FieldCoolantTemp: {97, 97},
	}))
	defer sim.Close()

	dec := decode.New(cat)
	for i := 0; i < 4; i++ {
		f, err := sim.Receive(context.Background())
		require.NoError(t, err)
		if f.ID != 0xABC {
			continue
		}
		frags, err := dec.Decode(f)
		require.NoError(t, err)
		assert.Equal(t, 97.0, frags[0].Value)
	}
}

func TestSimulator_Close(t *testing.T) {
	sim := NewSimulator(catalog.Default(), time.Hour, WithSeed(1))
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		_, err := sim.Receive(ctx)
		require.NoError(t, err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := sim.Receive(ctx)
		done <- err
	}()
	sim.Close()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, telemetry.ErrBusClosed), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("Receive did not return after Close")
	}
}
