package bus

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vehicle-telemetry/internal/telemetry"
)

func captureOf(t *testing.T, frames ...telemetry.Frame) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewCaptureWriter(&buf)
	require.NoError(t, err)
	for _, f := range frames {
		require.NoError(t, w.Write(f))
	}
	return &buf
}

func TestReplay_RoundTrip(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	frames := []telemetry.Frame{
		{ID: 0x123, Payload: []byte{0x01, 0xC2}, Timestamp: base},
		{ID: 0x18DAF110, Payload: []byte{0xAA}, Timestamp: base.Add(10 * time.Millisecond)},
		{ID: 0xABC, Payload: []byte{0x61}, Timestamp: base.Add(20 * time.Millisecond)},
	}

	r, err := NewReplay(captureOf(t, frames...), false)
	require.NoError(t, err)

	ctx := context.Background()
	for _, want := range frames {
		got, err := r.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, want.ID, got.ID)
		assert.Equal(t, want.Payload, got.Payload)
		assert.True(t, want.Timestamp.Equal(got.Timestamp), "timestamp %v != %v", got.Timestamp, want.Timestamp)
	}

	_, err = r.Receive(ctx)
	assert.True(t, errors.Is(err, telemetry.ErrBusClosed), "got %v", err)
}

func TestReplay_SkipsRemoteAndErrorFrames(t *testing.T) {
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65535, LinkTypeSocketCAN))

	write := func(data []byte) {
		require.NoError(t, w.WritePacket(captureInfo(len(data)), data))
	}
	// remote frame, error frame and a runt, none of which are data
	write([]byte{0x40, 0x00, 0x01, 0x23, 0, 0, 0, 0})
	write([]byte{0x20, 0x00, 0x00, 0x04, 8, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0})
	write([]byte{0x00, 0x00})
	write([]byte{0x00, 0x00, 0x07, 0x89, 1, 0, 0, 0, 0x14})

	r, err := NewReplay(&buf, false)
	require.NoError(t, err)

	f, err := r.Receive(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(0x789), f.ID)
	assert.Equal(t, []byte{0x14}, f.Payload)
}

func TestReplay_RejectsOtherLinkTypes(t *testing.T) {
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))

	_, err := NewReplay(&buf, false)
	assert.Error(t, err)
}

func TestReplay_RealtimeHonoursContext(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r, err := NewReplay(captureOf(t,
		telemetry.Frame{ID: 0x123, Payload: []byte{0, 1}, Timestamp: base},
		telemetry.Frame{ID: 0x123, Payload: []byte{0, 2}, Timestamp: base.Add(time.Hour)},
	), true)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = r.Receive(ctx)
	require.NoError(t, err)
	_, err = r.Receive(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
}

func TestRecorder_TeesFrames(t *testing.T) {
	ctx := context.Background()
	src := NewChannel(2)
	f := telemetry.Frame{ID: 0x456, Payload: []byte{0x0B, 0xB8}, Timestamp: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	require.NoError(t, src.Send(ctx, f))
	src.Close()

	var buf bytes.Buffer
	cw, err := NewCaptureWriter(&buf)
	require.NoError(t, err)
	rec := NewRecorder(src, cw, func(err error) { t.Errorf("capture write failed: %v", err) })

	got, err := rec.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, f.ID, got.ID)
	_, err = rec.Receive(ctx)
	assert.True(t, errors.Is(err, telemetry.ErrBusClosed))

	replay, err := NewReplay(&buf, false)
	require.NoError(t, err)
	back, err := replay.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, f.Payload, back.Payload)
}

func captureInfo(n int) gopacket.CaptureInfo {
	return gopacket.CaptureInfo{Timestamp: time.Unix(1700000000, 0), CaptureLength: n, Length: n}
}
