// Package bus provides the frame sources the ingestion loop can read from:
// an in-memory channel, a vehicle simulator, a serial-line CAN adapter and a
// capture file replayer. All of them implement ingest.Bus.
package bus

import (
	"context"
	"sync"

	"github.com/banshee-data/vehicle-telemetry/internal/telemetry"
)

// Source is anything frames can be received from. It matches ingest.Bus.
type Source interface {
	Receive(ctx context.Context) (telemetry.Frame, error)
}

// Channel is an in-memory bus. Frames sent before Close are still delivered.
type Channel struct {
	frames chan telemetry.Frame
	done   chan struct{}
	once   sync.Once
}

// NewChannel returns a bus that buffers up to size frames.
func NewChannel(size int) *Channel {
	return &Channel{
		frames: make(chan telemetry.Frame, size),
		done:   make(chan struct{}),
	}
}

// Send queues a frame, blocking while the buffer is full.
func (c *Channel) Send(ctx context.Context, f telemetry.Frame) error {
	select {
	case <-c.done:
		return telemetry.ErrBusClosed
	default:
	}
	select {
	case c.frames <- f:
		return nil
	case <-c.done:
		return telemetry.ErrBusClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the next frame.
func (c *Channel) Receive(ctx context.Context) (telemetry.Frame, error) {
	select {
	case f := <-c.frames:
		return f, nil
	default:
	}
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.done:
		select {
		case f := <-c.frames:
			return f, nil
		default:
			return telemetry.Frame{}, telemetry.ErrBusClosed
		}
	case <-ctx.Done():
		return telemetry.Frame{}, ctx.Err()
	}
}

// Close stops accepting frames. Receive drains what was queued and then
// reports telemetry.ErrBusClosed.
func (c *Channel) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}
