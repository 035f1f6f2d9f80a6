// Package ingest drives frames from a bus through decoding and assembly into
// the telemetry buffer.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/banshee-data/vehicle-telemetry/internal/assemble"
	"github.com/banshee-data/vehicle-telemetry/internal/decode"
	"github.com/banshee-data/vehicle-telemetry/internal/monitoring"
	"github.com/banshee-data/vehicle-telemetry/internal/telemetry"
	"github.com/banshee-data/vehicle-telemetry/internal/timeutil"
)

// DefaultExpiryInterval is how often the loop checks for a tick whose
// assembly window elapsed without further frames.
const DefaultExpiryInterval = 50 * time.Millisecond

// Bus supplies frames. Receive blocks until a frame is available, the context
// is done, or the bus closes; a closed bus returns an error wrapping
// telemetry.ErrBusClosed or io.EOF.
type Bus interface {
	Receive(ctx context.Context) (telemetry.Frame, error)
}

// Sink receives assembled readings. *buffer.Buffer satisfies it.
type Sink interface {
	Push(telemetry.Reading)
}

// Loop is the single producer of the telemetry buffer.
type Loop struct {
	bus       Bus
	decoder   *decode.Decoder
	assembler *assemble.Assembler
	sink      Sink

	clock  timeutil.Clock
	expiry time.Duration
	stats  *monitoring.Stats
	logf   func(format string, v ...interface{})
}

// Option configures a Loop.
type Option func(*Loop)

// WithClock sets the clock driving the expiry ticker.
func WithClock(c timeutil.Clock) Option {
	return func(l *Loop) { l.clock = c }
}

// WithExpiryInterval sets how often pending ticks are checked for expiry.
func WithExpiryInterval(d time.Duration) Option {
	return func(l *Loop) {
		if d > 0 {
			l.expiry = d
		}
	}
}

// WithStats records ingestion counters into s.
func WithStats(s *monitoring.Stats) Option {
	return func(l *Loop) { l.stats = s }
}

// New wires a loop. The loop exclusively owns the decoder and assembler.
func New(bus Bus, dec *decode.Decoder, asm *assemble.Assembler, sink Sink, opts ...Option) *Loop {
	l := &Loop{
		bus:       bus,
		decoder:   dec,
		assembler: asm,
		sink:      sink,
		clock:     timeutil.RealClock{},
		expiry:    DefaultExpiryInterval,
		logf:      monitoring.Component("ingest"),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.stats == nil {
		l.stats = monitoring.NewStats()
	}
	return l
}

// Stats returns the loop's counters.
func (l *Loop) Stats() *monitoring.Stats { return l.stats }

// Run receives and processes frames until ctx is done or the bus closes. It
// returns nil when stopped through ctx, and an error wrapping
// telemetry.ErrBusClosed when the bus ends. Either way the pending tick is
// flushed to the sink first; no per-frame failure ends the loop.
func (l *Loop) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan telemetry.Frame)
	recvErr := make(chan error, 1)

	// Receive blocks, so it runs on its own goroutine and the loop below can
	// keep expiring ticks and watching for cancellation.
	go func() {
		for {
			f, err := l.bus.Receive(ctx)
			if err != nil {
				recvErr <- err
				return
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := l.clock.NewTicker(l.expiry)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.emit(l.assembler.Flush())
			return nil

		case err := <-recvErr:
			l.emit(l.assembler.Flush())
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, telemetry.ErrBusClosed) || errors.Is(err, io.EOF) {
				l.logf("bus closed: %v", err)
				return fmt.Errorf("ingest: %w", telemetry.ErrBusClosed)
			}
			l.logf("bus receive failed: %v", err)
			return fmt.Errorf("ingest: %w: %w", telemetry.ErrBusClosed, err)

		case f := <-frames:
			l.handle(f)

		case <-ticker.C():
			l.emit(l.assembler.Expire())
		}
	}
}

func (l *Loop) handle(f telemetry.Frame) {
	defer func() {
		if r := recover(); r != nil {
			l.logf("dropped frame %s: %v", f, r)
		}
	}()

	l.stats.Frame()
	fragments, err := l.decoder.Decode(f)
	for _, skip := range decode.Skips(err) {
		switch skip.Reason {
		case decode.UnknownFrame, decode.CatalogMiss:
			l.stats.Unknown()
		case decode.Truncated:
			l.stats.Truncated()
			l.logf("skipped %v", skip)
		}
	}

	for _, frag := range fragments {
		l.emit(l.assembler.Feed(frag))
	}
}

func (l *Loop) emit(r telemetry.Reading, ok bool, err error) {
	if !ok {
		return
	}
	var timeout *assemble.Timeout
	if errors.As(err, &timeout) {
		l.stats.Incomplete()
		l.logf("%v", timeout)
	}
	l.sink.Push(r)
	l.stats.Reading(r.CapturedAt)
}
