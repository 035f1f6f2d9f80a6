package bus

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/banshee-data/vehicle-telemetry/internal/catalog"
	"github.com/banshee-data/vehicle-telemetry/internal/decode"
	"github.com/banshee-data/vehicle-telemetry/internal/monitoring"
	"github.com/banshee-data/vehicle-telemetry/internal/telemetry"
	"github.com/banshee-data/vehicle-telemetry/internal/timeutil"
)

// DefaultSimInterval is the simulated sampling period.
const DefaultSimInterval = 100 * time.Millisecond

// Range is the closed interval a simulated signal is drawn from.
type Range struct {
	Min, Max float64
}

// DefaultRanges are the value ranges of the simulated vehicle. Coolant
// occasionally crosses the stock 95 degC threshold.
func DefaultRanges() map[string]Range {
	return map[string]Range{
		telemetry.FieldSpeed:       {0, 120},
		telemetry.FieldRPM:         {800, 6000},
		telemetry.FieldThrottle:    {0, 100},
		telemetry.FieldCoolantTemp: {70, 100},
	}
}

// Simulator emits one frame per catalog message every interval, encoding
// random values through the catalog rules.
type Simulator struct {
	catalog  *catalog.Catalog
	interval time.Duration
	clock    timeutil.Clock
	ranges   map[string]Range
	logf     func(format string, v ...interface{})

	mu     sync.Mutex
	rng    *rand.Rand
	ticker timeutil.Ticker
	queue  []telemetry.Frame

	done chan struct{}
	once sync.Once
}

// SimOption configures a Simulator.
type SimOption func(*Simulator)

// WithSeed makes the generated values reproducible.
func WithSeed(seed uint64) SimOption {
	return func(s *Simulator) { s.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }
}

// WithSimClock sets the clock used for pacing and frame timestamps.
func WithSimClock(c timeutil.Clock) SimOption {
	return func(s *Simulator) { s.clock = c }
}

// WithRanges overrides the value range of the given fields.
func WithRanges(r map[string]Range) SimOption {
	return func(s *Simulator) {
		for k, v := range r {
			s.ranges[k] = v
		}
	}
}

// NewSimulator returns a simulated bus for the messages in cat.
func NewSimulator(cat *catalog.Catalog, interval time.Duration, opts ...SimOption) *Simulator {
	if interval <= 0 {
		interval = DefaultSimInterval
	}
	s := &Simulator{
		catalog:  cat,
		interval: interval,
		clock:    timeutil.RealClock{},
		ranges:   DefaultRanges(),
		logf:     monitoring.Component("simulator"),
		rng:      rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Receive returns the next simulated frame, waiting for the next tick when
// the current one has been fully delivered.
func (s *Simulator) Receive(ctx context.Context) (telemetry.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.queue) == 0 {
		if s.ticker == nil {
			s.ticker = s.clock.NewTicker(s.interval)
			s.queue = s.generate(s.clock.Now())
			continue
		}
		select {
		case now := <-s.ticker.C():
			s.queue = s.generate(now)
		case <-s.done:
			s.ticker.Stop()
			return telemetry.Frame{}, telemetry.ErrBusClosed
		case <-ctx.Done():
			return telemetry.Frame{}, ctx.Err()
		}
	}

	select {
	case <-s.done:
		return telemetry.Frame{}, telemetry.ErrBusClosed
	default:
	}
	f := s.queue[0]
	s.queue = s.queue[1:]
	return f, nil
}

// Close stops the simulator.
func (s *Simulator) Close() error {
	s.once.Do(func() {
		close(s.done)
	})
	return nil
}

func (s *Simulator) generate(now time.Time) []telemetry.Frame {
	values := make(map[string]float64, len(s.ranges))
	for field, r := range s.ranges {
		values[field] = r.Min + s.rng.Float64()*(r.Max-r.Min)
	}

	var frames []telemetry.Frame
	for _, m := range s.catalog.Messages() {
		payload := make([]byte, m.Length)
		for _, rule := range s.catalog.Lookup(uint32(m.ID)) {
			if err := decode.Encode(rule, values[rule.Field], payload); err != nil {
				s.logf("cannot encode %s: %v", rule.Field, err)
			}
		}
		frames = append(frames, telemetry.Frame{ID: uint32(m.ID), Payload: payload, Timestamp: now})
	}
	return frames
}
