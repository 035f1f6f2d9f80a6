// Package decode turns raw bus frames into typed signal fragments using the
// rules of a signal catalog.
package decode

import (
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/vehicle-telemetry/internal/catalog"
	"github.com/banshee-data/vehicle-telemetry/internal/telemetry"
)

// Reason classifies why a frame, or one rule of it, produced no fragment.
type Reason int

const (
	// UnknownFrame means the catalog has no rules for the frame id. The bus
	// carries plenty of unrelated traffic so this is routine.
	UnknownFrame Reason = iota
	// Truncated means the payload was shorter than a rule's byte range.
	Truncated
	// CatalogMiss means the catalog declares the frame id but defines no
	// tracked signal in it.
	CatalogMiss
)

func (r Reason) String() string {
	switch r {
	case UnknownFrame:
		return "unknown frame"
	case Truncated:
		return "truncated payload"
	case CatalogMiss:
		return "no tracked signals"
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// Skip is the recoverable, per-frame decode error.
type Skip struct {
	FrameID uint32
	Field   string
	Reason  Reason
	Need    int
	Got     int
}

func (s *Skip) Error() string {
	if s.Reason == Truncated {
		return fmt.Sprintf("frame %s %s: %s (need %d bytes, got %d)", catalog.FrameID(s.FrameID), s.Field, s.Reason, s.Need, s.Got)
	}
	return fmt.Sprintf("frame %s: %s", catalog.FrameID(s.FrameID), s.Reason)
}

// Skips flattens the skips carried by an error returned from Decode.
func Skips(err error) []*Skip {
	if err == nil {
		return nil
	}
	var out []*Skip
	if s, ok := err.(*Skip); ok {
		return append(out, s)
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		for _, e := range joined.Unwrap() {
			out = append(out, Skips(e)...)
		}
		return out
	}
	var s *Skip
	if errors.As(err, &s) {
		out = append(out, s)
	}
	return out
}

// RuleSource supplies decode rules for a frame id. *catalog.Catalog
// satisfies it.
type RuleSource interface {
	Lookup(id uint32) []catalog.SignalRule
}

// Decoder applies catalog rules to frames. It holds no mutable state and is
// safe for concurrent use.
type Decoder struct {
	rules RuleSource
}

// declarer is implemented by rule sources that know which frame ids they
// declare, with or without signals.
type declarer interface {
	Declares(id uint32) bool
}

// New returns a Decoder backed by rules.
func New(rules RuleSource) *Decoder {
	return &Decoder{rules: rules}
}

// Decode returns one fragment per rule that fits the payload. The error is
// nil when every rule decoded; otherwise it joins one *Skip per rule that
// did not, or is a single UnknownFrame or CatalogMiss skip. Fragments that
// did decode are returned alongside the error.
func (d *Decoder) Decode(f telemetry.Frame) ([]telemetry.Fragment, error) {
	rules := d.rules.Lookup(f.ID)
	if len(rules) == 0 {
		reason := UnknownFrame
		if k, ok := d.rules.(declarer); ok && k.Declares(f.ID) {
			reason = CatalogMiss
		}
		return nil, &Skip{FrameID: f.ID, Reason: reason}
	}

	fragments := make([]telemetry.Fragment, 0, len(rules))
	var skips []error
	for _, rule := range rules {
		v, ok := Extract(rule, f.Payload)
		if !ok {
			skips = append(skips, &Skip{
				FrameID: f.ID,
				Field:   rule.Field,
				Reason:  Truncated,
				Need:    rule.End(),
				Got:     len(f.Payload),
			})
			continue
		}
		fragments = append(fragments, telemetry.Fragment{
			Field:      rule.Field,
			Value:      v,
			CapturedAt: f.Timestamp,
		})
	}
	return fragments, errors.Join(skips...)
}

// Extract decodes a single rule from payload. It reports false when the
// payload is too short.
func Extract(rule catalog.SignalRule, payload []byte) (float64, bool) {
	if len(payload) < rule.End() {
		return 0, false
	}
	b := payload[rule.ByteOffset:rule.End()]

	var raw uint64
	if rule.Endian == catalog.LittleEndian {
		for i := len(b) - 1; i >= 0; i-- {
			raw = raw<<8 | uint64(b[i])
		}
	} else {
		for _, v := range b {
			raw = raw<<8 | uint64(v)
		}
	}

	var value float64
	if rule.Signed {
		shift := 64 - 8*uint(rule.ByteLength)
		value = float64(int64(raw<<shift) >> shift)
	} else {
		value = float64(raw)
	}
	return value*rule.Scale + rule.Offset, true
}

// Encode writes physical into payload according to rule. It is the inverse
// of Extract, rounding to the nearest representable raw value.
func Encode(rule catalog.SignalRule, physical float64, payload []byte) error {
	if len(payload) < rule.End() {
		return fmt.Errorf("payload of %d bytes too short for %s (need %d)", len(payload), rule.Field, rule.End())
	}
	raw := math.Round((physical - rule.Offset) / rule.Scale)

	bits := 8 * rule.ByteLength
	// hi is exclusive: 2^64-1 is not representable as a float64.
	var lo, hi float64
	if rule.Signed {
		lo, hi = -math.Ldexp(1, bits-1), math.Ldexp(1, bits-1)
	} else {
		lo, hi = 0, math.Ldexp(1, bits)
	}
	if raw < lo || raw >= hi {
		return fmt.Errorf("%s value %g out of range for %d-byte signal", rule.Field, physical, rule.ByteLength)
	}

	var u uint64
	if rule.Signed {
		u = uint64(int64(raw))
	} else {
		u = uint64(raw)
	}

	b := payload[rule.ByteOffset:rule.End()]
	for i := range b {
		shift := 8 * uint(i)
		if rule.Endian == catalog.LittleEndian {
			b[i] = byte(u >> shift)
		} else {
			b[len(b)-1-i] = byte(u >> shift)
		}
	}
	return nil
}
