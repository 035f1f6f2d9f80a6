// Package telemetry holds the value types shared by the ingestion pipeline:
// raw bus frames, decoded fragments, assembled readings and threshold
// violations.
package telemetry

import (
	"errors"
	"fmt"
	"time"
)

// ErrBusClosed is returned (possibly wrapped) by a bus once no further frames
// can be received.
var ErrBusClosed = errors.New("bus closed")

// Field names of the tracked signals.
const (
	FieldSpeed       = "speed"
	FieldRPM         = "rpm"
	FieldThrottle    = "throttle"
	FieldCoolantTemp = "coolant_temp"
)

// Fields lists the tracked signals in column order.
var Fields = []string{FieldSpeed, FieldRPM, FieldThrottle, FieldCoolantTemp}

// IsField reports whether name is one of the tracked signals.
func IsField(name string) bool {
	for _, f := range Fields {
		if f == name {
			return true
		}
	}
	return false
}

// Frame is one message received from the bus.
type Frame struct {
	ID        uint32
	Payload   []byte
	Timestamp time.Time
}

func (f Frame) String() string {
	return fmt.Sprintf("0x%03X [%d] % X", f.ID, len(f.Payload), f.Payload)
}

// Fragment is a single decoded signal value.
type Fragment struct {
	Field      string
	Value      float64
	CapturedAt time.Time
}

// Reading is one assembled row of all tracked signals for a sampling tick.
type Reading struct {
	Seq         uint64    `json:"seq"`
	CapturedAt  time.Time `json:"timestamp"`
	Speed       float64   `json:"speed"`
	RPM         float64   `json:"rpm"`
	Throttle    float64   `json:"throttle"`
	CoolantTemp float64   `json:"coolant_temp"`
}

// Field returns the value of the named signal.
func (r Reading) Field(name string) (float64, bool) {
	switch name {
	case FieldSpeed:
		return r.Speed, true
	case FieldRPM:
		return r.RPM, true
	case FieldThrottle:
		return r.Throttle, true
	case FieldCoolantTemp:
		return r.CoolantTemp, true
	}
	return 0, false
}

// WithField returns a copy of r with the named signal set to v. Unknown names
// leave the copy unchanged.
func (r Reading) WithField(name string, v float64) Reading {
	switch name {
	case FieldSpeed:
		r.Speed = v
	case FieldRPM:
		r.RPM = v
	case FieldThrottle:
		r.Throttle = v
	case FieldCoolantTemp:
		r.CoolantTemp = v
	}
	return r
}

func (r Reading) String() string {
	return fmt.Sprintf("Speed: %.1f, RPM: %.0f, Throttle: %.1f, Coolant: %.1f°C",
		r.Speed, r.RPM, r.Throttle, r.CoolantTemp)
}

// Violation records a reading field that exceeded its configured upper bound.
type Violation struct {
	Field     string  `json:"field"`
	Observed  float64 `json:"observed"`
	Threshold float64 `json:"threshold"`
}

func (v Violation) String() string {
	return fmt.Sprintf("%s=%.2f exceeds %.2f", v.Field, v.Observed, v.Threshold)
}
