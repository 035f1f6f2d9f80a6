// Package units converts readings to display units. Readings carry speed in
// km/h and temperatures in degrees Celsius.
package units

import (
	"fmt"
	"strings"
	"time"
)

// Speed units
const (
	KPH  = "kph"
	KMPH = "kmph"
	MPH  = "mph"
	MPS  = "mps"
)

// Temperature units
const (
	Celsius    = "c"
	Fahrenheit = "f"
)

// ValidSpeedUnits contains all valid speed unit values
var ValidSpeedUnits = []string{KPH, KMPH, MPH, MPS}

// ValidTempUnits contains all valid temperature unit values
var ValidTempUnits = []string{Celsius, Fahrenheit}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// IsValidSpeed reports whether unit names a speed unit.
func IsValidSpeed(unit string) bool { return contains(ValidSpeedUnits, unit) }

// IsValidTemp reports whether unit names a temperature unit.
func IsValidTemp(unit string) bool { return contains(ValidTempUnits, unit) }

// ConvertSpeed converts a speed in km/h to the target units. Unknown units
// leave the value in km/h.
func ConvertSpeed(kph float64, target string) float64 {
	switch target {
	case MPH:
		return kph / 1.609344
	case MPS:
		return kph / 3.6
	default:
		return kph
	}
}

// ConvertTemp converts a temperature in degrees Celsius to the target units.
func ConvertTemp(celsius float64, target string) float64 {
	if target == Fahrenheit {
		return celsius*9/5 + 32
	}
	return celsius
}

// Display selects the units and timezone readings are presented in. The zero
// value is km/h, Celsius and UTC.
type Display struct {
	Speed    string
	Temp     string
	Location *time.Location
}

// ParseDisplay validates unit and timezone names. Empty values select the
// defaults.
func ParseDisplay(speed, temp, tz string) (Display, error) {
	d := Display{Speed: KPH, Temp: Celsius, Location: time.UTC}
	if speed != "" {
		if !IsValidSpeed(speed) {
			return d, fmt.Errorf("invalid speed unit %q, want one of %s", speed, strings.Join(ValidSpeedUnits, ", "))
		}
		d.Speed = speed
	}
	if temp != "" {
		temp = strings.ToLower(temp)
		if !IsValidTemp(temp) {
			return d, fmt.Errorf("invalid temperature unit %q, want one of %s", temp, strings.Join(ValidTempUnits, ", "))
		}
		d.Temp = temp
	}
	if tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return d, fmt.Errorf("failed to load timezone %s: %w", tz, err)
		}
		d.Location = loc
	}
	return d, nil
}

// Time returns t in the display timezone.
func (d Display) Time(t time.Time) time.Time {
	if d.Location == nil {
		return t.UTC()
	}
	return t.In(d.Location)
}
