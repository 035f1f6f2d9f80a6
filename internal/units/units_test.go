package units

import (
	"math"
	"testing"
	"time"
)

func TestConvertSpeed(t *testing.T) {
	tests := []struct {
		name     string
		kph      float64
		units    string
		expected float64
	}{
		{"100 km/h to mph", 100, MPH, 62.1371},
		{"36 km/h to mps", 36, MPS, 10},
		{"kph unchanged", 45, KPH, 45},
		{"kmph unchanged", 45, KMPH, 45},
		{"unknown units default to kph", 45, "knots", 45},
		{"0 km/h to mph", 0, MPH, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ConvertSpeed(tt.kph, tt.units)
			if math.Abs(result-tt.expected) > 0.001 {
				t.Errorf("ConvertSpeed(%f, %s) = %f, want %f", tt.kph, tt.units, result, tt.expected)
			}
		})
	}
}

func TestConvertTemp(t *testing.T) {
	if got := ConvertTemp(95, Fahrenheit); got != 203 {
		t.Errorf("ConvertTemp(95, f) = %v, want 203", got)
	}
	if got := ConvertTemp(-40, Fahrenheit); got != -40 {
		t.Errorf("ConvertTemp(-40, f) = %v, want -40", got)
	}
	if got := ConvertTemp(95, Celsius); got != 95 {
		t.Errorf("ConvertTemp(95, c) = %v, want 95", got)
	}
}

func TestParseDisplay(t *testing.T) {
	d, err := ParseDisplay("", "", "")
	if err != nil {
		t.Fatal(err)
	}
	if d.Speed != KPH || d.Temp != Celsius || d.Location != time.UTC {
		t.Errorf("defaults = %+v", d)
	}

	d, err = ParseDisplay(MPH, "F", "America/Chicago")
	if err != nil {
		t.Fatal(err)
	}
	if d.Speed != MPH || d.Temp != Fahrenheit {
		t.Errorf("parsed = %+v", d)
	}
	at := time.Date(2026, 6, 30, 14, 0, 0, 0, time.UTC)
	if got := d.Time(at).Hour(); got != 9 {
		t.Errorf("Chicago hour = %d, want 9", got)
	}

	for _, bad := range [][3]string{{"MPH", "", ""}, {"", "k", ""}, {"", "", "Invalid/Timezone"}} {
		if _, err := ParseDisplay(bad[0], bad[1], bad[2]); err == nil {
			t.Errorf("ParseDisplay(%q) succeeded", bad)
		}
	}
}

func TestZeroDisplayIsUTC(t *testing.T) {
	at := time.Date(2026, 6, 30, 14, 0, 0, 0, time.FixedZone("X", 3600))
	if got := (Display{}).Time(at); got.Location() != time.UTC {
		t.Errorf("zero Display location = %v", got.Location())
	}
}
