// Package anomaly flags reading fields that exceed configured upper bounds.
//
// Evaluation is stateless: each reading is judged on its own with no
// hysteresis or sustained-duration logic.
package anomaly

import (
	"sort"

	"github.com/banshee-data/vehicle-telemetry/internal/telemetry"
)

// Thresholds maps a field name to its upper bound.
type Thresholds map[string]float64

// DefaultThresholds returns the stock coolant temperature limit.
func DefaultThresholds() Thresholds {
	return Thresholds{telemetry.FieldCoolantTemp: 95}
}

// Evaluate returns one violation for every thresholded field whose value is
// strictly greater than its bound, ordered by field name. Fields the reading
// does not carry are ignored.
func Evaluate(r telemetry.Reading, thresholds Thresholds) []telemetry.Violation {
	var out []telemetry.Violation
	for field, limit := range thresholds {
		v, ok := r.Field(field)
		if !ok {
			continue
		}
		if v > limit {
			out = append(out, telemetry.Violation{Field: field, Observed: v, Threshold: limit})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

// LatestSource is the read side of the telemetry buffer.
type LatestSource interface {
	Latest() (telemetry.Reading, bool)
}

// EvaluateLatest evaluates the newest reading held by src. It returns no
// violations and false when src is empty.
func EvaluateLatest(src LatestSource, thresholds Thresholds) ([]telemetry.Violation, bool) {
	r, ok := src.Latest()
	if !ok {
		return nil, false
	}
	return Evaluate(r, thresholds), true
}
