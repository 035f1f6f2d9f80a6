package api

import (
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/vehicle-telemetry/internal/telemetry"
)

// FieldSummary describes the distribution of one field over a snapshot.
type FieldSummary struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	P50    float64 `json:"p50"`
	P95    float64 `json:"p95"`
}

// Summarize computes a FieldSummary for every tracked field. Fields of an
// empty snapshot summarise to zero values.
func Summarize(readings []telemetry.Reading) map[string]FieldSummary {
	out := make(map[string]FieldSummary, len(telemetry.Fields))
	for _, field := range telemetry.Fields {
		values := make([]float64, 0, len(readings))
		for _, r := range readings {
			v, _ := r.Field(field)
			values = append(values, v)
		}
		out[field] = summarize(values)
	}
	return out
}

func summarize(values []float64) FieldSummary {
	if len(values) == 0 {
		return FieldSummary{}
	}
	sort.Float64s(values)
	s := FieldSummary{
		Count: len(values),
		Min:   floats.Min(values),
		Max:   floats.Max(values),
		Mean:  stat.Mean(values, nil),
		P50:   stat.Quantile(0.5, stat.Empirical, values, nil),
		P95:   stat.Quantile(0.95, stat.Empirical, values, nil),
	}
	// The sample deviation of a single value is undefined.
	if len(values) > 1 {
		s.StdDev = stat.StdDev(values, nil)
	}
	return s
}
