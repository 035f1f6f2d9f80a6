package api

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/vehicle-telemetry/internal/httputil"
	"github.com/banshee-data/vehicle-telemetry/internal/telemetry"
)

// RenderChart draws one line per field over the readings, with a mark line
// at each configured threshold.
func RenderChart(readings []telemetry.Reading, thresholds map[string]float64) *charts.Line {
	subtitle := "no readings"
	if len(readings) > 0 {
		subtitle = fmt.Sprintf("%d readings, %s to %s", len(readings),
			readings[0].CapturedAt.Format(time.TimeOnly), readings[len(readings)-1].CapturedAt.Format(time.TimeOnly))
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Vehicle Telemetry", Width: "100%", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: "Vehicle Telemetry", Subtitle: subtitle}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Top: "bottom"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "time"}),
	)

	x := make([]string, len(readings))
	for i, r := range readings {
		x[i] = r.CapturedAt.Format("15:04:05.000")
	}
	line.SetXAxis(x)

	for _, field := range telemetry.Fields {
		data := make([]opts.LineData, len(readings))
		for i, r := range readings {
			v, _ := r.Field(field)
			data[i] = opts.LineData{Value: v}
		}
		var seriesOpts []charts.SeriesOpts
		if limit, ok := thresholds[field]; ok {
			seriesOpts = append(seriesOpts, charts.WithMarkLineNameYAxisItemOpts(opts.MarkLineNameYAxisItem{
				Name:  field + " limit",
				YAxis: limit,
			}))
		}
		line.AddSeries(field, data, seriesOpts...)
	}
	return line
}

func (s *Server) showChart(w http.ResponseWriter, r *http.Request) {
	readings, ok := s.snapshot(w, r, s.capacity)
	if !ok {
		return
	}
	var buf bytes.Buffer
	if err := RenderChart(readings, s.thresholds).Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
