package api

import (
	"encoding/csv"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/vehicle-telemetry/internal/httputil"
	"github.com/banshee-data/vehicle-telemetry/internal/monitoring"
	"github.com/banshee-data/vehicle-telemetry/internal/telemetry"
	"github.com/banshee-data/vehicle-telemetry/internal/units"
)

var csvHeader = append([]string{"timestamp", "seq"}, telemetry.Fields...)

// WriteCSV writes readings as CSV with a header row, oldest first, converting
// speed, coolant temperature and timestamps to the display units.
func WriteCSV(w *csv.Writer, readings []telemetry.Reading, d units.Display) error {
	if err := w.Write(csvHeader); err != nil {
		return err
	}
	row := make([]string, len(csvHeader))
	for _, r := range readings {
		row[0] = d.Time(r.CapturedAt).Format(time.RFC3339Nano)
		row[1] = strconv.FormatUint(r.Seq, 10)
		for i, field := range telemetry.Fields {
			v, _ := r.Field(field)
			switch field {
			case telemetry.FieldSpeed:
				v = units.ConvertSpeed(v, d.Speed)
			case telemetry.FieldCoolantTemp:
				v = units.ConvertTemp(v, d.Temp)
			}
			row[i+2] = strconv.FormatFloat(v, 'f', -1, 64)
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func (s *Server) exportCSV(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	display, err := units.ParseDisplay(q.Get("speed"), q.Get("temp"), q.Get("tz"))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	readings, ok := s.snapshot(w, r, s.capacity)
	if !ok {
		return
	}

	filename := fmt.Sprintf("telemetry-%s.csv", s.now().UTC().Format("20060102-150405"))
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	if err := WriteCSV(csv.NewWriter(w), readings, display); err != nil {
		monitoring.Logf("failed to write csv export: %v", err)
	}
}
