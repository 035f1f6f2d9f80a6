package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/vehicle-telemetry/internal/anomaly"
	"github.com/banshee-data/vehicle-telemetry/internal/buffer"
	"github.com/banshee-data/vehicle-telemetry/internal/catalog"
	"github.com/banshee-data/vehicle-telemetry/internal/db"
	"github.com/banshee-data/vehicle-telemetry/internal/monitoring"
	"github.com/banshee-data/vehicle-telemetry/internal/telemetry"
	"github.com/banshee-data/vehicle-telemetry/internal/testutil"
)

var t0 = time.Date(2026, 6, 30, 9, 15, 0, 0, time.UTC)

func reading(seq uint64, coolant float64) telemetry.Reading {
	return telemetry.Reading{
		Seq:         seq,
		CapturedAt:  t0.Add(time.Duration(seq) * 100 * time.Millisecond),
		Speed:       45,
		RPM:         3000,
		Throttle:    20,
		CoolantTemp: coolant,
	}
}

func filledBuffer(capacity, n int) *buffer.Buffer {
	b := buffer.New(capacity)
	for i := 1; i <= n; i++ {
		b.Push(reading(uint64(i), 90))
	}
	return b
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v), "body: %s", w.Body.String())
	return v
}

func TestReadings(t *testing.T) {
	mux := NewServer(filledBuffer(20, 15), 20, anomaly.DefaultThresholds()).ServeMux()

	w := get(t, mux, "/api/readings")
	testutil.AssertStatusCode(t, w.Code, http.StatusOK)
	readings := decode[[]telemetry.Reading](t, w)
	require.Len(t, readings, DefaultReadings)
	assert.Equal(t, uint64(6), readings[0].Seq)
	assert.Equal(t, uint64(15), readings[9].Seq)

	readings = decode[[]telemetry.Reading](t, get(t, mux, "/api/readings?n=3"))
	require.Len(t, readings, 3)
	assert.Equal(t, uint64(13), readings[0].Seq)

	readings = decode[[]telemetry.Reading](t, get(t, mux, "/api/readings?n=500"))
	assert.Len(t, readings, 15)

	w = get(t, mux, "/api/readings?n=0")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())

	assert.Equal(t, http.StatusBadRequest, get(t, mux, "/api/readings?n=abc").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, mux, "/api/readings?n=-2").Code)
}

func TestReadingJSONShape(t *testing.T) {
	mux := NewServer(filledBuffer(5, 1), 5, nil).ServeMux()
	w := get(t, mux, "/api/latest")
	require.Equal(t, http.StatusOK, w.Code)

	var raw map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw))
	for _, key := range []string{"seq", "timestamp", "speed", "rpm", "throttle", "coolant_temp"} {
		assert.Contains(t, raw, key)
	}
}

func TestLatestAndAnomalies(t *testing.T) {
	buf := buffer.New(5)
	mux := NewServer(buf, 5, anomaly.DefaultThresholds()).ServeMux()

	assert.Equal(t, http.StatusNotFound, get(t, mux, "/api/latest").Code)
	assert.Equal(t, http.StatusNotFound, get(t, mux, "/api/anomalies").Code)

	buf.Push(reading(1, 94.9))
	report := decode[AnomalyReport](t, get(t, mux, "/api/anomalies"))
	assert.NotNil(t, report.Violations)
	assert.Empty(t, report.Violations)

	buf.Push(reading(2, 96.2))
	latest := decode[telemetry.Reading](t, get(t, mux, "/api/latest"))
	assert.Equal(t, uint64(2), latest.Seq)

	report = decode[AnomalyReport](t, get(t, mux, "/api/anomalies"))
	require.Len(t, report.Violations, 1)
	assert.Equal(t, telemetry.Violation{Field: telemetry.FieldCoolantTemp, Observed: 96.2, Threshold: 95}, report.Violations[0])
	assert.Equal(t, uint64(2), report.Reading.Seq)
}

func TestStats(t *testing.T) {
	stats := monitoring.NewStats()
	stats.Frame()
	mux := NewServer(filledBuffer(10, 4), 10, nil, WithStats(stats)).ServeMux()

	report := decode[StatsReport](t, get(t, mux, "/api/stats"))
	assert.Equal(t, 4, report.Window)
	require.Contains(t, report.Fields, telemetry.FieldSpeed)
	assert.Equal(t, 45.0, report.Fields[telemetry.FieldSpeed].Mean)
	assert.Equal(t, 4, report.Fields[telemetry.FieldRPM].Count)
	require.NotNil(t, report.Ingest)
	assert.Equal(t, uint64(1), report.Ingest.Frames)

	empty := NewServer(buffer.New(3), 3, nil).ServeMux()
	report = decode[StatsReport](t, get(t, empty, "/api/stats"))
	assert.Zero(t, report.Window)
	assert.Nil(t, report.Ingest)
}

func TestExportCSV(t *testing.T) {
	buf := buffer.New(5)
	buf.Push(telemetry.Reading{Seq: 1, CapturedAt: t0, Speed: 45, RPM: 3000, Throttle: 20, CoolantTemp: 97})
	buf.Push(telemetry.Reading{Seq: 2, CapturedAt: t0.Add(100 * time.Millisecond), Speed: 45.5, RPM: 3010, Throttle: 21, CoolantTemp: 97.25})

	s := NewServer(buf, 5, nil)
	s.now = func() time.Time { return t0 }
	w := get(t, s.ServeMux(), "/api/export.csv")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.Equal(t, "attachment; filename=telemetry-20260630-091500.csv", w.Header().Get("Content-Disposition"))

	want := "timestamp,seq,speed,rpm,throttle,coolant_temp\n" +
		"2026-06-30T09:15:00Z,1,45,3000,20,97\n" +
		"2026-06-30T09:15:00.1Z,2,45.5,3010,21,97.25\n"
	assert.Equal(t, want, w.Body.String())

	w = get(t, s.ServeMux(), "/api/export.csv?n=1")
	assert.Equal(t, 2, strings.Count(w.Body.String(), "\n"))

	w = get(t, s.ServeMux(), "/api/export.csv?n=1&speed=mph&temp=f&tz=America/Chicago")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "timestamp,seq,speed,rpm,throttle,coolant_temp\n"+
		"2026-06-30T04:15:00.1-05:00,2,28.272389246798692,3010,21,207.05\n", w.Body.String())

	assert.Equal(t, http.StatusBadRequest, get(t, s.ServeMux(), "/api/export.csv?speed=knots").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, s.ServeMux(), "/api/export.csv?tz=Mars/Base").Code)
}

func TestChart(t *testing.T) {
	mux := NewServer(filledBuffer(10, 5), 10, anomaly.DefaultThresholds()).ServeMux()
	w := get(t, mux, "/api/chart")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/html; charset=utf-8", w.Header().Get("Content-Type"))
	body := w.Body.String()
	assert.Contains(t, body, "Vehicle Telemetry")
	for _, field := range telemetry.Fields {
		assert.Contains(t, body, field)
	}

	empty := NewServer(buffer.New(3), 3, nil).ServeMux()
	assert.Equal(t, http.StatusOK, get(t, empty, "/api/chart").Code)
}

func TestMethodNotAllowed(t *testing.T) {
	mux := NewServer(buffer.New(3), 3, nil).ServeMux()
	for _, path := range []string{"/api/readings", "/api/latest", "/api/export.csv"} {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, nil))
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code, path)
	}
}

func TestCatalog(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, get(t, NewServer(buffer.New(1), 1, nil).ServeMux(), "/api/catalog").Code)

	mux := NewServer(buffer.New(1), 1, nil, WithCatalog(catalog.Default())).ServeMux()
	messages := decode[[]catalog.Message](t, get(t, mux, "/api/catalog"))
	require.Len(t, messages, 4)
	assert.Equal(t, "VehicleSpeed", messages[0].Name)
}

func TestHistory(t *testing.T) {
	noHistory := NewServer(buffer.New(1), 1, nil).ServeMux()
	for _, path := range []string{"/api/runs", "/api/history", "/api/violations"} {
		assert.Equal(t, http.StatusNotFound, get(t, noHistory, path).Code, path)
	}

	store, err := db.NewDB(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.StartRun("run-1", t0, "sim"))
	_, err = store.RecordReadings("run-1", []telemetry.Reading{reading(1, 90), reading(2, 99)}, anomaly.DefaultThresholds())
	require.NoError(t, err)

	mux := NewServer(buffer.New(1), 1, nil, WithHistory(store)).ServeMux()

	runs := decode[[]db.Run](t, get(t, mux, "/api/runs"))
	require.Len(t, runs, 1)
	assert.Equal(t, "run-1", runs[0].RunID)

	history := decode[[]db.StoredReading](t, get(t, mux, "/api/history?run=run-1&n=1"))
	require.Len(t, history, 1)
	assert.Equal(t, uint64(2), history[0].Seq)

	violations := decode[[]db.StoredViolation](t, get(t, mux, "/api/violations"))
	require.Len(t, violations, 1)
	assert.Equal(t, 99.0, violations[0].Observed)

	assert.Equal(t, http.StatusBadRequest, get(t, mux, "/api/history?n=x").Code)
	assert.JSONEq(t, "[]", get(t, mux, "/api/history?run=unknown").Body.String())
}

func TestLoggingMiddleware(t *testing.T) {
	h := LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	w := get(t, h, "/api/latest")
	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Contains(t, statusCodeColor(http.StatusOK), "200")
	assert.Contains(t, statusCodeColor(http.StatusFound), "302")
	assert.Equal(t, "100", statusCodeColor(100))
}
