// Package api serves the telemetry dashboard: JSON views of the buffer and
// recorded history, summary statistics, a CSV export and a rendered chart.
package api

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/vehicle-telemetry/internal/anomaly"
	"github.com/banshee-data/vehicle-telemetry/internal/catalog"
	"github.com/banshee-data/vehicle-telemetry/internal/db"
	"github.com/banshee-data/vehicle-telemetry/internal/httputil"
	"github.com/banshee-data/vehicle-telemetry/internal/monitoring"
	"github.com/banshee-data/vehicle-telemetry/internal/telemetry"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// DefaultReadings is how many readings /api/readings returns without ?n=.
const DefaultReadings = 10

// Buffer is the read side of the telemetry buffer.
type Buffer interface {
	Snapshot(n int) []telemetry.Reading
	Latest() (telemetry.Reading, bool)
}

// History is the recorded reading log.
type History interface {
	Runs() ([]db.Run, error)
	RecentReadings(runID string, limit int) ([]db.StoredReading, error)
	RecentViolations(limit int) ([]db.StoredViolation, error)
}

type Server struct {
	buf        Buffer
	capacity   int
	thresholds anomaly.Thresholds

	catalog *catalog.Catalog
	stats   *monitoring.Stats
	history History
	now     func() time.Time
}

// Option configures a Server.
type Option func(*Server)

// WithCatalog serves the signal catalog at /api/catalog.
func WithCatalog(c *catalog.Catalog) Option {
	return func(s *Server) { s.catalog = c }
}

// WithStats includes ingestion counters in /api/stats.
func WithStats(st *monitoring.Stats) Option {
	return func(s *Server) { s.stats = st }
}

// WithHistory serves recorded runs, readings and violations.
func WithHistory(h History) Option {
	return func(s *Server) { s.history = h }
}

// NewServer returns a dashboard over buf. capacity bounds every snapshot the
// server takes.
func NewServer(buf Buffer, capacity int, thresholds anomaly.Thresholds, opts ...Option) *Server {
	s := &Server{
		buf:        buf,
		capacity:   capacity,
		thresholds: thresholds,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// Register adds the dashboard routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/readings", s.getOnly(s.listReadings))
	mux.HandleFunc("/api/latest", s.getOnly(s.showLatest))
	mux.HandleFunc("/api/anomalies", s.getOnly(s.showAnomalies))
	mux.HandleFunc("/api/stats", s.getOnly(s.showStats))
	mux.HandleFunc("/api/export.csv", s.getOnly(s.exportCSV))
	mux.HandleFunc("/api/chart", s.getOnly(s.showChart))
	mux.HandleFunc("/api/catalog", s.getOnly(s.showCatalog))
	mux.HandleFunc("/api/runs", s.getOnly(s.listRuns))
	mux.HandleFunc("/api/history", s.getOnly(s.listHistory))
	mux.HandleFunc("/api/violations", s.getOnly(s.listViolations))
}

// ServeMux returns a new mux carrying only the dashboard routes.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	s.Register(mux)
	return mux
}

func (s *Server) getOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			httputil.MethodNotAllowed(w)
			return
		}
		h(w, r)
	}
}

// snapshot reads ?n= (default def, capped at capacity).
func (s *Server) snapshot(w http.ResponseWriter, r *http.Request, def int) ([]telemetry.Reading, bool) {
	n, ok := httputil.QueryInt(r, "n", def)
	if !ok {
		httputil.BadRequest(w, "invalid 'n' parameter")
		return nil, false
	}
	if n > s.capacity {
		n = s.capacity
	}
	return s.buf.Snapshot(n), true
}

func (s *Server) listReadings(w http.ResponseWriter, r *http.Request) {
	readings, ok := s.snapshot(w, r, DefaultReadings)
	if !ok {
		return
	}
	httputil.WriteJSONOK(w, readings)
}

func (s *Server) showLatest(w http.ResponseWriter, r *http.Request) {
	latest, ok := s.buf.Latest()
	if !ok {
		httputil.NotFound(w, "no readings yet")
		return
	}
	httputil.WriteJSONOK(w, latest)
}

// AnomalyReport is the /api/anomalies response.
type AnomalyReport struct {
	Reading    telemetry.Reading     `json:"reading"`
	Violations []telemetry.Violation `json:"violations"`
}

func (s *Server) showAnomalies(w http.ResponseWriter, r *http.Request) {
	latest, ok := s.buf.Latest()
	if !ok {
		httputil.NotFound(w, "no readings yet")
		return
	}
	violations := anomaly.Evaluate(latest, s.thresholds)
	if violations == nil {
		violations = []telemetry.Violation{}
	}
	httputil.WriteJSONOK(w, AnomalyReport{Reading: latest, Violations: violations})
}

// StatsReport is the /api/stats response.
type StatsReport struct {
	Window int                       `json:"window"`
	Fields map[string]FieldSummary   `json:"fields"`
	Ingest *monitoring.StatsSnapshot `json:"ingest,omitempty"`
}

func (s *Server) showStats(w http.ResponseWriter, r *http.Request) {
	readings, ok := s.snapshot(w, r, s.capacity)
	if !ok {
		return
	}
	report := StatsReport{Window: len(readings), Fields: Summarize(readings)}
	if s.stats != nil {
		snap := s.stats.Snapshot()
		report.Ingest = &snap
	}
	httputil.WriteJSONOK(w, report)
}

func (s *Server) showCatalog(w http.ResponseWriter, r *http.Request) {
	if s.catalog == nil {
		httputil.NotFound(w, "no catalog configured")
		return
	}
	httputil.WriteJSONOK(w, s.catalog.Messages())
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		httputil.NotFound(w, "recording is disabled")
		return
	}
	runs, err := s.history.Runs()
	if err != nil {
		httputil.InternalServerError(w, "failed to retrieve runs: "+err.Error())
		return
	}
	if runs == nil {
		runs = []db.Run{}
	}
	httputil.WriteJSONOK(w, runs)
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		httputil.NotFound(w, "recording is disabled")
		return
	}
	n, ok := httputil.QueryInt(r, "n", 100)
	if !ok {
		httputil.BadRequest(w, "invalid 'n' parameter")
		return
	}
	readings, err := s.history.RecentReadings(r.URL.Query().Get("run"), n)
	if err != nil {
		httputil.InternalServerError(w, "failed to retrieve readings: "+err.Error())
		return
	}
	if readings == nil {
		readings = []db.StoredReading{}
	}
	httputil.WriteJSONOK(w, readings)
}

func (s *Server) listViolations(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		httputil.NotFound(w, "recording is disabled")
		return
	}
	n, ok := httputil.QueryInt(r, "n", 100)
	if !ok {
		httputil.BadRequest(w, "invalid 'n' parameter")
		return
	}
	violations, err := s.history.RecentViolations(n)
	if err != nil {
		httputil.InternalServerError(w, "failed to retrieve violations: "+err.Error())
		return
	}
	if violations == nil {
		violations = []db.StoredViolation{}
	}
	httputil.WriteJSONOK(w, violations)
}
