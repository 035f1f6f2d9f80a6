// telemetryd reads CAN frames from a simulator, an SLCAN adapter or a capture
// file, assembles them into vehicle readings and serves a live dashboard.
//
// Usage:
//
//	telemetryd [flags]                 run the pipeline and dashboard
//	telemetryd migrate <command>       manage the database schema
//	telemetryd watch [--url URL]       follow a running dashboard
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"tailscale.com/tsweb"

	"github.com/banshee-data/vehicle-telemetry/internal/api"
	"github.com/banshee-data/vehicle-telemetry/internal/assemble"
	"github.com/banshee-data/vehicle-telemetry/internal/buffer"
	"github.com/banshee-data/vehicle-telemetry/internal/bus"
	"github.com/banshee-data/vehicle-telemetry/internal/catalog"
	"github.com/banshee-data/vehicle-telemetry/internal/config"
	"github.com/banshee-data/vehicle-telemetry/internal/db"
	"github.com/banshee-data/vehicle-telemetry/internal/decode"
	"github.com/banshee-data/vehicle-telemetry/internal/httputil"
	"github.com/banshee-data/vehicle-telemetry/internal/ingest"
	"github.com/banshee-data/vehicle-telemetry/internal/monitoring"
	"github.com/banshee-data/vehicle-telemetry/internal/telemetry"
	"github.com/banshee-data/vehicle-telemetry/internal/timeutil"
	"github.com/banshee-data/vehicle-telemetry/internal/version"
)

var logf = monitoring.Component("telemetryd")

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) > 0 {
		switch args[0] {
		case "migrate":
			return runMigrate(args[1:], out)
		case "watch":
			return runWatch(args[1:], out)
		}
	}
	return serve(args, out)
}

type options struct {
	configPath  string
	listen      string
	dbPath      string
	busKind     string
	port        string
	capture     string
	catalogPath string
	showVersion bool
}

func parseFlags(args []string) (*options, *pflag.FlagSet, error) {
	var o options
	fs := pflag.NewFlagSet("telemetryd", pflag.ContinueOnError)
	fs.StringVar(&o.configPath, "config", "", "path to a JSON configuration file")
	fs.StringVar(&o.listen, "listen", "", "dashboard listen address (default :8080)")
	fs.StringVar(&o.dbPath, "db-path", "", "SQLite database for recorded readings (default telemetry.db)")
	fs.StringVar(&o.busKind, "bus", "", "frame source: sim, slcan or replay (default sim)")
	fs.StringVar(&o.port, "port", "", "serial device of the SLCAN adapter")
	fs.StringVar(&o.capture, "capture", "", "pcap capture to replay, or to record into for live buses")
	fs.StringVar(&o.catalogPath, "catalog", "", "JSON or YAML signal catalog (default built-in)")
	fs.BoolVar(&o.showVersion, "version", false, "print version and exit")
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}
	if fs.NArg() > 0 {
		return nil, nil, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}
	return &o, fs, nil
}

// buildConfig loads the configuration file, if any, and applies the flags
// that were set on the command line on top of it.
func buildConfig(o *options, fs *pflag.FlagSet) (*config.Config, error) {
	cfg := config.Empty()
	if o.configPath != "" {
		var err error
		if cfg, err = config.Load(o.configPath); err != nil {
			return nil, err
		}
	}
	if fs.Changed("listen") {
		cfg.Listen = &o.listen
	}
	if fs.Changed("db-path") {
		cfg.DBPath = &o.dbPath
	}
	if fs.Changed("catalog") {
		cfg.CatalogPath = &o.catalogPath
	}
	if fs.Changed("bus") {
		cfg.SetBusKind(o.busKind)
	}
	if fs.Changed("port") {
		cfg.SetPort(o.port)
	}
	if fs.Changed("capture") {
		cfg.SetCapturePath(o.capture)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	path := cfg.GetCatalogPath()
	if path == "" {
		return catalog.Default(), nil
	}
	return catalog.Load(path)
}

// frameBus is a frame source that owns a device or file.
type frameBus interface {
	bus.Source
	io.Closer
}

func openBus(cfg *config.Config, cat *catalog.Catalog) (frameBus, error) {
	switch kind := cfg.GetBusKind(); kind {
	case config.BusSim:
		return bus.NewSimulator(cat, cfg.GetSimInterval()), nil
	case config.BusSLCAN:
		s := cfg.GetSerialSettings()
		adapter, err := bus.OpenSLCAN(cfg.GetPort(), bus.PortOptions{
			BaudRate: s.BaudRate,
			DataBits: s.DataBits,
			StopBits: s.StopBits,
			Parity:   s.Parity,
			Bitrate:  s.Bitrate,
		}, nil)
		if err != nil {
			return nil, err
		}
		return adapter, nil
	case config.BusReplay:
		replay, err := bus.OpenReplay(cfg.GetCapturePath(), cfg.GetRealtime())
		if err != nil {
			return nil, err
		}
		return replay, nil
	default:
		return nil, fmt.Errorf("unknown bus kind %q", kind)
	}
}

// teeCapture records every frame of a live bus into the configured capture
// file. The returned close function flushes and closes the file.
func teeCapture(cfg *config.Config, src bus.Source) (bus.Source, func() error, error) {
	path := cfg.GetCapturePath()
	if path == "" || cfg.GetBusKind() == config.BusReplay {
		return src, func() error { return nil }, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create capture %s: %w", path, err)
	}
	w, err := bus.NewCaptureWriter(f)
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	logf("recording frames to %s", path)
	rec := bus.NewRecorder(src, w, func(err error) {
		logf("capture write failed: %v", err)
	})
	return rec, f.Close, nil
}

func serve(args []string, out io.Writer) error {
	o, fs, err := parseFlags(args)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if o.showVersion {
		fmt.Fprintln(out, version.Full("telemetryd"))
		return nil
	}

	cfg, err := buildConfig(o, fs)
	if err != nil {
		return err
	}
	cat, err := loadCatalog(cfg)
	if err != nil {
		return err
	}

	src, err := openBus(cfg, cat)
	if err != nil {
		return err
	}
	defer src.Close()

	source, closeCapture, err := teeCapture(cfg, src)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeCapture(); err != nil {
			logf("failed to close capture: %v", err)
		}
	}()

	capacity := cfg.GetBufferCapacity()
	thresholds := cfg.GetThresholds()
	stats := monitoring.NewStats()
	buf := buffer.New(capacity)
	loop := ingest.New(source, decode.New(cat), assemble.New(cfg.GetAssemblyWindow(), timeutil.RealClock{}), buf,
		ingest.WithStats(stats))

	mux := http.NewServeMux()
	apiOpts := []api.Option{api.WithCatalog(cat), api.WithStats(stats)}

	var recorder *db.Recorder
	if interval := cfg.GetRecordInterval(); interval > 0 {
		store, err := db.NewDB(cfg.GetDBPath())
		if err != nil {
			return fmt.Errorf("failed to open database: %w", err)
		}
		defer store.Close()

		recorder, err = db.NewRecorder(store, buf, capacity, thresholds, interval,
			db.WithRecorderStats(stats), db.WithBusKind(cfg.GetBusKind()))
		if err != nil {
			return err
		}
		logf("recording run %s to %s every %v", recorder.RunID(), cfg.GetDBPath(), interval)

		if err := store.AttachAdminRoutes(mux); err != nil {
			return err
		}
		apiOpts = append(apiOpts, api.WithHistory(store))
	}

	api.NewServer(buf, capacity, thresholds, apiOpts...).Register(mux)
	debug := tsweb.Debugger(mux)
	debug.KV("Version", version.Info())
	debug.KVFunc("Ingest", func() any { return stats.Snapshot().String() })

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ingestDone := make(chan struct{})
	go func() {
		defer close(ingestDone)
		err := loop.Run(ctx)
		if errors.Is(err, telemetry.ErrBusClosed) {
			logf("bus closed, dashboard stays up: %v", err)
			return
		}
		logf("ingest routine stopped")
	}()

	// The recorder outlives ingest so the tick flushed on shutdown is stored.
	recCtx, recCancel := context.WithCancel(context.Background())
	defer recCancel()
	recDone := make(chan struct{})
	go func() {
		defer close(recDone)
		if recorder == nil {
			return
		}
		if err := recorder.Run(recCtx); err != nil {
			logf("recorder stopped: %v", err)
		}
	}()

	server := &http.Server{
		Addr:              cfg.GetListen(),
		Handler:           api.LoggingMiddleware(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		logf("listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logf("shutting down...")
	case serveErr = <-serverErr:
		stop()
	}

	<-ingestDone
	recCancel()
	<-recDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logf("HTTP server shutdown error: %v", err)
	}

	logf("%s", stats.Snapshot())
	logf("graceful shutdown complete")
	if serveErr != nil {
		return fmt.Errorf("failed to start server: %w", serveErr)
	}
	return nil
}

func runMigrate(args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("telemetryd migrate", pflag.ContinueOnError)
	dbPath := fs.String("db-path", "", "SQLite database to migrate (default telemetry.db)")
	configPath := fs.String("config", "", "read db_path from this configuration file")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			db.PrintMigrateHelp(out)
			return nil
		}
		return err
	}

	cfg := config.Empty()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return err
		}
	}
	if fs.Changed("db-path") {
		cfg.DBPath = dbPath
	}
	return db.RunMigrateCommand(fs.Args(), cfg.GetDBPath(), out)
}

func runWatch(args []string, out io.Writer) error {
	fs := pflag.NewFlagSet("telemetryd watch", pflag.ContinueOnError)
	url := fs.String("url", "http://localhost:8080", "dashboard to follow")
	interval := fs.Duration("interval", time.Second, "poll interval")
	count := fs.Int("count", 0, "stop after this many polls (0 runs until interrupted)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *interval <= 0 {
		return fmt.Errorf("interval must be positive, got %v", *interval)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return watch(ctx, api.NewClient(*url, nil), timeutil.RealClock{}, *interval, *count, out)
}

// watch prints the newest reading and any violations once per interval. A
// reading is printed only when its seq changes.
func watch(ctx context.Context, client *api.Client, clock timeutil.Clock, interval time.Duration, count int, out io.Writer) error {
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	var lastSeq uint64
	for polls := 0; count <= 0 || polls < count; polls++ {
		report, err := client.Anomalies(ctx)
		var statusErr *httputil.StatusError
		switch {
		case errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound:
			fmt.Fprintln(out, "waiting for readings...")
		case err != nil:
			return err
		case report.Reading.Seq != lastSeq:
			lastSeq = report.Reading.Seq
			fmt.Fprintf(out, "#%d %s %s\n", report.Reading.Seq,
				report.Reading.CapturedAt.Format("15:04:05.000"), report.Reading)
			for _, v := range report.Violations {
				fmt.Fprintf(out, "  ALERT %s\n", v)
			}
		}

		if count > 0 && polls+1 >= count {
			break
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		}
	}
	return nil
}
