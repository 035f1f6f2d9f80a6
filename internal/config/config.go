package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banshee-data/vehicle-telemetry/internal/telemetry"
)

// Bus kinds understood by telemetryd.
const (
	BusSim    = "sim"
	BusSLCAN  = "slcan"
	BusReplay = "replay"
)

// Config is the telemetryd configuration file. Every field is optional; the
// Get* methods supply defaults for anything omitted, so partial files are
// safe.
type Config struct {
	AssemblyWindow *string            `json:"assembly_window,omitempty"` // duration string like "200ms"
	BufferCapacity *int               `json:"buffer_capacity,omitempty"`
	Thresholds     map[string]float64 `json:"thresholds,omitempty"`
	CatalogPath    *string            `json:"catalog_path,omitempty"`
	Bus            *BusConfig         `json:"bus,omitempty"`
	RecordInterval *string            `json:"record_interval,omitempty"` // "0s" disables the recorder
	DBPath         *string            `json:"db_path,omitempty"`
	Listen         *string            `json:"listen,omitempty"`
}

// BusConfig selects and configures the frame source.
type BusConfig struct {
	Kind *string `json:"kind,omitempty"`

	// SLCAN adapter
	Port     *string `json:"port,omitempty"`
	BaudRate *int    `json:"baud_rate,omitempty"`
	DataBits *int    `json:"data_bits,omitempty"`
	StopBits *int    `json:"stop_bits,omitempty"`
	Parity   *string `json:"parity,omitempty"`
	Bitrate  *int    `json:"bitrate,omitempty"`

	// Replay input, or the file live traffic is teed into for other kinds.
	CapturePath *string `json:"capture_path,omitempty"`
	Realtime    *bool   `json:"realtime,omitempty"`

	SimInterval *string `json:"sim_interval,omitempty"`
}

func ptrString(v string) *string { return &v }

// Empty returns a Config with every field unset.
func Empty() *Config {
	return &Config{}
}

// Load reads a Config from a JSON file. The file must have a .json extension
// and be no larger than 1MB.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func validDuration(name string, v *string, allowZero bool) error {
	if v == nil || *v == "" {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
	}
	if d < 0 || (d == 0 && !allowZero) {
		return fmt.Errorf("%s must be positive, got %s", name, *v)
	}
	return nil
}

// Validate checks that the configured values are usable.
func (c *Config) Validate() error {
	if err := validDuration("assembly_window", c.AssemblyWindow, false); err != nil {
		return err
	}
	if err := validDuration("record_interval", c.RecordInterval, true); err != nil {
		return err
	}

	if c.BufferCapacity != nil && *c.BufferCapacity <= 0 {
		return fmt.Errorf("buffer_capacity must be positive, got %d", *c.BufferCapacity)
	}

	for field := range c.Thresholds {
		if !telemetry.IsField(field) {
			return fmt.Errorf("threshold for unknown field %q", field)
		}
	}

	if c.Bus == nil {
		return nil
	}
	b := c.Bus
	if err := validDuration("bus.sim_interval", b.SimInterval, false); err != nil {
		return err
	}
	switch kind := c.GetBusKind(); kind {
	case BusSim:
	case BusSLCAN:
		if b.Port == nil || *b.Port == "" {
			return fmt.Errorf("bus.port is required for the %s bus", kind)
		}
	case BusReplay:
		if b.CapturePath == nil || *b.CapturePath == "" {
			return fmt.Errorf("bus.capture_path is required for the %s bus", kind)
		}
	default:
		return fmt.Errorf("unknown bus kind %q: expected %s, %s or %s", kind, BusSim, BusSLCAN, BusReplay)
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetAssemblyWindow returns how long a tick waits for its remaining signals.
func (c *Config) GetAssemblyWindow() time.Duration {
	return durationOr(c.AssemblyWindow, 200*time.Millisecond)
}

// GetBufferCapacity returns the number of readings retained in memory.
func (c *Config) GetBufferCapacity() int {
	if c.BufferCapacity == nil {
		return 1000
	}
	return *c.BufferCapacity
}

// GetThresholds returns the per-field upper bounds. The default flags coolant
// temperature above 95.
func (c *Config) GetThresholds() map[string]float64 {
	if c.Thresholds == nil {
		return map[string]float64{telemetry.FieldCoolantTemp: 95}
	}
	out := make(map[string]float64, len(c.Thresholds))
	for k, v := range c.Thresholds {
		out[k] = v
	}
	return out
}

// GetCatalogPath returns the catalog file, or "" for the built-in catalog.
func (c *Config) GetCatalogPath() string {
	if c.CatalogPath == nil {
		return ""
	}
	return *c.CatalogPath
}

// GetRecordInterval returns how often the recorder persists new readings.
// Zero disables recording.
func (c *Config) GetRecordInterval() time.Duration {
	return durationOr(c.RecordInterval, time.Second)
}

// GetDBPath returns the SQLite database path.
func (c *Config) GetDBPath() string {
	if c.DBPath == nil {
		return "telemetry.db"
	}
	return *c.DBPath
}

// GetListen returns the HTTP listen address.
func (c *Config) GetListen() string {
	if c.Listen == nil {
		return ":8080"
	}
	return *c.Listen
}

func (c *Config) bus() *BusConfig {
	if c.Bus == nil {
		return &BusConfig{}
	}
	return c.Bus
}

// GetBusKind returns the frame source kind.
func (c *Config) GetBusKind() string {
	if b := c.bus(); b.Kind != nil && *b.Kind != "" {
		return *b.Kind
	}
	return BusSim
}

// GetSimInterval returns the simulated sampling period.
func (c *Config) GetSimInterval() time.Duration {
	return durationOr(c.bus().SimInterval, 100*time.Millisecond)
}

// GetCapturePath returns the capture file, or "".
func (c *Config) GetCapturePath() string {
	if b := c.bus(); b.CapturePath != nil {
		return *b.CapturePath
	}
	return ""
}

// GetRealtime reports whether a replay honours the recorded frame spacing.
func (c *Config) GetRealtime() bool {
	if b := c.bus(); b.Realtime != nil {
		return *b.Realtime
	}
	return true
}

// GetPort returns the serial device of an SLCAN adapter.
func (c *Config) GetPort() string {
	if b := c.bus(); b.Port != nil {
		return *b.Port
	}
	return ""
}

// SerialSettings holds the raw serial values; zero means adapter default.
type SerialSettings struct {
	BaudRate int
	DataBits int
	StopBits int
	Parity   string
	Bitrate  int
}

// GetSerialSettings returns the configured serial values.
func (c *Config) GetSerialSettings() SerialSettings {
	b := c.bus()
	var s SerialSettings
	if b.BaudRate != nil {
		s.BaudRate = *b.BaudRate
	}
	if b.DataBits != nil {
		s.DataBits = *b.DataBits
	}
	if b.StopBits != nil {
		s.StopBits = *b.StopBits
	}
	if b.Parity != nil {
		s.Parity = *b.Parity
	}
	if b.Bitrate != nil {
		s.Bitrate = *b.Bitrate
	}
	return s
}

// SetBusKind overrides the bus kind, creating the bus section if needed.
func (c *Config) SetBusKind(kind string) {
	if c.Bus == nil {
		c.Bus = &BusConfig{}
	}
	c.Bus.Kind = ptrString(kind)
}

// SetPort overrides the serial device.
func (c *Config) SetPort(port string) {
	if c.Bus == nil {
		c.Bus = &BusConfig{}
	}
	c.Bus.Port = ptrString(port)
}

// SetCapturePath overrides the capture file.
func (c *Config) SetCapturePath(path string) {
	if c.Bus == nil {
		c.Bus = &BusConfig{}
	}
	c.Bus.CapturePath = ptrString(path)
}
