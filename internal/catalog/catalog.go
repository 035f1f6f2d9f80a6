// Package catalog maps CAN frame identifiers to the rules that decode their
// payload bytes into physical signal values.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/vehicle-telemetry/internal/telemetry"
)

// MaxPayload is the largest classic CAN data length.
const MaxPayload = 8

// Endian selects the byte order of a signal within its frame.
type Endian string

const (
	BigEndian    Endian = "big"
	LittleEndian Endian = "little"
)

// FrameID is a CAN identifier. It unmarshals from a JSON/YAML number or from a
// string such as "0x123".
type FrameID uint32

func parseFrameID(s string) (FrameID, error) {
	s = strings.Trim(strings.TrimSpace(s), `"`)
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid frame id %q: %w", s, err)
	}
	return FrameID(v), nil
}

func (id *FrameID) UnmarshalJSON(b []byte) error {
	v, err := parseFrameID(string(b))
	if err != nil {
		return err
	}
	*id = v
	return nil
}

func (id *FrameID) UnmarshalYAML(node *yaml.Node) error {
	v, err := parseFrameID(node.Value)
	if err != nil {
		return err
	}
	*id = v
	return nil
}

func (id FrameID) String() string { return fmt.Sprintf("0x%03X", uint32(id)) }

func (id FrameID) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(id.String())), nil
}

// Signal describes one physical value packed into a message payload.
type Signal struct {
	Field      string  `json:"field" yaml:"field"`
	ByteOffset int     `json:"byte_offset" yaml:"byte_offset"`
	ByteLength int     `json:"byte_length" yaml:"byte_length"`
	Endian     Endian  `json:"endian,omitempty" yaml:"endian,omitempty"`
	Signed     bool    `json:"signed,omitempty" yaml:"signed,omitempty"`
	Scale      float64 `json:"scale" yaml:"scale"`
	Offset     float64 `json:"offset,omitempty" yaml:"offset,omitempty"`
	Unit       string  `json:"unit,omitempty" yaml:"unit,omitempty"`
}

// Message is one frame definition: its identifier, declared payload length
// and the signals it carries.
type Message struct {
	ID      FrameID  `json:"id" yaml:"id"`
	Name    string   `json:"name,omitempty" yaml:"name,omitempty"`
	Length  int      `json:"length" yaml:"length"`
	Signals []Signal `json:"signals" yaml:"signals"`
}

// SignalRule is a resolved, validated decode rule.
type SignalRule struct {
	FrameID    uint32
	Field      string
	ByteOffset int
	ByteLength int
	Endian     Endian
	Signed     bool
	Scale      float64
	Offset     float64
	Unit       string
}

// End returns the payload length needed to decode the rule.
func (r SignalRule) End() int { return r.ByteOffset + r.ByteLength }

// ConfigError reports a malformed or conflicting catalog definition.
type ConfigError struct {
	FrameID uint32
	Field   string
	Msg     string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("catalog: frame %s: %s", FrameID(e.FrameID), e.Msg)
	}
	return fmt.Sprintf("catalog: frame %s field %q: %s", FrameID(e.FrameID), e.Field, e.Msg)
}

// Catalog is an immutable frame id -> rules index.
type Catalog struct {
	messages []Message
	rules    map[uint32][]SignalRule
	byField  map[string]SignalRule
	declared map[uint32]int
}

// New validates the message definitions and builds a Catalog.
func New(messages []Message) (*Catalog, error) {
	c := &Catalog{
		rules:   make(map[uint32][]SignalRule),
		byField: make(map[string]SignalRule),
	}
	lengths := make(map[uint32]int)

	for _, m := range messages {
		id := uint32(m.ID)
		if m.Length < 1 || m.Length > MaxPayload {
			return nil, &ConfigError{FrameID: id, Msg: fmt.Sprintf("declared length %d must be between 1 and %d", m.Length, MaxPayload)}
		}
		if prev, ok := lengths[id]; ok && prev != m.Length {
			return nil, &ConfigError{FrameID: id, Msg: fmt.Sprintf("declared twice with lengths %d and %d", prev, m.Length)}
		}
		lengths[id] = m.Length

		for _, s := range m.Signals {
			rule, err := resolve(id, m.Length, s)
			if err != nil {
				return nil, err
			}
			for _, existing := range c.rules[id] {
				if existing.Field == rule.Field {
					return nil, &ConfigError{FrameID: id, Field: rule.Field, Msg: "duplicate rule"}
				}
			}
			c.rules[id] = append(c.rules[id], rule)
			if _, ok := c.byField[rule.Field]; !ok {
				c.byField[rule.Field] = rule
			}
		}
		c.messages = append(c.messages, m)
	}

	sort.Slice(c.messages, func(i, j int) bool { return c.messages[i].ID < c.messages[j].ID })
	c.declared = lengths
	return c, nil
}

func resolve(id uint32, length int, s Signal) (SignalRule, error) {
	fail := func(format string, args ...any) (SignalRule, error) {
		return SignalRule{}, &ConfigError{FrameID: id, Field: s.Field, Msg: fmt.Sprintf(format, args...)}
	}

	if !telemetry.IsField(s.Field) {
		return fail("unknown field, expected one of %s", strings.Join(telemetry.Fields, ", "))
	}
	if s.ByteLength < 1 || s.ByteLength > MaxPayload {
		return fail("byte_length %d must be between 1 and %d", s.ByteLength, MaxPayload)
	}
	if s.ByteOffset < 0 {
		return fail("negative byte_offset %d", s.ByteOffset)
	}
	if s.ByteOffset+s.ByteLength > length {
		return fail("bytes %d..%d exceed declared length %d", s.ByteOffset, s.ByteOffset+s.ByteLength, length)
	}
	if s.Scale == 0 {
		return fail("scale must be non-zero")
	}

	endian := s.Endian
	switch endian {
	case "":
		endian = BigEndian
	case BigEndian, LittleEndian:
	default:
		return fail("unsupported endian %q", s.Endian)
	}

	return SignalRule{
		FrameID:    id,
		Field:      s.Field,
		ByteOffset: s.ByteOffset,
		ByteLength: s.ByteLength,
		Endian:     endian,
		Signed:     s.Signed,
		Scale:      s.Scale,
		Offset:     s.Offset,
		Unit:       s.Unit,
	}, nil
}

// Lookup returns the rules for a frame id, or nil for ids the catalog does
// not know. The returned slice must not be modified.
func (c *Catalog) Lookup(id uint32) []SignalRule {
	return c.rules[id]
}

// Declares reports whether a message with this frame id was defined, even
// one carrying no signals.
func (c *Catalog) Declares(id uint32) bool {
	_, ok := c.declared[id]
	return ok
}

// RuleFor returns the first rule that decodes the named field.
func (c *Catalog) RuleFor(field string) (SignalRule, bool) {
	r, ok := c.byField[field]
	return r, ok
}

// Messages returns the message definitions ordered by frame id.
func (c *Catalog) Messages() []Message {
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// Default returns the built-in vehicle catalog.
func Default() *Catalog {
	c, err := New(DefaultMessages())
	if err != nil {
		panic("default catalog is invalid: " + err.Error())
	}
	return c
}

// DefaultMessages returns the message set emitted by the vehicle simulator.
func DefaultMessages() []Message {
	return []Message{
		{ID: 0x123, Name: "VehicleSpeed", Length: 2, Signals: []Signal{
			{Field: telemetry.FieldSpeed, ByteOffset: 0, ByteLength: 2, Endian: BigEndian, Scale: 0.1, Unit: "km/h"},
		}},
		{ID: 0x456, Name: "EngineRPM", Length: 2, Signals: []Signal{
			{Field: telemetry.FieldRPM, ByteOffset: 0, ByteLength: 2, Endian: BigEndian, Scale: 1, Unit: "rpm"},
		}},
		{ID: 0x789, Name: "ThrottlePosition", Length: 1, Signals: []Signal{
			{Field: telemetry.FieldThrottle, ByteOffset: 0, ByteLength: 1, Endian: BigEndian, Scale: 1, Unit: "%"},
		}},
		{ID: 0xABC, Name: "CoolantTemperature", Length: 1, Signals: []Signal{
			{Field: telemetry.FieldCoolantTemp, ByteOffset: 0, ByteLength: 1, Endian: BigEndian, Scale: 1, Unit: "degC"},
		}},
	}
}

type file struct {
	Messages []Message `json:"messages" yaml:"messages"`
}

// Load reads a catalog definition from a .json, .yaml or .yml file.
func Load(path string) (*Catalog, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("catalog file must have .json, .yaml or .yml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat catalog file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("catalog file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}

	var f file
	if ext == ".json" {
		err = json.Unmarshal(data, &f)
	} else {
		err = yaml.Unmarshal(data, &f)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse catalog file: %w", err)
	}
	if len(f.Messages) == 0 {
		return nil, fmt.Errorf("catalog file %s defines no messages", cleanPath)
	}

	return New(f.Messages)
}
