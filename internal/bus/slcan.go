package bus

import (
	"bufio"
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/banshee-data/vehicle-telemetry/internal/monitoring"
	"github.com/banshee-data/vehicle-telemetry/internal/telemetry"
	"github.com/banshee-data/vehicle-telemetry/internal/timeutil"
)

var (
	ErrWriteFailed = errors.New("failed to write to serial port")

	errNotData = errors.New("not a data frame")
)

// SLCAN reads CAN frames from a serial-line CAN adapter speaking the Lawicel
// ASCII protocol.
type SLCAN struct {
	port  SerialPorter
	clock timeutil.Clock
	logf  func(format string, v ...interface{})

	commandMu sync.Mutex

	startOnce sync.Once
	lines     chan string
	scanErr   error // set before lines is closed

	closeOnce sync.Once
	done      chan struct{}
}

// NewSLCAN wraps an already opened port.
func NewSLCAN(port SerialPorter, clock timeutil.Clock) *SLCAN {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &SLCAN{
		port:  port,
		clock: clock,
		logf:  monitoring.Component("slcan"),
		lines: make(chan string),
		done:  make(chan struct{}),
	}
}

// OpenSLCAN opens the adapter at path, initialises it and returns the bus.
// A nil opener uses OpenSerialPort.
func OpenSLCAN(path string, opts PortOptions, opener SerialPortOpener) (*SLCAN, error) {
	if opener == nil {
		opener = OpenSerialPort
	}
	port, err := opener(path, opts)
	if err != nil {
		return nil, err
	}
	s := NewSLCAN(port, nil)
	if err := s.Initialize(opts); err != nil {
		port.Close()
		return nil, err
	}
	return s, nil
}

// Initialize closes any open channel, selects the bitrate and opens the CAN
// channel.
func (s *SLCAN) Initialize(opts PortOptions) error {
	bitrate, err := opts.BitrateCommand()
	if err != nil {
		return err
	}
	for _, command := range []string{
		"C",     // close channel in case it was left open
		bitrate, // select CAN bitrate
		"O",     // open channel
	} {
		if err := s.SendCommand(command); err != nil {
			return fmt.Errorf("failed to send start command %q: %w", command, err)
		}
	}
	return nil
}

// SendCommand writes a command terminated by a carriage return.
func (s *SLCAN) SendCommand(command string) error {
	s.commandMu.Lock()
	defer s.commandMu.Unlock()
	if !bytes.HasSuffix([]byte(command), []byte("\r")) {
		command += "\r"
	}
	n, err := s.port.Write([]byte(command))
	if err != nil {
		return err
	}
	if n != len(command) {
		return ErrWriteFailed
	}
	return nil
}

// Receive returns the next data frame. Status replies, remote frames and
// malformed lines are skipped.
func (s *SLCAN) Receive(ctx context.Context) (telemetry.Frame, error) {
	s.startOnce.Do(func() { go s.scan() })

	for {
		select {
		case <-ctx.Done():
			return telemetry.Frame{}, ctx.Err()
		case line, ok := <-s.lines:
			if !ok {
				if s.scanErr != nil {
					return telemetry.Frame{}, fmt.Errorf("%w: %w", telemetry.ErrBusClosed, s.scanErr)
				}
				return telemetry.Frame{}, telemetry.ErrBusClosed
			}
			f, err := ParseSLCAN(line)
			if err != nil {
				if !errors.Is(err, errNotData) {
					s.logf("ignoring line %q: %v", line, err)
				}
				continue
			}
			f.Timestamp = s.clock.Now()
			return f, nil
		}
	}
}

// scan is the only reader of the port. The blocking read lives here so that
// Receive can still honour context cancellation.
func (s *SLCAN) scan() {
	defer close(s.lines)
	scan := bufio.NewScanner(s.port)
	scan.Split(splitCR)
	for scan.Scan() {
		select {
		case s.lines <- scan.Text():
		case <-s.done:
			return
		}
	}
	s.scanErr = scan.Err()
}

// Close closes the CAN channel and the serial port.
func (s *SLCAN) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		if cerr := s.SendCommand("C"); cerr != nil {
			s.logf("failed to close CAN channel: %v", cerr)
		}
		err = s.port.Close()
	})
	return err
}

// splitCR is a bufio.SplitFunc for lines ended by '\r', '\n' or both. Empty
// lines are dropped.
func splitCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := 0
	for start < len(data) && (data[start] == '\r' || data[start] == '\n') {
		start++
	}
	if i := bytes.IndexAny(data[start:], "\r\n"); i >= 0 {
		return start + i + 1, data[start : start+i], nil
	}
	if atEOF && start < len(data) {
		return len(data), data[start:], nil
	}
	return start, nil, nil
}

// ParseSLCAN decodes a "tIIILDD..." (standard) or "TIIIIIIIILDD..."
// (extended) data frame line. A trailing four-digit adapter timestamp is
// accepted and ignored.
func ParseSLCAN(line string) (telemetry.Frame, error) {
	if line == "" {
		return telemetry.Frame{}, errNotData
	}

	var idLen int
	switch line[0] {
	case 't':
		idLen = 3
	case 'T':
		idLen = 8
	default:
		return telemetry.Frame{}, errNotData
	}

	if len(line) < 1+idLen+1 {
		return telemetry.Frame{}, fmt.Errorf("line too short")
	}
	id, err := strconv.ParseUint(line[1:1+idLen], 16, 32)
	if err != nil {
		return telemetry.Frame{}, fmt.Errorf("invalid id: %w", err)
	}
	if idLen == 3 && id > 0x7FF {
		return telemetry.Frame{}, fmt.Errorf("standard id 0x%X out of range", id)
	}
	if id > 0x1FFFFFFF {
		return telemetry.Frame{}, fmt.Errorf("extended id 0x%X out of range", id)
	}

	dlc := int(line[1+idLen] - '0')
	if dlc < 0 || dlc > 8 {
		return telemetry.Frame{}, fmt.Errorf("invalid length %q", line[1+idLen])
	}

	data := line[2+idLen:]
	if len(data) != 2*dlc && len(data) != 2*dlc+4 {
		return telemetry.Frame{}, fmt.Errorf("expected %d data bytes, line has %d hex digits", dlc, len(data))
	}
	payload, err := hex.DecodeString(data[:2*dlc])
	if err != nil {
		return telemetry.Frame{}, fmt.Errorf("invalid data: %w", err)
	}

	return telemetry.Frame{ID: uint32(id), Payload: payload}, nil
}

// FormatSLCAN renders f as an SLCAN data frame line without terminator.
func FormatSLCAN(f telemetry.Frame) string {
	if f.ID > 0x7FF {
		return fmt.Sprintf("T%08X%d%X", f.ID, len(f.Payload), f.Payload)
	}
	return fmt.Sprintf("t%03X%d%X", f.ID, len(f.Payload), f.Payload)
}
