package bus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/vehicle-telemetry/internal/telemetry"
)

// LinkTypeSocketCAN is LINKTYPE_CAN_SOCKETCAN, the pcap link type written by
// candump and Wireshark for SocketCAN captures.
const LinkTypeSocketCAN = layers.LinkType(227)

const (
	socketCANHeaderLen = 8
	canEFFFlag         = 0x80000000
	canRTRFlag         = 0x40000000
	canERRFlag         = 0x20000000
	canEFFMask         = 0x1FFFFFFF
)

// Replay plays back a SocketCAN pcap capture. Frames keep their capture
// timestamps. End of file closes the bus.
type Replay struct {
	mu       sync.Mutex
	reader   *pcapgo.Reader
	closer   io.Closer
	realtime bool
	prev     time.Time
}

// NewReplay reads a capture from r. With realtime set, Receive waits out the
// recorded gap between consecutive frames.
func NewReplay(r io.Reader, realtime bool) (*Replay, error) {
	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read capture header: %w", err)
	}
	if lt := reader.LinkType(); lt != LinkTypeSocketCAN {
		return nil, fmt.Errorf("unsupported capture link type %d, want %d (SocketCAN)", lt, LinkTypeSocketCAN)
	}
	return &Replay{reader: reader, realtime: realtime}, nil
}

// OpenReplay opens a capture file.
func OpenReplay(path string, realtime bool) (*Replay, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture: %w", err)
	}
	r, err := NewReplay(f, realtime)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.closer = f
	return r, nil
}

// Receive returns the next data frame from the capture.
func (r *Replay) Receive(ctx context.Context) (telemetry.Frame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		if err := ctx.Err(); err != nil {
			return telemetry.Frame{}, err
		}
		data, ci, err := r.reader.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return telemetry.Frame{}, fmt.Errorf("%w: end of capture", telemetry.ErrBusClosed)
			}
			return telemetry.Frame{}, fmt.Errorf("%w: %w", telemetry.ErrBusClosed, err)
		}

		f, ok := decodeSocketCAN(data)
		if !ok {
			continue
		}
		f.Timestamp = ci.Timestamp

		if r.realtime && !r.prev.IsZero() {
			if gap := ci.Timestamp.Sub(r.prev); gap > 0 {
				timer := time.NewTimer(gap)
				select {
				case <-timer.C:
				case <-ctx.Done():
					timer.Stop()
					return telemetry.Frame{}, ctx.Err()
				}
			}
		}
		r.prev = ci.Timestamp
		return f, nil
	}
}

// Close releases the capture file, if Replay opened it.
func (r *Replay) Close() error {
	if r.closer == nil {
		return nil
	}
	return r.closer.Close()
}

// decodeSocketCAN parses a SocketCAN pseudo-header frame. Remote and error
// frames are rejected.
func decodeSocketCAN(data []byte) (telemetry.Frame, bool) {
	if len(data) < socketCANHeaderLen {
		return telemetry.Frame{}, false
	}
	raw := binary.BigEndian.Uint32(data[0:4])
	if raw&(canRTRFlag|canERRFlag) != 0 {
		return telemetry.Frame{}, false
	}
	n := int(data[4])
	if n > len(data)-socketCANHeaderLen {
		n = len(data) - socketCANHeaderLen
	}
	payload := make([]byte, n)
	copy(payload, data[socketCANHeaderLen:socketCANHeaderLen+n])
	return telemetry.Frame{ID: raw & canEFFMask, Payload: payload}, true
}

func encodeSocketCAN(f telemetry.Frame) []byte {
	buf := make([]byte, socketCANHeaderLen+len(f.Payload))
	id := f.ID & canEFFMask
	if f.ID > 0x7FF {
		id |= canEFFFlag
	}
	binary.BigEndian.PutUint32(buf[0:4], id)
	buf[4] = byte(len(f.Payload))
	copy(buf[socketCANHeaderLen:], f.Payload)
	return buf
}

// CaptureWriter records frames as a SocketCAN pcap capture that Replay can
// read back.
type CaptureWriter struct {
	mu sync.Mutex
	w  *pcapgo.Writer
}

// NewCaptureWriter writes the pcap file header to w.
func NewCaptureWriter(w io.Writer) (*CaptureWriter, error) {
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(65535, LinkTypeSocketCAN); err != nil {
		return nil, fmt.Errorf("failed to write capture header: %w", err)
	}
	return &CaptureWriter{w: pw}, nil
}

// Write appends one frame.
func (c *CaptureWriter) Write(f telemetry.Frame) error {
	data := encodeSocketCAN(f)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     f.Timestamp,
		CaptureLength: len(data),
		Length:        len(data),
	}, data)
}

// Recorder is a Bus that copies every frame it receives into a capture.
type Recorder struct {
	src     Source
	capture *CaptureWriter
	onError func(error)
}

// NewRecorder tees src into capture. Capture write failures are passed to
// onError and never interrupt the stream.
func NewRecorder(src Source, capture *CaptureWriter, onError func(error)) *Recorder {
	return &Recorder{src: src, capture: capture, onError: onError}
}

// Receive forwards the next frame from the wrapped bus.
func (r *Recorder) Receive(ctx context.Context) (telemetry.Frame, error) {
	f, err := r.src.Receive(ctx)
	if err != nil {
		return f, err
	}
	if werr := r.capture.Write(f); werr != nil && r.onError != nil {
		r.onError(werr)
	}
	return f, nil
}
