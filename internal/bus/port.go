package bus

import (
	"io"
)

// SerialPorter defines the minimal interface needed for a serial port.
// This abstraction enables unit testing without real adapter hardware.
type SerialPorter interface {
	io.ReadWriter
	io.Closer
}

// SerialPortOpener opens a serial port with the given options. Tests replace
// it to avoid touching real devices.
type SerialPortOpener func(path string, opts PortOptions) (SerialPorter, error)
