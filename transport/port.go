package transport

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"time"

	"go.bug.st/serial"
)

// Port is the minimal interface needed from a serial port.
// go.bug.st/serial ports satisfy it; MockPort implements it for tests.
type Port interface {
	io.ReadWriteCloser
	// SetReadTimeout bounds how long a single Read blocks. A Read that times out
	// returns 0 bytes and a nil error.
	SetReadTimeout(t time.Duration) error
	// ResetInputBuffer drops bytes received but not yet read.
	ResetInputBuffer() error
}

// Opener opens the named port with the given mode.
type Opener func(name string, mode *Mode) (Port, error)

// Lister enumerates the names of the serial ports available on the host.
type Lister func() ([]string, error)

// OpenSerial opens a real serial port with go.bug.st/serial.
//
// A port that does not exist is reported as ErrNotFound.
func OpenSerial(name string, mode *Mode) (Port, error) {
	if mode == nil {
		mode = DefaultMode()
	}

	sm, err := mode.serialMode()
	if err != nil {
		return nil, err
	}

	port, err := serial.Open(name, sm)
	if err != nil {
		var portErr *serial.PortError
		if errors.As(err, &portErr) {
			switch portErr.Code() {
			case serial.PortNotFound, serial.InvalidSerialPort:
				return nil, fmt.Errorf("%w: %s: %w", ErrNotFound, name, err)
			case serial.PortBusy:
				return nil, fmt.Errorf("%w: %s: %w", ErrPortBusy, name, err)
			}
		}
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s: %w", ErrNotFound, name, err)
		}

		return nil, fmt.Errorf("transport: open %s: %w", name, err)
	}

	return port, nil
}

// ListPorts returns the serial ports present on the host.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("transport: list ports: %w", err)
	}

	return ports, nil
}
