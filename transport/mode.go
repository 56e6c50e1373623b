package transport

import (
	"fmt"
	"strings"

	"go.bug.st/serial"
)

// DefaultBaudRate is the baud rate of the MicroAlign controller firmware.
const DefaultBaudRate = 115200

// Mode describes the serial line parameters used when opening a port.
type Mode struct {
	BaudRate int    `yaml:"baud_rate"`
	DataBits int    `yaml:"data_bits"`
	StopBits int    `yaml:"stop_bits"`
	Parity   string `yaml:"parity"`
}

// DefaultMode returns 115200 8N1.
func DefaultMode() *Mode {
	return &Mode{BaudRate: DefaultBaudRate, DataBits: 8, StopBits: 1, Parity: "N"}
}

// Normalize validates the mode and applies defaults for any unset values.
func (m Mode) Normalize() (Mode, error) {
	out := m

	if out.BaudRate <= 0 {
		out.BaudRate = DefaultBaudRate
	}

	if out.DataBits == 0 {
		out.DataBits = 8
	}
	if out.DataBits < 5 || out.DataBits > 8 {
		return out, fmt.Errorf("transport: invalid data bits %d: must be between 5 and 8", out.DataBits)
	}

	if out.StopBits == 0 {
		out.StopBits = 1
	}
	if out.StopBits != 1 && out.StopBits != 2 {
		return out, fmt.Errorf("transport: invalid stop bits %d: supported values are 1 or 2", out.StopBits)
	}

	switch parity := strings.TrimSpace(strings.ToUpper(out.Parity)); parity {
	case "", "N", "NONE":
		out.Parity = "N"
	case "E", "EVEN":
		out.Parity = "E"
	case "O", "ODD":
		out.Parity = "O"
	default:
		return out, fmt.Errorf("transport: unsupported parity %q: expected N, E, or O", m.Parity)
	}

	return out, nil
}

// serialMode converts the mode into the structure required by go.bug.st/serial.
func (m Mode) serialMode() (*serial.Mode, error) {
	norm, err := m.Normalize()
	if err != nil {
		return nil, err
	}

	mode := &serial.Mode{
		BaudRate: norm.BaudRate,
		DataBits: norm.DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if norm.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}

	switch norm.Parity {
	case "E":
		mode.Parity = serial.EvenParity
	case "O":
		mode.Parity = serial.OddParity
	}

	return mode, nil
}
