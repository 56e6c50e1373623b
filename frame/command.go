package frame

import (
	"strconv"
	"strings"
)

// Replies and identification constants of the controller firmware.
const (
	ReplyOK        = "OK\n"
	ReplyStarting  = "STARTING\n"
	ReplyStopped   = "STOPPED\n"
	IdentityPrefix = "MicroAlign BV., Model MAC"
)

// MaxBias is the largest value of the 12-bit bias DAC.
const MaxBias = 4095

// Identify returns the identification query.
func Identify() string { return "*IDN?\n" }

// Write returns the command setting the bias pair of fiber.
func Write(fiber, left, right int) string {
	return "WRITE " + strconv.Itoa(fiber) + " " + strconv.Itoa(left) + " " + strconv.Itoa(right) + "\n"
}

// Read returns the command requesting a coupling reading of fiber over samples.
func Read(fiber, samples int) string {
	return "READ " + strconv.Itoa(fiber) + " " + strconv.Itoa(samples) + "\n"
}

// Next returns the command advancing the alignment algorithm by half a step.
func Next() string { return "NEXT\n" }

// Stop returns the command stopping the alignment algorithm.
func Stop() string { return "STOP\n" }

// StartConfig holds the parameters of the firmware alignment algorithm.
//
// The firmware parses START arguments positionally. Encode emits a literal 0
// for HysteresisKick when it is unset but InitialStepBits is set, so the
// initial step size lands in the fourth position.
type StartConfig struct {
	// Samples is the number of power samples averaged per measurement.
	Samples int
	// MinStepBits sets the minimum step size to 2^MinStepBits. Must be at least
	// 3 less than the initial step size; enforced by the firmware.
	MinStepBits int
	// HysteresisKick is optional; the firmware default is 0.
	HysteresisKick *int
	// InitialStepBits is optional, at most 12; the firmware default is 9.
	InitialStepBits *int
}

// Int returns a pointer to v, for the optional StartConfig fields.
func Int(v int) *int { return &v }

// Encode returns the START command line.
func (c StartConfig) Encode() string {
	var sb strings.Builder

	sb.WriteString("START ")
	sb.WriteString(strconv.Itoa(c.Samples))
	sb.WriteByte(' ')
	sb.WriteString(strconv.Itoa(c.MinStepBits))

	switch {
	case c.HysteresisKick != nil:
		sb.WriteByte(' ')
		sb.WriteString(strconv.Itoa(*c.HysteresisKick))
	case c.InitialStepBits != nil:
		sb.WriteString(" 0")
	}

	if c.InitialStepBits != nil {
		sb.WriteByte(' ')
		sb.WriteString(strconv.Itoa(*c.InitialStepBits))
	}

	sb.WriteByte('\n')

	return sb.String()
}
