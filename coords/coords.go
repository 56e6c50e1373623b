// Package coords converts between actuator bias pairs and two-axis fiber positions.
//
// A fiber tip is steered by two cantilevers driven by 12-bit DACs. Moving both
// channels together moves the tip vertically (y); driving them apart moves it
// horizontally (x):
//
//	x = (left - right) / 2 * scaleX
//	y = ((left + right) / 2 - HalfBias) * scaleY
//
// with scaleX = 2 * MaxX / MaxBias and scaleY = MaxY / HalfBias, so that the
// extreme bias pairs reach ±MaxX and ±MaxY. The functions are pure; Fiber keeps
// the client-side position and origin state for one fiber.
package coords

import (
	"errors"
	"fmt"
	"math"
)

const (
	// MaxBias is the largest value of the 12-bit bias DAC.
	MaxBias = 4095
	// HalfBias is the bias value of the centre position.
	HalfBias = MaxBias / 2.0
)

var (
	// ErrOutOfRange indicates a position that maps to a bias outside [0, MaxBias].
	ErrOutOfRange = errors.New("coords: position out of range")

	// ErrInvalidAxis indicates an axis name other than "x" or "y".
	ErrInvalidAxis = errors.New("coords: invalid axis")

	// ErrInvalidCalibration indicates a calibration with non-positive travel.
	ErrInvalidCalibration = errors.New("coords: invalid calibration")
)

// Axis names one of the two position axes.
type Axis string

const (
	AxisX Axis = "x"
	AxisY Axis = "y"
)

// ParseAxis validates an axis name.
func ParseAxis(s string) (Axis, error) {
	switch a := Axis(s); a {
	case AxisX, AxisY:
		return a, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAxis, s)
	}
}

// Position is a two-axis fiber position in the units of its Calibration.
type Position struct {
	X float64
	Y float64
}

// Get returns the coordinate on axis a.
func (p Position) Get(a Axis) (float64, error) {
	switch a {
	case AxisX:
		return p.X, nil
	case AxisY:
		return p.Y, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidAxis, a)
	}
}

// With returns p with the coordinate on axis a replaced by v.
func (p Position) With(a Axis, v float64) (Position, error) {
	switch a {
	case AxisX:
		p.X = v
	case AxisY:
		p.Y = v
	default:
		return p, fmt.Errorf("%w: %q", ErrInvalidAxis, a)
	}

	return p, nil
}

// Calibration is the maximum mechanical travel of the actuator on each axis,
// measured from the centre position.
type Calibration struct {
	MaxX float64
	MaxY float64
}

var (
	// Micrometers expresses positions in micrometers of tip travel.
	Micrometers = Calibration{MaxX: 11.00001, MaxY: 20.00001}

	// Percent expresses positions as percentage deviation from the centre.
	Percent = Calibration{MaxX: 100, MaxY: 100}
)

// Validate checks that both travels are positive and finite.
func (c Calibration) Validate() error {
	if !(c.MaxX > 0) || !(c.MaxY > 0) || math.IsInf(c.MaxX, 0) || math.IsInf(c.MaxY, 0) {
		return fmt.Errorf("%w: max travel (%v, %v)", ErrInvalidCalibration, c.MaxX, c.MaxY)
	}

	return nil
}

func (c Calibration) scaleX() float64 { return 2 * c.MaxX / MaxBias }

func (c Calibration) scaleY() float64 { return c.MaxY / HalfBias }

// BiasToPosition converts a bias pair to a position.
func (c Calibration) BiasToPosition(left, right float64) Position {
	return Position{
		X: (left - right) / 2 * c.scaleX(),
		Y: ((left+right)/2 - HalfBias) * c.scaleY(),
	}
}

// PositionToBias converts a position to the bias pair producing it.
// It fails with ErrOutOfRange if either channel falls outside [0, MaxBias].
func (c Calibration) PositionToBias(p Position) (left, right float64, err error) {
	common := p.Y/c.scaleY() + HalfBias
	diff := p.X / c.scaleX()

	left = common + diff
	right = common - diff

	if left < 0 || left > MaxBias || right < 0 || right > MaxBias {
		return 0, 0, fmt.Errorf("%w: (%.2f, %.2f) needs bias (%.1f, %.1f)", ErrOutOfRange, p.X, p.Y, left, right)
	}

	return left, right, nil
}

// Round2 rounds v to two decimal places, halves away from zero.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
