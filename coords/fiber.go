package coords

import "math"

// Fiber tracks the commanded position of one fiber and its relative-position origin.
//
// Positions are rounded to two decimals before being stored so that repeated
// relative moves do not accumulate floating-point drift. The zero value is not
// usable; create fibers with NewFiber.
type Fiber struct {
	cal    Calibration
	pos    Position
	origin Position
	left   float64
	right  float64
}

// NewFiber returns a fiber at the centre position (bias HalfBias, HalfBias).
func NewFiber(cal Calibration) *Fiber {
	return &Fiber{cal: cal, left: HalfBias, right: HalfBias}
}

// Calibration returns the calibration the fiber converts with.
func (f *Fiber) Calibration() Calibration { return f.cal }

// Plan computes the rounded position and bias pair for an absolute move
// without changing the fiber state. Planning the current position yields
// the current bias pair, which may differ from the transform of the rounded
// position.
func (f *Fiber) Plan(p Position) (Position, [2]float64, error) {
	p = Position{X: Round2(p.X), Y: Round2(p.Y)}
	if p == f.Position() {
		return p, [2]float64{f.left, f.right}, nil
	}

	left, right, err := f.cal.PositionToBias(p)
	if err != nil {
		return f.Position(), [2]float64{}, err
	}

	return p, [2]float64{left, right}, nil
}

// SetPosition moves the fiber to the absolute position p.
// On ErrOutOfRange the stored state is left unchanged.
func (f *Fiber) SetPosition(p Position) error {
	p, bias, err := f.Plan(p)
	if err != nil {
		return err
	}

	f.pos = p
	f.left, f.right = bias[0], bias[1]

	return nil
}

// SetRelativePosition moves the fiber to p relative to its origin.
func (f *Fiber) SetRelativePosition(p Position) error {
	return f.SetPosition(f.absolute(p))
}

// SetBias records a bias pair reported by the device and derives the
// position from it. The exact pair is kept, so the fiber can always be
// commanded back to the position it reports.
func (f *Fiber) SetBias(left, right int) {
	f.left, f.right = float64(left), float64(right)
	p := f.cal.BiasToPosition(f.left, f.right)
	f.pos = Position{X: Round2(p.X), Y: Round2(p.Y)}
}

// SetOrigin takes the current position on axis as the new reference for relative positions.
func (f *Fiber) SetOrigin(axis Axis) error {
	switch axis {
	case AxisX:
		f.origin.X = f.pos.X
	case AxisY:
		f.origin.Y = f.pos.Y
	default:
		_, err := ParseAxis(string(axis))
		return err
	}

	return nil
}

// Position returns the absolute position, rounded to two decimals.
func (f *Fiber) Position() Position {
	return Position{X: Round2(f.pos.X), Y: Round2(f.pos.Y)}
}

// RelativePosition returns the position relative to the origin, rounded to two decimals.
func (f *Fiber) RelativePosition() Position {
	return Position{X: Round2(f.pos.X - f.origin.X), Y: Round2(f.pos.Y - f.origin.Y)}
}

// Origin returns the relative-position origin.
func (f *Fiber) Origin() Position { return f.origin }

// Bias returns the unrounded bias pair of the current position.
func (f *Fiber) Bias() (left, right float64) { return f.left, f.right }

// RoundBias rounds a bias value to the nearest DAC step.
func RoundBias(v float64) int {
	return int(math.Round(v))
}

func (f *Fiber) absolute(rel Position) Position {
	return Position{X: f.origin.X + rel.X, Y: f.origin.Y + rel.Y}
}
