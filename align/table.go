package align

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/microalign/go-mac/coords"
)

var (
	// ErrTableFull indicates that the run table has no room for another step.
	ErrTableFull = errors.New("align: run table full")

	// ErrTableFrozen indicates an append to the table of a stopped run.
	ErrTableFrozen = errors.New("align: run table frozen")

	// ErrNoSamples indicates a summary of a run without steps.
	ErrNoSamples = errors.New("align: run has no samples")

	// ErrOutOfBounds indicates a fiber or step index outside the table.
	ErrOutOfBounds = errors.New("align: index out of bounds")
)

// Sample is one fiber's reading in one step.
type Sample struct {
	Coupling int
	Left     int
	Right    int
	Position coords.Position
}

// Table accumulates the per-fiber series of a run. Storage is allocated once
// for the full capacity and indexed by [fiber][step].
type Table struct {
	fibers   int
	capacity int
	steps    int
	frozen   bool
	cal      coords.Calibration

	coupling []int
	left     []int
	right    []int
	x        []float64
	y        []float64
}

// NewTable allocates a table for fibers fibers and up to capacity steps.
// Positions are derived from the bias pairs with cal.
func NewTable(fibers, capacity int, cal coords.Calibration) *Table {
	n := fibers * capacity

	return &Table{
		fibers:   fibers,
		capacity: capacity,
		cal:      cal,
		coupling: make([]int, n),
		left:     make([]int, n),
		right:    make([]int, n),
		x:        make([]float64, n),
		y:        make([]float64, n),
	}
}

// Fibers returns the number of fibers.
func (t *Table) Fibers() int { return t.fibers }

// Capacity returns the maximum number of steps.
func (t *Table) Capacity() int { return t.capacity }

// Len returns the number of recorded steps.
func (t *Table) Len() int { return t.steps }

// Full reports whether no further step fits.
func (t *Table) Full() bool { return t.steps >= t.capacity }

// Frozen reports whether the table was frozen by the end of its run.
func (t *Table) Frozen() bool { return t.frozen }

// Calibration returns the calibration the positions were derived with.
func (t *Table) Calibration() coords.Calibration { return t.cal }

// Append records one step. Slices are indexed by fiber-1.
func (t *Table) Append(coupling, left, right []int) error {
	if t.frozen {
		return ErrTableFrozen
	}
	if t.Full() {
		return fmt.Errorf("%w: capacity %d", ErrTableFull, t.capacity)
	}
	if len(coupling) != t.fibers || len(left) != t.fibers || len(right) != t.fibers {
		return fmt.Errorf("%w: step has %d/%d/%d values for %d fibers",
			ErrOutOfBounds, len(coupling), len(left), len(right), t.fibers)
	}

	for i := 0; i < t.fibers; i++ {
		idx := i*t.capacity + t.steps
		pos := t.cal.BiasToPosition(float64(left[i]), float64(right[i]))

		t.coupling[idx] = coupling[i]
		t.left[idx] = left[i]
		t.right[idx] = right[i]
		t.x[idx] = coords.Round2(pos.X)
		t.y[idx] = coords.Round2(pos.Y)
	}
	t.steps++

	return nil
}

func (t *Table) freeze() { t.frozen = true }

// LoadTable rebuilds the table of a finished run. The steps are given as
// parallel slices of per-step values indexed by fiber-1. The table is
// returned frozen.
func LoadTable(fibers, capacity int, cal coords.Calibration, coupling, left, right [][]int) (*Table, error) {
	if len(left) != len(coupling) || len(right) != len(coupling) {
		return nil, fmt.Errorf("%w: %d/%d/%d steps", ErrOutOfBounds, len(coupling), len(left), len(right))
	}

	t := NewTable(fibers, capacity, cal)
	for step := range coupling {
		if err := t.Append(coupling[step], left[step], right[step]); err != nil {
			return nil, fmt.Errorf("step %d: %w", step, err)
		}
	}
	t.freeze()

	return t, nil
}

// At returns the sample of fiber (1-based) at step (0-based).
func (t *Table) At(fiber, step int) (Sample, error) {
	if err := t.checkFiber(fiber); err != nil {
		return Sample{}, err
	}
	if step < 0 || step >= t.steps {
		return Sample{}, fmt.Errorf("%w: step %d not in [0, %d)", ErrOutOfBounds, step, t.steps)
	}

	idx := (fiber-1)*t.capacity + step

	return Sample{
		Coupling: t.coupling[idx],
		Left:     t.left[idx],
		Right:    t.right[idx],
		Position: coords.Position{X: t.x[idx], Y: t.y[idx]},
	}, nil
}

// Coupling returns a copy of the coupling series of fiber.
func (t *Table) Coupling(fiber int) []int { return t.series(t.coupling, fiber) }

// Left returns a copy of the left bias series of fiber.
func (t *Table) Left(fiber int) []int { return t.series(t.left, fiber) }

// Right returns a copy of the right bias series of fiber.
func (t *Table) Right(fiber int) []int { return t.series(t.right, fiber) }

// X returns a copy of the horizontal position series of fiber.
func (t *Table) X(fiber int) []float64 { return t.seriesFloat(t.x, fiber) }

// Y returns a copy of the vertical position series of fiber.
func (t *Table) Y(fiber int) []float64 { return t.seriesFloat(t.y, fiber) }

// Summary describes the coupling series of one fiber.
type Summary struct {
	Fiber    int
	Steps    int
	Final    Sample
	Max      int
	MaxStep  int
	MaxPoint coords.Position
	Mean     float64
	StdDev   float64
}

// Summary computes the statistics of the coupling series of fiber.
func (t *Table) Summary(fiber int) (Summary, error) {
	if err := t.checkFiber(fiber); err != nil {
		return Summary{}, err
	}
	if t.steps == 0 {
		return Summary{}, ErrNoSamples
	}

	values := make([]float64, t.steps)
	for i, v := range t.Coupling(fiber) {
		values[i] = float64(v)
	}

	s := Summary{Fiber: fiber, Steps: t.steps}
	s.Final, _ = t.At(fiber, t.steps-1)

	s.MaxStep = floats.MaxIdx(values)
	best, _ := t.At(fiber, s.MaxStep)
	s.Max = best.Coupling
	s.MaxPoint = best.Position

	if t.steps > 1 {
		s.Mean, s.StdDev = stat.MeanStdDev(values, nil)
	} else {
		s.Mean = values[0]
	}

	return s, nil
}

func (t *Table) checkFiber(fiber int) error {
	if fiber < 1 || fiber > t.fibers {
		return fmt.Errorf("%w: fiber %d not in [1, %d]", ErrOutOfBounds, fiber, t.fibers)
	}

	return nil
}

func (t *Table) series(src []int, fiber int) []int {
	if t.checkFiber(fiber) != nil {
		return nil
	}
	start := (fiber - 1) * t.capacity

	return append([]int(nil), src[start:start+t.steps]...)
}

func (t *Table) seriesFloat(src []float64, fiber int) []float64 {
	if t.checkFiber(fiber) != nil {
		return nil
	}
	start := (fiber - 1) * t.capacity

	return append([]float64(nil), src[start:start+t.steps]...)
}
