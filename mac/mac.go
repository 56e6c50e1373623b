// Package mac positions the fibers of a MicroAlign controller in physical
// coordinates.
//
// A MAC keeps one coords.Fiber per fiber of the device and translates axis
// moves into bias writes. The coordinate state of a fiber is only updated
// after the controller acknowledged the new bias pair, so a rejected or
// timed-out write leaves the reported position where the fiber still is.
package mac

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/microalign/go-mac/align"
	"github.com/microalign/go-mac/coords"
	"github.com/microalign/go-mac/device"
	"github.com/microalign/go-mac/frame"
	"github.com/microalign/go-mac/logger"
)

const (
	// PDVoltageToMilliwatts converts photodetector readings to milliwatts.
	PDVoltageToMilliwatts = 3259.0

	// FloorDBm is reported for readings with no measurable power.
	FloorDBm = -35.0
)

// Device is the part of a device session MAC needs.
type Device interface {
	SetBias(ctx context.Context, fiber, left, right int) error
	ReadCoupling(ctx context.Context, fiber, samples int) (frame.Coupling, error)
	FiberCount() int
}

// MAC moves fibers by position instead of bias. It is safe for concurrent use.
type MAC struct {
	mu     sync.Mutex
	dev    Device
	fibers []*coords.Fiber
	logger logger.Logger
}

// New creates a MAC with every fiber at the centre position.
func New(dev Device, cal coords.Calibration) (*MAC, error) {
	if err := cal.Validate(); err != nil {
		return nil, err
	}

	fibers := make([]*coords.Fiber, dev.FiberCount())
	for i := range fibers {
		fibers[i] = coords.NewFiber(cal)
	}

	return &MAC{dev: dev, fibers: fibers, logger: logger.GetLogger()}, nil
}

// SetLogger replaces the logger.
func (m *MAC) SetLogger(l logger.Logger) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger = l
}

// MoveStep moves fiber by delta along axis and returns the new position.
func (m *MAC) MoveStep(ctx context.Context, fiber int, axis coords.Axis, delta float64) (coords.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := m.fiber(fiber)
	if err != nil {
		return coords.Position{}, err
	}

	cur := f.Position()
	v, err := cur.Get(axis)
	if err != nil {
		return cur, err
	}
	target, _ := cur.With(axis, v+delta)

	m.logger.Debug("move step", "fiber", fiber, "axis", axis, "delta", delta)

	return m.move(ctx, fiber, f, target)
}

// MoveAbsolute moves fiber to pos along axis and returns the new position.
func (m *MAC) MoveAbsolute(ctx context.Context, fiber int, axis coords.Axis, pos float64) (coords.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := m.fiber(fiber)
	if err != nil {
		return coords.Position{}, err
	}

	target, err := f.Position().With(axis, pos)
	if err != nil {
		return f.Position(), err
	}

	m.logger.Debug("move absolute", "fiber", fiber, "axis", axis, "position", pos)

	return m.move(ctx, fiber, f, target)
}

// MoveRelative moves fiber to rel along axis, relative to the fiber's origin,
// and returns the new absolute position.
func (m *MAC) MoveRelative(ctx context.Context, fiber int, axis coords.Axis, rel float64) (coords.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := m.fiber(fiber)
	if err != nil {
		return coords.Position{}, err
	}

	relTarget, err := f.RelativePosition().With(axis, rel)
	if err != nil {
		return f.Position(), err
	}
	origin := f.Origin()
	target := coords.Position{X: origin.X + relTarget.X, Y: origin.Y + relTarget.Y}

	m.logger.Debug("move relative", "fiber", fiber, "axis", axis, "relative", rel)

	return m.move(ctx, fiber, f, target)
}

// MoveTo moves fiber to the absolute position p on both axes.
func (m *MAC) MoveTo(ctx context.Context, fiber int, p coords.Position) (coords.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := m.fiber(fiber)
	if err != nil {
		return coords.Position{}, err
	}

	return m.move(ctx, fiber, f, p)
}

// SetOrigin takes the current position of fiber on axis as its origin.
func (m *MAC) SetOrigin(fiber int, axis coords.Axis) (coords.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := m.fiber(fiber)
	if err != nil {
		return coords.Position{}, err
	}
	if err := f.SetOrigin(axis); err != nil {
		return f.Position(), err
	}

	m.logger.Info("origin set", "fiber", fiber, "axis", axis, "origin_x", f.Origin().X, "origin_y", f.Origin().Y)

	return f.Position(), nil
}

// Position returns the absolute position of fiber.
func (m *MAC) Position(fiber int) (coords.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := m.fiber(fiber)
	if err != nil {
		return coords.Position{}, err
	}

	return f.Position(), nil
}

// RelativePosition returns the position of fiber relative to its origin.
func (m *MAC) RelativePosition(fiber int) (coords.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := m.fiber(fiber)
	if err != nil {
		return coords.Position{}, err
	}

	return f.RelativePosition(), nil
}

// SyncRun takes the final bias pair of every fiber of an alignment run as
// the fiber's current position, so that later moves start where the
// firmware left the fibers. Origins are kept.
func (m *MAC) SyncRun(table *align.Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if table.Fibers() != len(m.fibers) {
		return fmt.Errorf("%w: run has %d fibers, device %d", device.ErrInvalidFiber, table.Fibers(), len(m.fibers))
	}
	if table.Len() == 0 {
		return align.ErrNoSamples
	}

	last := table.Len() - 1
	for i, f := range m.fibers {
		sample, err := table.At(i+1, last)
		if err != nil {
			return err
		}
		f.SetBias(sample.Left, sample.Right)
	}

	m.logger.Debug("fibers synced from alignment run", "steps", table.Len())

	return nil
}

// Power returns the average coupling of fiber over samples measurements.
func (m *MAC) Power(ctx context.Context, fiber, samples int) (int, error) {
	c, err := m.Power3(ctx, fiber, samples)
	if err != nil {
		return 0, err
	}

	return c.Avg, nil
}

// Power3 returns the minimum, maximum and average coupling of fiber.
func (m *MAC) Power3(ctx context.Context, fiber, samples int) (frame.Coupling, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.fiber(fiber); err != nil {
		return frame.Coupling{}, err
	}

	return m.dev.ReadCoupling(ctx, fiber, samples)
}

// PowerDBm returns the average coupling of fiber in dBm.
func (m *MAC) PowerDBm(ctx context.Context, fiber, samples int) (float64, error) {
	v, err := m.Power(ctx, fiber, samples)
	if err != nil {
		return FloorDBm, err
	}

	return ToDBm(float64(v)), nil
}

// ToDBm converts a linear photodetector reading to dBm. A reading of zero
// (or below) maps to FloorDBm.
func ToDBm(v float64) float64 {
	if v <= 0 {
		return FloorDBm
	}

	return 10 * math.Log10(v/PDVoltageToMilliwatts)
}

// move must be called with m.mu held.
func (m *MAC) move(ctx context.Context, fiber int, f *coords.Fiber, target coords.Position) (coords.Position, error) {
	planned, bias, err := f.Plan(target)
	if err != nil {
		m.logger.Warn("position out of range", "fiber", fiber, "x", target.X, "y", target.Y)
		return f.Position(), err
	}

	left, right := coords.RoundBias(bias[0]), coords.RoundBias(bias[1])
	if err := m.dev.SetBias(ctx, fiber, left, right); err != nil {
		return f.Position(), err
	}

	if err := f.SetPosition(planned); err != nil {
		return f.Position(), err
	}

	return f.Position(), nil
}

func (m *MAC) fiber(n int) (*coords.Fiber, error) {
	if n < 1 || n > len(m.fibers) {
		return nil, fmt.Errorf("%w: %d not in [1, %d]", device.ErrInvalidFiber, n, len(m.fibers))
	}

	return m.fibers[n-1], nil
}
