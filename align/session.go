package align

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/microalign/go-mac/coords"
	"github.com/microalign/go-mac/device"
	"github.com/microalign/go-mac/frame"
	"github.com/microalign/go-mac/logger"
	"github.com/microalign/go-mac/transport"
)

var (
	// ErrRejected indicates that the firmware did not acknowledge START or STOP.
	ErrRejected = errors.New("align: rejected by controller")

	// ErrInvalidState indicates an operation not allowed in the current state.
	ErrInvalidState = errors.New("align: invalid state")

	// ErrInvalidConfig indicates start parameters rejected before sending.
	ErrInvalidConfig = errors.New("align: invalid start configuration")
)

// Leaser is the part of a device session a run needs.
type Leaser interface {
	Lease() (*device.Lease, error)
}

// StepResult is the outcome of one step, indexed by fiber-1.
type StepResult struct {
	Step      int
	Coupling  []int
	Left      []int
	Right     []int
	Positions []coords.Position
}

// Session is a single alignment run on a device session.
type Session struct {
	mu     sync.Mutex
	dev    Leaser
	cfg    *config
	state  AtomicState
	lease  *device.Lease
	table  *Table
	logger logger.Logger
}

// New creates an idle run on dev.
func New(dev Leaser, opts ...Option) (*Session, error) {
	if dev == nil {
		return nil, errors.New("align: device must not be nil")
	}

	cfg := &config{
		capacity:    DefaultStepCapacity,
		stepTimeout: DefaultStepTimeout,
		cal:         coords.Micrometers,
		logger:      logger.GetLogger(),
	}
	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return &Session{dev: dev, cfg: cfg, logger: cfg.logger}, nil
}

// State returns the current state of the run.
func (s *Session) State() State { return s.state.Get() }

// Table returns the table of the run, or nil before Start succeeded.
func (s *Session) Table() *Table {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.table
}

// Start takes the device lease and sends START. The run is Running only if
// the firmware answers exactly "STARTING\n"; on any other outcome the lease is
// released and the run stays Idle.
func (s *Session) Start(ctx context.Context, sc frame.StartConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.state.Get(); !st.IsIdle() {
		return fmt.Errorf("%w: start in %s", ErrInvalidState, st)
	}
	if sc.Samples < 1 {
		return fmt.Errorf("%w: samples %d", ErrInvalidConfig, sc.Samples)
	}

	lease, err := s.dev.Lease()
	if err != nil {
		return err
	}

	line := sc.Encode()
	reply, err := lease.Exchange(ctx, line, s.cfg.stepTimeout)
	if err != nil {
		lease.Release()
		if errors.Is(err, transport.ErrTimeout) {
			return fmt.Errorf("%w: start: %w", ErrRejected, err)
		}

		return err
	}
	if reply != frame.ReplyStarting {
		lease.Release()
		s.logger.Warn("alignment start rejected", "command", line, "reply", reply)

		return fmt.Errorf("%w: start: reply %q", ErrRejected, reply)
	}

	s.lease = lease
	s.table = NewTable(lease.FiberCount(), s.cfg.capacity, s.cfg.cal)
	s.state.ToRunning()
	s.logger.Info("alignment started", "samples", sc.Samples, "min_step_bits", sc.MinStepBits,
		"fibers", lease.FiberCount(), "capacity", s.cfg.capacity)

	return nil
}

// Step advances the algorithm by one step and appends it to the table.
//
// Both NEXT exchanges are issued before either frame is decoded, so the
// firmware stays in phase even when a frame is malformed. Any failure faults the run
// and leaves the table unchanged. A full table fails with ErrTableFull
// without touching the wire.
func (s *Session) Step(ctx context.Context) (StepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if st := s.state.Get(); !st.IsRunning() {
		return StepResult{}, fmt.Errorf("%w: step in %s", ErrInvalidState, st)
	}
	if s.table.Full() {
		return StepResult{}, fmt.Errorf("%w: capacity %d", ErrTableFull, s.table.Capacity())
	}

	couplingLine, err := s.lease.Exchange(ctx, frame.Next(), s.cfg.stepTimeout)
	if err != nil {
		return StepResult{}, s.fault("coupling frame", err)
	}
	biasLine, err := s.lease.Exchange(ctx, frame.Next(), s.cfg.stepTimeout)
	if err != nil {
		return StepResult{}, s.fault("bias frame", err)
	}

	n := s.table.Fibers()
	coupling, err := frame.DecodeCouplingFrame(couplingLine, n)
	if err != nil {
		s.lease.Metrics().IncParseErrCount()
		return StepResult{}, s.fault("coupling frame", err)
	}
	left, right, err := frame.DecodeBiasFrame(biasLine, n)
	if err != nil {
		s.lease.Metrics().IncParseErrCount()
		return StepResult{}, s.fault("bias frame", err)
	}

	step := s.table.Len()
	if err := s.table.Append(coupling, left, right); err != nil {
		return StepResult{}, s.fault("append", err)
	}

	res := StepResult{
		Step:      step,
		Coupling:  coupling,
		Left:      left,
		Right:     right,
		Positions: make([]coords.Position, n),
	}
	for i := 0; i < n; i++ {
		sample, _ := s.table.At(i+1, step)
		res.Positions[i] = sample.Position
	}

	s.logger.Debug("alignment step", "step", step, "coupling", coupling)

	return res, nil
}

// Stop sends STOP and ends the run. "STOPPED\n" and "OK\n" are both accepted
// as acknowledgment; any other reply fails with ErrRejected and leaves the
// state unchanged.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.stop(ctx)
}

// Close stops an active run on a best-effort basis and releases the device
// lease in any case. Closing an idle or stopped run is a no-op.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.state.Get().IsActive() {
		return nil
	}

	err := s.stop(ctx)
	if s.lease != nil {
		s.logger.Warn("alignment not acknowledged as stopped, releasing device", "error", err)
		s.finish()
	}

	return err
}

// Run starts a run with sc and steps until the table is full, ctx is done or
// fn returns an error. The run is always stopped; errors are joined.
// fn may be nil.
func (s *Session) Run(ctx context.Context, sc frame.StartConfig, fn func(StepResult) error) (*Table, error) {
	if err := s.Start(ctx, sc); err != nil {
		return nil, err
	}

	var runErr error
	for {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}

		res, err := s.Step(ctx)
		if errors.Is(err, ErrTableFull) {
			break
		}
		if err != nil {
			runErr = err
			break
		}

		if fn != nil {
			if err := fn(res); err != nil {
				runErr = err
				break
			}
		}
	}

	stopErr := s.Close(context.WithoutCancel(ctx))

	return s.Table(), errors.Join(runErr, stopErr)
}

// stop must be called with s.mu held.
func (s *Session) stop(ctx context.Context) error {
	st := s.state.Get()
	if !st.IsActive() {
		return fmt.Errorf("%w: stop in %s", ErrInvalidState, st)
	}

	reply, err := s.lease.Exchange(ctx, frame.Stop(), s.cfg.stepTimeout)
	if err != nil {
		return fmt.Errorf("%w: stop: %w", ErrRejected, err)
	}
	if reply != frame.ReplyStopped && reply != frame.ReplyOK {
		s.logger.Warn("alignment stop rejected", "reply", reply)
		return fmt.Errorf("%w: stop: reply %q", ErrRejected, reply)
	}

	s.finish()
	s.logger.Info("alignment stopped", "steps", s.table.Len())

	return nil
}

// finish freezes the table and gives the device back. Must be called with s.mu held.
func (s *Session) finish() {
	s.table.freeze()
	s.lease.Release()
	s.lease = nil
	s.state.ToStopped()
}

// fault must be called with s.mu held.
func (s *Session) fault(what string, err error) error {
	s.state.ToFaulted()
	s.logger.Error("alignment step failed", "frame", what, "step", s.table.Len(), "error", err)

	return fmt.Errorf("align: step %d %s: %w", s.table.Len(), what, err)
}
