package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/microalign/go-mac/frame"
	"github.com/microalign/go-mac/logger"
	"github.com/microalign/go-mac/transport"
)

// Sentinel errors of the device session.
var (
	ErrDeviceNotFound   = errors.New("device: no MicroAlign controller found")
	ErrProtocolRejected = errors.New("device: command rejected by controller")
	ErrInvalidFiber     = errors.New("device: invalid fiber index")
	ErrInvalidArgument  = errors.New("device: invalid argument")
	ErrSessionLeased    = errors.New("device: session is leased")
	ErrSessionClosed    = errors.New("device: session closed")
	ErrLeaseReleased    = errors.New("device: lease released")
	ErrPortInUse        = errors.New("device: port already bound by another session")
)

// Session is a bound connection to a controller. It serializes exchanges and
// is safe for concurrent use.
type Session struct {
	mu       sync.Mutex
	cfg      *Config
	conn     *transport.Conn
	identity string
	logger   logger.Logger
	lease    *Lease
	closed   bool
	metrics  Metrics
}

func newSession(cfg *Config, conn *transport.Conn, identity string) *Session {
	return &Session{
		cfg:      cfg,
		conn:     conn,
		identity: identity,
		logger:   cfg.logger.With("port", conn.Name()),
	}
}

// Port returns the name of the bound serial port.
func (s *Session) Port() string { return s.conn.Name() }

// Identity returns the identification string of the controller, without newline.
func (s *Session) Identity() string { return s.identity }

// FiberCount returns the number of fibers of the controller.
func (s *Session) FiberCount() int { return s.cfg.fibers }

// Config returns the session configuration.
func (s *Session) Config() *Config { return s.cfg }

// Metrics returns the session counters.
func (s *Session) Metrics() *Metrics { return &s.metrics }

// SetBias sets the bias pair of fiber. It succeeds only if the controller
// answers exactly "OK\n"; any other reply fails with ErrProtocolRejected.
// A missing reply fails with an error matching both ErrProtocolRejected and
// transport.ErrTimeout.
func (s *Session) SetBias(ctx context.Context, fiber, left, right int) error {
	if err := s.checkFiber(fiber); err != nil {
		return err
	}
	if !frame.ValidBias(left) || !frame.ValidBias(right) {
		return fmt.Errorf("%w: (%d, %d) outside [0, %d]", frame.ErrInvalidBias, left, right, frame.MaxBias)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(); err != nil {
		return err
	}

	reply, err := s.exchange(ctx, frame.Write(fiber, left, right), s.cfg.commandTimeout)
	if err != nil {
		if errors.Is(err, transport.ErrTimeout) {
			return fmt.Errorf("%w: WRITE %d: %w", ErrProtocolRejected, fiber, err)
		}

		return err
	}

	if reply != frame.ReplyOK {
		s.metrics.incRejectCount()
		s.logger.Warn("bias write rejected", "fiber", fiber, "left", left, "right", right, "reply", reply)

		return fmt.Errorf("%w: WRITE %d %d %d: reply %q", ErrProtocolRejected, fiber, left, right, reply)
	}

	return nil
}

// ReadCoupling reads the coupling of fiber averaged over samples measurements.
func (s *Session) ReadCoupling(ctx context.Context, fiber, samples int) (frame.Coupling, error) {
	if err := s.checkFiber(fiber); err != nil {
		return frame.Coupling{}, err
	}
	if samples < 1 {
		return frame.Coupling{}, fmt.Errorf("%w: samples %d", ErrInvalidArgument, samples)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(); err != nil {
		return frame.Coupling{}, err
	}

	reply, err := s.exchange(ctx, frame.Read(fiber, samples), s.cfg.commandTimeout)
	if err != nil {
		return frame.Coupling{}, err
	}

	c, err := frame.DecodeCoupling(reply)
	if err != nil {
		s.metrics.IncParseErrCount()
		s.logger.Warn("coupling reply not understood", "fiber", fiber, "reply", reply)

		return frame.Coupling{}, err
	}

	return c, nil
}

// Lease takes exclusive use of the session. While the lease is held, SetBias
// and ReadCoupling fail with ErrSessionLeased, as does a second Lease call.
func (s *Session) Lease() (*Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.usable(); err != nil {
		return nil, err
	}

	s.lease = &Lease{s: s}
	s.logger.Debug("session leased")

	return s.lease, nil
}

// Leased reports whether a lease is currently held.
func (s *Session) Leased() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lease != nil
}

// Close releases the serial port. It is safe to call Close more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.lease = nil

	err := s.conn.Close()
	releasePort(s.conn.Name())
	s.logger.Info("session closed")

	return err
}

func (s *Session) checkFiber(fiber int) error {
	if fiber < 1 || fiber > s.cfg.fibers {
		return fmt.Errorf("%w: %d not in [1, %d]", ErrInvalidFiber, fiber, s.cfg.fibers)
	}

	return nil
}

// usable must be called with s.mu held.
func (s *Session) usable() error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.lease != nil {
		return ErrSessionLeased
	}

	return nil
}

// exchange must be called with s.mu held.
func (s *Session) exchange(ctx context.Context, line string, timeout time.Duration) (string, error) {
	s.metrics.incCommandCount()

	reply, err := s.conn.Exchange(ctx, line, timeout)
	if errors.Is(err, transport.ErrTimeout) {
		s.metrics.incTimeoutCount()
		s.logger.Warn("controller did not answer", "command", line, "timeout", timeout, "partial", reply)
	}

	return reply, err
}

// Lease is exclusive access to a session, held for the duration of an alignment run.
type Lease struct {
	s *Session
}

// Exchange writes line and reads one reply line within timeout.
func (l *Lease) Exchange(ctx context.Context, line string, timeout time.Duration) (string, error) {
	s := l.s

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return "", ErrSessionClosed
	}
	if s.lease != l {
		return "", ErrLeaseReleased
	}

	return s.exchange(ctx, line, timeout)
}

// FiberCount returns the number of fibers of the leased session.
func (l *Lease) FiberCount() int { return l.s.cfg.fibers }

// Metrics returns the counters of the leased session.
func (l *Lease) Metrics() *Metrics { return &l.s.metrics }

// Logger returns the logger of the leased session.
func (l *Lease) Logger() logger.Logger { return l.s.logger }

// Release gives the session back. It is safe to call Release more than once.
func (l *Lease) Release() {
	s := l.s

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lease == l {
		s.lease = nil
		s.logger.Debug("session lease released")
	}
}
