package device

import (
	"errors"
	"fmt"
	"time"

	"github.com/microalign/go-mac/logger"
	"github.com/microalign/go-mac/transport"
)

const (
	// DefaultFiberCount is the number of fibers of a standard controller.
	DefaultFiberCount = 8

	// DefaultIdentifyTimeout bounds the reply to the identification query.
	DefaultIdentifyTimeout = 1 * time.Second

	// DefaultCommandTimeout bounds the reply to a steady-state command.
	DefaultCommandTimeout = 10 * time.Second

	// MaxFiberCount is the largest fiber count accepted by WithFiberCount.
	MaxFiberCount = 64
)

// Config holds the configuration of a device session.
type Config struct {
	mode            transport.Mode
	identifyTimeout time.Duration
	commandTimeout  time.Duration
	fibers          int
	lister          transport.Lister
	opener          transport.Opener
	logger          logger.Logger
}

// Option is a functional option for Discover and Connect.
type Option interface {
	apply(*Config) error
}

type optFunc func(*Config) error

func (f optFunc) apply(cfg *Config) error { return f(cfg) }

// NewConfig creates a configuration with defaults, then applies opts in order.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := &Config{
		mode:            *transport.DefaultMode(),
		identifyTimeout: DefaultIdentifyTimeout,
		commandTimeout:  DefaultCommandTimeout,
		fibers:          DefaultFiberCount,
		lister:          transport.ListPorts,
		opener:          transport.OpenSerial,
		logger:          logger.GetLogger(),
	}

	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// FiberCount returns the number of fibers of the controller.
func (cfg *Config) FiberCount() int { return cfg.fibers }

// IdentifyTimeout returns the identification reply timeout.
func (cfg *Config) IdentifyTimeout() time.Duration { return cfg.identifyTimeout }

// CommandTimeout returns the steady-state reply timeout.
func (cfg *Config) CommandTimeout() time.Duration { return cfg.commandTimeout }

// BaudRate returns the serial baud rate.
func (cfg *Config) BaudRate() int { return cfg.mode.BaudRate }

// Logger returns the configured logger.
func (cfg *Config) Logger() logger.Logger { return cfg.logger }

// WithBaudRate sets the serial baud rate. The default is 115200.
func WithBaudRate(baud int) Option {
	return optFunc(func(cfg *Config) error {
		if baud <= 0 {
			return fmt.Errorf("device: invalid baud rate %d", baud)
		}
		cfg.mode.BaudRate = baud

		return nil
	})
}

// WithMode sets all serial line parameters.
func WithMode(m transport.Mode) Option {
	return optFunc(func(cfg *Config) error {
		norm, err := m.Normalize()
		if err != nil {
			return err
		}
		cfg.mode = norm

		return nil
	})
}

// WithIdentifyTimeout sets the timeout of the identification reply.
func WithIdentifyTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d <= 0 {
			return fmt.Errorf("device: invalid identify timeout %v", d)
		}
		cfg.identifyTimeout = d

		return nil
	})
}

// WithCommandTimeout sets the timeout of SetBias and ReadCoupling replies.
func WithCommandTimeout(d time.Duration) Option {
	return optFunc(func(cfg *Config) error {
		if d <= 0 {
			return fmt.Errorf("device: invalid command timeout %v", d)
		}
		cfg.commandTimeout = d

		return nil
	})
}

// WithFiberCount sets the number of fibers of the controller.
func WithFiberCount(n int) Option {
	return optFunc(func(cfg *Config) error {
		if n < 1 || n > MaxFiberCount {
			return fmt.Errorf("device: fiber count %d out of range [1, %d]", n, MaxFiberCount)
		}
		cfg.fibers = n

		return nil
	})
}

// WithLister replaces the serial port enumeration used by Discover.
func WithLister(l transport.Lister) Option {
	return optFunc(func(cfg *Config) error {
		if l == nil {
			return errors.New("device: lister must not be nil")
		}
		cfg.lister = l

		return nil
	})
}

// WithOpener replaces the function opening serial ports.
func WithOpener(op transport.Opener) Option {
	return optFunc(func(cfg *Config) error {
		if op == nil {
			return errors.New("device: opener must not be nil")
		}
		cfg.opener = op

		return nil
	})
}

// WithLogger sets the logger of the session.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(cfg *Config) error {
		if l == nil {
			return errors.New("device: logger must not be nil")
		}
		cfg.logger = l

		return nil
	})
}
