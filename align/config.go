package align

import (
	"errors"
	"fmt"
	"time"

	"github.com/microalign/go-mac/coords"
	"github.com/microalign/go-mac/logger"
)

const (
	// DefaultStepCapacity is the default maximum number of steps of a run.
	DefaultStepCapacity = 140

	// DefaultStepTimeout bounds each reply during a run.
	DefaultStepTimeout = 10 * time.Second
)

type config struct {
	capacity    int
	stepTimeout time.Duration
	cal         coords.Calibration
	logger      logger.Logger
}

// Option is a functional option for New.
type Option interface {
	apply(*config) error
}

type optFunc func(*config) error

func (f optFunc) apply(cfg *config) error { return f(cfg) }

// WithStepCapacity sets the maximum number of steps a run records.
func WithStepCapacity(n int) Option {
	return optFunc(func(cfg *config) error {
		if n < 1 {
			return fmt.Errorf("align: invalid step capacity %d", n)
		}
		cfg.capacity = n

		return nil
	})
}

// WithStepTimeout sets the timeout of every reply during a run.
func WithStepTimeout(d time.Duration) Option {
	return optFunc(func(cfg *config) error {
		if d <= 0 {
			return fmt.Errorf("align: invalid step timeout %v", d)
		}
		cfg.stepTimeout = d

		return nil
	})
}

// WithCalibration sets the calibration used to derive positions from bias
// pairs. The default is coords.Micrometers.
func WithCalibration(cal coords.Calibration) Option {
	return optFunc(func(cfg *config) error {
		if err := cal.Validate(); err != nil {
			return err
		}
		cfg.cal = cal

		return nil
	})
}

// WithLogger sets the logger of the run.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(cfg *config) error {
		if l == nil {
			return errors.New("align: logger must not be nil")
		}
		cfg.logger = l

		return nil
	})
}
