package transport

import (
	"errors"

	"github.com/microalign/go-mac/logger"
)

type config struct {
	mode   *Mode
	opener Opener
	logger logger.Logger
}

// Option is a functional option for Open.
type Option interface {
	apply(*config) error
}

type optFunc func(*config) error

func (f optFunc) apply(cfg *config) error { return f(cfg) }

// WithMode sets the serial line parameters. The mode is validated up front.
func WithMode(m Mode) Option {
	return optFunc(func(cfg *config) error {
		norm, err := m.Normalize()
		if err != nil {
			return err
		}
		cfg.mode = &norm

		return nil
	})
}

// WithOpener replaces the function used to open the underlying port.
func WithOpener(op Opener) Option {
	return optFunc(func(cfg *config) error {
		if op == nil {
			return errors.New("transport: opener must not be nil")
		}
		cfg.opener = op

		return nil
	})
}

// WithLogger sets the logger for the connection.
func WithLogger(l logger.Logger) Option {
	return optFunc(func(cfg *config) error {
		if l == nil {
			return errors.New("transport: logger must not be nil")
		}
		cfg.logger = l

		return nil
	})
}
