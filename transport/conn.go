package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/microalign/go-mac/logger"
)

const (
	// pollInterval bounds a single blocking Read so that context cancellation
	// is noticed while waiting for a line.
	pollInterval = 100 * time.Millisecond

	// MaxLineLength is the longest line ReadLine accepts before giving up.
	MaxLineLength = 4096

	readChunkSize = 256
)

// Sentinel errors for the transport layer.
var (
	ErrNotFound    = errors.New("transport: port not found")
	ErrPortBusy    = errors.New("transport: port busy")
	ErrTimeout     = errors.New("transport: read timeout")
	ErrWriteFailed = errors.New("transport: failed to write to serial port")
	ErrClosed      = errors.New("transport: connection closed")
	ErrLineTooLong = errors.New("transport: line exceeds maximum length")
)

// Conn is a line-oriented connection over a serial port.
//
// Conn is NOT goroutine-safe.
type Conn struct {
	name    string
	port    Port
	logger  logger.Logger
	buf     []byte
	pending []byte

	closeOnce sync.Once
	closeErr  error
	closed    bool
}

// Open opens the named serial port and wraps it in a Conn.
func Open(name string, opts ...Option) (*Conn, error) {
	cfg := &config{
		mode:   DefaultMode(),
		opener: OpenSerial,
		logger: logger.GetLogger(),
	}
	for _, opt := range opts {
		if err := opt.apply(cfg); err != nil {
			return nil, err
		}
	}

	port, err := cfg.opener(name, cfg.mode)
	if err != nil {
		return nil, err
	}

	return NewConn(name, port, cfg.logger), nil
}

// NewConn wraps an already opened port. The Conn takes ownership of the port.
func NewConn(name string, port Port, l logger.Logger) *Conn {
	if l == nil {
		l = logger.GetLogger()
	}

	return &Conn{
		name:   name,
		port:   port,
		logger: l.With("port", name),
		buf:    make([]byte, readChunkSize),
	}
}

// Name returns the port name the connection was opened on.
func (c *Conn) Name() string { return c.name }

// WriteLine writes text to the port, appending a newline when missing.
func (c *Conn) WriteLine(ctx context.Context, text string) error {
	if c.closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if !strings.HasSuffix(text, "\n") {
		text += "\n"
	}

	c.logger.Debug("serial tx", "line", text)

	data := []byte(text)
	n, err := c.port.Write(data)
	if err != nil {
		return fmt.Errorf("transport: write %s: %w", c.name, err)
	}
	if n != len(data) {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrWriteFailed, n, len(data))
	}

	return nil
}

// ReadLine reads a single line, including its trailing newline.
//
// If no newline arrives before timeout, the partial text received so far is
// returned together with ErrTimeout and is discarded from the buffer.
func (c *Conn) ReadLine(ctx context.Context, timeout time.Duration) (string, error) {
	if c.closed {
		return "", ErrClosed
	}

	deadline := time.Now().Add(timeout)

	for {
		if i := bytes.IndexByte(c.pending, '\n'); i >= 0 {
			line := string(c.pending[:i+1])
			c.pending = c.pending[i+1:]
			c.logger.Debug("serial rx", "line", line)

			return line, nil
		}

		if len(c.pending) > MaxLineLength {
			c.pending = c.pending[:0]
			return "", fmt.Errorf("%w: %d bytes without newline", ErrLineTooLong, MaxLineLength)
		}

		if err := ctx.Err(); err != nil {
			return "", err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			partial := string(c.pending)
			c.pending = c.pending[:0]
			c.logger.Debug("serial rx timeout", "timeout", timeout, "partial", partial)

			return partial, fmt.Errorf("%w after %v", ErrTimeout, timeout)
		}

		if err := c.port.SetReadTimeout(min(remaining, pollInterval)); err != nil {
			return "", fmt.Errorf("transport: set read timeout on %s: %w", c.name, err)
		}

		n, err := c.port.Read(c.buf)
		c.pending = append(c.pending, c.buf[:n]...)
		if err != nil {
			return "", fmt.Errorf("transport: read %s: %w", c.name, err)
		}
	}
}

// Exchange writes line and reads a single reply line. Input left over from
// an earlier exchange, such as a reply that arrived after its timeout, is
// discarded first so it is never taken for the reply to line.
func (c *Conn) Exchange(ctx context.Context, line string, timeout time.Duration) (string, error) {
	if err := c.DiscardInput(); err != nil {
		return "", err
	}
	if err := c.WriteLine(ctx, line); err != nil {
		return "", err
	}

	return c.ReadLine(ctx, timeout)
}

// DiscardInput drops buffered text and the unread input of the port.
func (c *Conn) DiscardInput() error {
	if c.closed {
		return ErrClosed
	}

	if len(c.pending) > 0 {
		c.logger.Debug("discarding stale input", "data", string(c.pending))
		c.pending = c.pending[:0]
	}
	if err := c.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("transport: reset input of %s: %w", c.name, err)
	}

	return nil
}

// Close releases the serial port. It is safe to call Close more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed = true
		c.pending = nil
		c.closeErr = c.port.Close()
		c.logger.Debug("serial port closed")
	})

	return c.closeErr
}
