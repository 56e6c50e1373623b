package device

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/microalign/go-mac/frame"
	"github.com/microalign/go-mac/transport"
)

// claims holds the ports bound by a live session in this process.
var claims = xsync.NewMapOf[string, struct{}]()

func claimPort(name string) bool {
	_, loaded := claims.LoadOrStore(name, struct{}{})
	return !loaded
}

func releasePort(name string) {
	claims.Delete(name)
}

// probeState classifies a reply to the identification query.
type probeState int

const (
	probeMismatch probeState = iota
	probeBusy
	probeMatched
)

func (s probeState) String() string {
	switch s {
	case probeBusy:
		return "busy"
	case probeMatched:
		return "matched"
	default:
		return "mismatch"
	}
}

func classify(reply string) probeState {
	switch {
	case reply == frame.ReplyStopped:
		return probeBusy
	case strings.HasPrefix(reply, frame.IdentityPrefix):
		return probeMatched
	default:
		return probeMismatch
	}
}

var errIdentityMismatch = errors.New("device: unexpected identification reply")

// Discover probes the serial ports of the host and binds the first one that
// answers the identification query like a MicroAlign controller.
//
// A controller still running an alignment answers STOPPED to the first query;
// the query is repeated once and the second reply decides. Every port is
// tried exactly once and is closed again when it does not match. Ports
// already bound by a session of this process are skipped.
func Discover(ctx context.Context, opts ...Option) (*Session, error) {
	cfg, err := NewConfig(opts...)
	if err != nil {
		return nil, err
	}

	names, err := cfg.lister()
	if err != nil {
		return nil, fmt.Errorf("device: list serial ports: %w", err)
	}

	probed := 0
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if !claimPort(name) {
			cfg.logger.Debug("port already bound, skipping", "port", name)
			continue
		}

		probed++
		conn, identity, err := probe(ctx, cfg, name)
		if err != nil {
			releasePort(name)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			cfg.logger.Debug("port is not a controller", "port", name, "error", err)

			continue
		}

		cfg.logger.Info("controller found", "port", name, "identity", identity)

		return newSession(cfg, conn, identity), nil
	}

	return nil, fmt.Errorf("%w: %d of %d ports probed", ErrDeviceNotFound, probed, len(names))
}

// Connect performs the identification handshake against the named port only.
func Connect(ctx context.Context, name string, opts ...Option) (*Session, error) {
	cfg, err := NewConfig(opts...)
	if err != nil {
		return nil, err
	}

	if !claimPort(name) {
		return nil, fmt.Errorf("%w: %s", ErrPortInUse, name)
	}

	conn, identity, err := probe(ctx, cfg, name)
	if err != nil {
		releasePort(name)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}

		return nil, fmt.Errorf("%w: %s: %w", ErrDeviceNotFound, name, err)
	}

	cfg.logger.Info("controller connected", "port", name, "identity", identity)

	return newSession(cfg, conn, identity), nil
}

// probe opens name and runs the identification handshake. The port is closed
// on every failure path.
func probe(ctx context.Context, cfg *Config, name string) (*transport.Conn, string, error) {
	conn, err := transport.Open(name,
		transport.WithMode(cfg.mode),
		transport.WithOpener(cfg.opener),
		transport.WithLogger(cfg.logger),
	)
	if err != nil {
		return nil, "", err
	}

	identity, err := identify(ctx, cfg, conn)
	if err != nil {
		_ = conn.Close()
		return nil, "", err
	}

	return conn, identity, nil
}

func identify(ctx context.Context, cfg *Config, conn *transport.Conn) (string, error) {
	reply, err := conn.Exchange(ctx, frame.Identify(), cfg.identifyTimeout)
	if err != nil {
		return "", err
	}

	state := classify(reply)
	if state == probeBusy {
		cfg.logger.Debug("controller busy, repeating identification", "port", conn.Name())

		reply, err = conn.Exchange(ctx, frame.Identify(), cfg.identifyTimeout)
		if err != nil {
			return "", err
		}
		state = classify(reply)
	}

	if state != probeMatched {
		return "", fmt.Errorf("%w: %q (%s)", errIdentityMismatch, reply, state)
	}

	return strings.TrimRight(reply, "\r\n"), nil
}
