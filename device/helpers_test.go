package device

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/microalign/go-mac/transport"
)

const (
	testIdentity        = "MicroAlign BV., Model MAC-8 v2.1\n"
	testIdentifyTimeout = 50 * time.Millisecond
	testCommandTimeout  = 100 * time.Millisecond
)

// portName returns a port name unique to the running test, so the
// process-wide port claims of different tests never collide.
func portName(t *testing.T, name string) string {
	t.Helper()
	return t.Name() + "/" + name
}

// testOptions wires bus into the session with short timeouts.
func testOptions(bus *transport.MockBus, opts ...Option) []Option {
	defaults := []Option{
		WithLister(bus.List),
		WithOpener(bus.Open),
		WithIdentifyTimeout(testIdentifyTimeout),
		WithCommandTimeout(testCommandTimeout),
	}

	return append(defaults, opts...)
}

// newTestSession connects to a simulated controller answering identification
// and then script.
func newTestSession(t *testing.T, script map[string][]string, opts ...Option) (*Session, *transport.MockPort) {
	t.Helper()

	table := map[string][]string{"*IDN?": {testIdentity}}
	for k, v := range script {
		table[k] = v
	}

	bus := transport.NewMockBus()
	port := transport.NewMockPort(transport.Script(table))
	name := portName(t, "ttyUSB0")
	bus.Attach(name, port)

	sess, err := Connect(context.Background(), name, testOptions(bus, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })

	return sess, port
}
