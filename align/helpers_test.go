package align

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/microalign/go-mac/device"
	"github.com/microalign/go-mac/transport"
)

const testStepTimeout = 100 * time.Millisecond

// firmware simulates the alignment algorithm of the controller. NEXT is
// answered with frames in order; an empty reply means silence.
type firmware struct {
	mu         sync.Mutex
	startReply string
	stopReply  string
	frames     []string
	next       int
}

func (f *firmware) respond(line string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var reply string
	switch {
	case line == "*IDN?":
		reply = "MicroAlign BV., Model MAC-8\n"
	case strings.HasPrefix(line, "START"):
		reply = f.startReply
	case line == "NEXT":
		if f.next < len(f.frames) {
			reply = f.frames[f.next]
			f.next++
		}
	case line == "STOP":
		reply = f.stopReply
	}

	if reply == "" {
		return nil
	}

	return []string{reply}
}

// newTestDevice connects a device session with fibers fibers to fw.
func newTestDevice(t *testing.T, fw *firmware, fibers int) (*device.Session, *transport.MockPort) {
	t.Helper()

	bus := transport.NewMockBus()
	port := transport.NewMockPort(fw.respond)
	name := t.Name() + "/ttyUSB0"
	bus.Attach(name, port)

	sess, err := device.Connect(context.Background(), name,
		device.WithOpener(bus.Open),
		device.WithFiberCount(fibers),
		device.WithIdentifyTimeout(testStepTimeout),
		device.WithCommandTimeout(testStepTimeout),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })

	return sess, port
}

func newTestRun(t *testing.T, dev Leaser, opts ...Option) *Session {
	t.Helper()

	run, err := New(dev, append([]Option{WithStepTimeout(testStepTimeout)}, opts...)...)
	require.NoError(t, err)

	return run
}

// twoFiberSteps returns the NEXT replies of n steps for two fibers, with
// coupling 10*(i+1) on fiber 1 and segments in descending fiber order.
func twoFiberSteps(n int) []string {
	frames := make([]string, 0, 2*n)
	for i := 0; i < n; i++ {
		c := (i + 1) * 10
		frames = append(frames,
			"coupling:F2C"+strconv.Itoa(c+1)+"F1C"+strconv.Itoa(c)+"\n",
			"bias:F2L2000R2000F1L"+strconv.Itoa(2000+i)+"R"+strconv.Itoa(2000-i)+"\n",
		)
	}

	return frames
}
