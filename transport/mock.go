package transport

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Responder produces the raw bytes a simulated device sends back for one
// received command line (without its newline). Returning nothing simulates
// a silent device.
type Responder func(line string) []string

// Replies returns a Responder answering successive commands with the given
// replies in order, whatever the command. Once exhausted the device stays silent.
func Replies(replies ...string) Responder {
	var mu sync.Mutex
	queue := append([]string(nil), replies...)

	return func(string) []string {
		mu.Lock()
		defer mu.Unlock()

		if len(queue) == 0 {
			return nil
		}
		r := queue[0]
		queue = queue[1:]

		return []string{r}
	}
}

// MockPort implements Port as a scripted serial device for testing.
type MockPort struct {
	mu          sync.Mutex
	responder   Responder
	rx          bytes.Buffer
	tx          bytes.Buffer
	lines       []string
	readTimeout time.Duration
	notify      chan struct{}
	closed      bool
	closeCalls  int

	// WriteError is returned by the next Write call if set.
	WriteError error
	// ShortWrite makes Write report one byte less than requested.
	ShortWrite bool
}

var _ Port = (*MockPort)(nil)

// NewMockPort creates a simulated port answering with r. A nil responder never answers.
func NewMockPort(r Responder) *MockPort {
	return &MockPort{
		responder: r,
		notify:    make(chan struct{}, 1),
	}
}

// Read returns buffered reply bytes, waiting up to the read timeout for data.
// Like go.bug.st/serial it returns 0, nil when the timeout expires.
func (m *MockPort) Read(p []byte) (int, error) {
	var timer <-chan time.Time

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return 0, errors.New("mock serial port closed")
		}
		if m.rx.Len() > 0 {
			n, _ := m.rx.Read(p)
			m.mu.Unlock()
			return n, nil
		}
		if timer == nil && m.readTimeout > 0 {
			timer = time.After(m.readTimeout)
		}
		m.mu.Unlock()

		select {
		case <-m.notify:
		case <-timer:
			return 0, nil
		}
	}
}

// Write records the written bytes and feeds every completed line to the responder.
func (m *MockPort) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, errors.New("mock serial port closed")
	}
	if m.WriteError != nil {
		err := m.WriteError
		m.WriteError = nil
		return 0, err
	}

	n := len(p)
	if m.ShortWrite && n > 0 {
		n--
	}
	m.tx.Write(p[:n])

	for {
		data := m.tx.Bytes()
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		line := string(data[:i])
		m.tx.Next(i + 1)
		m.lines = append(m.lines, line)

		if m.responder != nil {
			for _, reply := range m.responder(line) {
				m.rx.WriteString(reply)
			}
		}
	}
	m.signal()

	return n, nil
}

// SetReadTimeout implements Port.
func (m *MockPort) SetReadTimeout(t time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readTimeout = t
	return nil
}

// ResetInputBuffer implements Port by dropping unread reply bytes.
func (m *MockPort) ResetInputBuffer() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rx.Reset()
	return nil
}

// Close marks the port as closed.
func (m *MockPort) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.closeCalls++
	m.signal()

	return nil
}

// Feed injects unsolicited bytes as if the device had sent them.
func (m *MockPort) Feed(data string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rx.WriteString(data)
	m.signal()
}

// Lines returns every command line written to the port, without newlines.
func (m *MockPort) Lines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	return append([]string(nil), m.lines...)
}

// Closed reports whether Close was called.
func (m *MockPort) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.closed
}

// CloseCalls returns the number of Close calls.
func (m *MockPort) CloseCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.closeCalls
}

// signal wakes a blocked reader. Must be called with m.mu held.
func (m *MockPort) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// MockBus simulates the set of serial ports on a host. It provides a Lister
// and an Opener and records every open attempt.
type MockBus struct {
	mu       sync.Mutex
	order    []string
	ports    map[string]*MockPort
	failures map[string]error
	opens    map[string]int
	modes    []*Mode
}

// NewMockBus creates an empty bus.
func NewMockBus() *MockBus {
	return &MockBus{
		ports:    make(map[string]*MockPort),
		failures: make(map[string]error),
		opens:    make(map[string]int),
	}
}

// Attach adds a simulated device under name.
func (b *MockBus) Attach(name string, p *MockPort) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.ports[name]; !ok {
		if _, failing := b.failures[name]; !failing {
			b.order = append(b.order, name)
		}
	}
	b.ports[name] = p
}

// Fail lists name as a port whose open fails with err.
func (b *MockBus) Fail(name string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.ports[name]; !ok {
		if _, failing := b.failures[name]; !failing {
			b.order = append(b.order, name)
		}
	}
	b.failures[name] = err
}

// List implements Lister in attachment order.
func (b *MockBus) List() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]string(nil), b.order...), nil
}

// Open implements Opener.
func (b *MockBus) Open(name string, mode *Mode) (Port, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.opens[name]++
	b.modes = append(b.modes, mode)

	if err, ok := b.failures[name]; ok {
		return nil, err
	}
	p, ok := b.ports[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	return p, nil
}

// OpenCount returns how many times name was opened.
func (b *MockBus) OpenCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.opens[name]
}

// LastMode returns the mode passed to the most recent Open, or nil.
func (b *MockBus) LastMode() *Mode {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.modes) == 0 {
		return nil
	}
	return b.modes[len(b.modes)-1]
}

// Script returns a Responder that answers each command by exact match from
// table; unmatched commands get no reply. Entries may hold several replies
// consumed in order on repeated commands; the last one repeats.
func Script(table map[string][]string) Responder {
	var mu sync.Mutex
	seen := make(map[string]int)

	return func(line string) []string {
		mu.Lock()
		defer mu.Unlock()

		key := strings.TrimSpace(line)
		replies, ok := table[key]
		if !ok || len(replies) == 0 {
			return nil
		}
		i := seen[key]
		seen[key]++
		if i >= len(replies) {
			i = len(replies) - 1
		}

		return []string{replies[i]}
	}
}
