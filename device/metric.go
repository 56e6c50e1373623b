package device

import "sync/atomic"

// Metrics contains atomic counters of a device session.
// Counters can be used as the value of a prometheus CounterFunc.
type Metrics struct {
	// CommandCount indicates the number of commands written to the controller.
	CommandCount atomic.Uint64
	// RejectCount indicates the number of commands answered with an unexpected reply.
	RejectCount atomic.Uint64
	// ParseErrCount indicates the number of replies that could not be decoded.
	ParseErrCount atomic.Uint64
	// TimeoutCount indicates the number of replies that did not arrive in time.
	TimeoutCount atomic.Uint64
}

func (m *Metrics) incCommandCount() {
	m.CommandCount.Add(1)
}

func (m *Metrics) incRejectCount() {
	m.RejectCount.Add(1)
}

// IncParseErrCount records a reply that failed to decode outside of this package.
func (m *Metrics) IncParseErrCount() {
	m.ParseErrCount.Add(1)
}

func (m *Metrics) incTimeoutCount() {
	m.TimeoutCount.Add(1)
}
