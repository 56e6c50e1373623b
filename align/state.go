package align

import "sync/atomic"

// State is the state of an alignment run.
type State uint32

const (
	// IdleState indicates that no run has been started.
	IdleState State = iota
	// RunningState indicates that the firmware accepted START and steps may be taken.
	RunningState
	// FaultedState indicates that a step failed; only Stop and Close are allowed.
	FaultedState
	// StoppedState indicates that the run ended and its table is frozen.
	StoppedState
)

// String returns string representation of the state.
func (s State) String() string {
	switch s {
	case IdleState:
		return "idle"
	case RunningState:
		return "running"
	case FaultedState:
		return "faulted"
	case StoppedState:
		return "stopped"
	default:
		return "unknown"
	}
}

// IsIdle returns if the state is idle.
func (s State) IsIdle() bool { return s == IdleState }

// IsRunning returns if the state is running.
func (s State) IsRunning() bool { return s == RunningState }

// IsFaulted returns if the state is faulted.
func (s State) IsFaulted() bool { return s == FaultedState }

// IsStopped returns if the state is stopped.
func (s State) IsStopped() bool { return s == StoppedState }

// IsActive returns if the run holds the device lease.
func (s State) IsActive() bool { return s == RunningState || s == FaultedState }

// AtomicState holds a State that can be read without locking.
type AtomicState struct {
	state atomic.Uint32
}

// Get returns the current state.
func (st *AtomicState) Get() State {
	return State(st.state.Load())
}

func (st *AtomicState) String() string {
	return st.Get().String()
}

// ToRunning moves Idle to Running.
func (st *AtomicState) ToRunning() bool {
	return st.state.CompareAndSwap(uint32(IdleState), uint32(RunningState))
}

// ToFaulted moves Running to Faulted. A faulted run stays faulted.
func (st *AtomicState) ToFaulted() bool {
	if st.Get().IsFaulted() {
		return true
	}

	return st.state.CompareAndSwap(uint32(RunningState), uint32(FaultedState))
}

// ToStopped moves Running or Faulted to Stopped.
func (st *AtomicState) ToStopped() bool {
	if st.Get().IsStopped() {
		return true
	}

	if st.state.CompareAndSwap(uint32(RunningState), uint32(StoppedState)) {
		return true
	}

	return st.state.CompareAndSwap(uint32(FaultedState), uint32(StoppedState))
}
