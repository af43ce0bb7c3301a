package controller

import "sync/atomic"

// State is the lifecycle state of a running node.
type State int32

const (
	// StateStarting covers storage recovery and listener setup.
	StateStarting State = iota
	// StateRunning means both servers accept traffic.
	StateRunning
	// StateStopping is set once shutdown begins.
	StateStopping
	// StateStopped is final.
	StateStopped
)

// IsServing returns true while the node answers requests.
func (s State) IsServing() bool {
	return s == StateRunning
}

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

type stateHolder struct {
	v atomic.Int32
}

func (h *stateHolder) Load() State   { return State(h.v.Load()) }
func (h *stateHolder) Store(s State) { h.v.Store(int32(s)) }
