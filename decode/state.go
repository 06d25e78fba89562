package decode

import "errors"

// ErrInvalidState reports an operation attempted outside its legal
// lifecycle state. Always wrapped; match with errors.Is, the message
// names the states involved.
var ErrInvalidState = errors.New("invalid state")

// State is the engine lifecycle position. Transitions only move
// forward; a released engine is never reused, a new one is built.
type State int32

const (
	// StateUninitialized is the zero value before Configure.
	StateUninitialized State = iota
	// StateConfigured has a built pipeline that is not yet running.
	StateConfigured
	// StateStarted is actively decoding.
	StateStarted
	// StateStopped has halted decoding but still holds resources.
	StateStopped
	// StateReleased has freed everything. Terminal.
	StateReleased
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConfigured:
		return "configured"
	case StateStarted:
		return "started"
	case StateStopped:
		return "stopped"
	case StateReleased:
		return "released"
	default:
		return "invalid"
	}
}

// canAdvance reports whether the transition from -> to is legal.
// Release is reachable from every non-terminal state so teardown can
// always complete; everything else moves strictly forward.
func canAdvance(from, to State) bool {
	switch from {
	case StateUninitialized:
		return to == StateConfigured || to == StateReleased
	case StateConfigured:
		return to == StateStarted || to == StateReleased
	case StateStarted:
		return to == StateStopped || to == StateReleased
	case StateStopped:
		return to == StateReleased
	default:
		return false
	}
}
