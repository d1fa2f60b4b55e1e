package upload

import "fmt"

// State is the lifecycle state of a Session.
type State string

const (
	StateDisconnected  State = "DISCONNECTED"
	StateConnecting    State = "CONNECTING"
	StateAuthenticated State = "AUTHENTICATED"
	StateSubsystemOpen State = "SUBSYSTEM_OPEN"
	StateStreaming     State = "STREAMING"
	StateFinalizing    State = "FINALIZING"
	StateClosed        State = "CLOSED"
	StateErrored       State = "ERRORED"
)

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateClosed
}

// transitions lists the forward moves. Errored and Closed are handled in
// canTransition.
var transitions = map[State]State{
	StateDisconnected:  StateConnecting,
	StateConnecting:    StateAuthenticated,
	StateAuthenticated: StateSubsystemOpen,
	StateSubsystemOpen: StateStreaming,
	StateStreaming:     StateFinalizing,
}

func canTransition(from, to State) bool {
	switch to {
	case StateErrored:
		return from != StateClosed && from != StateErrored
	case StateClosed:
		return from != StateClosed
	default:
		return transitions[from] == to
	}
}

func transitionError(from, to State) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
