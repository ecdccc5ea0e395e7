package domain

// SessionState is the mapped lifecycle state of a session.
type SessionState int

const (
	StateConnecting SessionState = iota
	StateConnected
	StateDegraded
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MapTransportState maps a raw connection or ICE state name onto a SessionState.
// Unknown values (for example "checking" or "completed") map to the nearest
// non-terminal state.
func MapTransportState(raw string) SessionState {
	switch raw {
	case "new", "connecting", "checking":
		return StateConnecting
	case "connected", "completed":
		return StateConnected
	case "disconnected", "failed", "closed":
		return StateClosed
	default:
		return StateConnecting
	}
}
