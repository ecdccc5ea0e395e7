package events

import "time"

// Event type constants for kelindar/event.
const (
	TypeAttemptStarted uint32 = iota + 1
	TypeHandshakeCompleted
	TypeStateChanged
	TypePongReceived
	TypeAttemptEnded
)

// Event interface required by kelindar/event.
type Event interface {
	Type() uint32
}

// AttemptStarted is published when a session attempt begins.
type AttemptStarted struct {
	Attempt   int
	AttemptID string
	At        time.Time
}

// Type returns the event type identifier for AttemptStarted.
func (e AttemptStarted) Type() uint32 { return TypeAttemptStarted }

// HandshakeCompleted is published once the answer has been applied.
type HandshakeCompleted struct {
	Attempt   int
	AttemptID string
	Elapsed   time.Duration
}

// Type returns the event type identifier for HandshakeCompleted.
func (e HandshakeCompleted) Type() uint32 { return TypeHandshakeCompleted }

// StateChanged is published for every connection or ICE state transition.
type StateChanged struct {
	Attempt int
	Source  string // "connection" or "ice"
	Raw     string
	State   string // mapped session state
}

// Type returns the event type identifier for StateChanged.
func (e StateChanged) Type() uint32 { return TypeStateChanged }

// PongReceived is published for each heartbeat reply. RTT is zero when the
// reply did not echo the ping timestamp.
type PongReceived struct {
	Attempt int
	RTT     time.Duration
}

// Type returns the event type identifier for PongReceived.
func (e PongReceived) Type() uint32 { return TypePongReceived }

// AttemptEnded is published after an attempt has been torn down.
type AttemptEnded struct {
	Attempt   int
	AttemptID string
	Cause     string
	Err       string
	Duration  time.Duration
}

// Type returns the event type identifier for AttemptEnded.
func (e AttemptEnded) Type() uint32 { return TypeAttemptEnded }
