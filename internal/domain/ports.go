package domain

import "context"

// FrameSource yields fixed-size PCM frames from a real-time capture producer.
type FrameSource interface {
	// Next blocks until exactly one frame is available. A short read yields
	// ErrEndOfStream; a dead producer yields a *CaptureError.
	Next() (Frame, error)
	// Close terminates the producer. Safe to call more than once and
	// concurrently with a blocked Next.
	Close() error
}

// Signaler exchanges a local offer for the server's answer.
type Signaler interface {
	Exchange(ctx context.Context, offer SDPPayload) (SDPPayload, error)
}

// StateFunc receives a mapped transport state and the raw state name.
type StateFunc func(state SessionState, raw string)

// SessionChannel is the thin facade over the peer-to-peer transport.
// Callbacks may fire from transport goroutines; consumers serialize them.
type SessionChannel interface {
	CreateOffer() (SDPPayload, error)
	// SetLocalDescription applies the offer and returns the final local
	// description once candidate gathering finished.
	SetLocalDescription(ctx context.Context, offer SDPPayload) (SDPPayload, error)
	SetRemoteDescription(answer SDPPayload) error

	// SendText writes to the side channel. Returns ErrNotReady until the
	// channel is open.
	SendText(text string) error
	// SideChannelOpen reports whether the side channel is open.
	SideChannelOpen() bool
	WriteFrame(frame Frame) error

	OnSideChannelOpen(fn func())
	OnSideChannelMessage(fn func(text string))
	OnConnectionStateChange(fn StateFunc)
	OnICEStateChange(fn StateFunc)
	OnInboundTrack(fn func(kind string))
	OnInboundActivity(fn func())

	Close() error
}
