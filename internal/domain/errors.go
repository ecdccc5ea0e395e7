package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrEndOfStream is returned by FrameSource.Next after a short read.
	ErrEndOfStream = errors.New("end of stream")

	// ErrNotReady is returned when the side channel is not open yet.
	ErrNotReady = errors.New("side channel not ready")

	// ErrClosed is returned by operations on a closed resource.
	ErrClosed = errors.New("closed")
)

// CaptureError reports a missing, dead or misconfigured capture producer.
type CaptureError struct {
	Backend    string
	Diagnostic string
	Err        error
}

func (e *CaptureError) Error() string {
	msg := "capture"
	if e.Backend != "" {
		msg += " (" + e.Backend + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Diagnostic != "" {
		msg += ": " + e.Diagnostic
	}
	return msg
}

func (e *CaptureError) Unwrap() error { return e.Err }

// HandshakeError reports a failed signaling exchange or a malformed answer.
type HandshakeError struct {
	Status int
	Body   string
	Err    error
}

func (e *HandshakeError) Error() string {
	switch {
	case e.Status != 0 && e.Err != nil:
		return fmt.Sprintf("handshake: http %d: %v", e.Status, e.Err)
	case e.Status != 0:
		return fmt.Sprintf("handshake: http %d: %s", e.Status, e.Body)
	case e.Err != nil:
		return "handshake: " + e.Err.Error()
	default:
		return "handshake: " + e.Body
	}
}

func (e *HandshakeError) Unwrap() error { return e.Err }

// TransportFailure reports a connection or ICE state that reached a terminal value.
type TransportFailure struct {
	Source string // "connection" or "ice"
	State  string
}

func (e *TransportFailure) Error() string {
	return fmt.Sprintf("transport: %s state %s", e.Source, e.State)
}

// WatchdogTimeout reports that no liveness activity arrived within the timeout.
type WatchdogTimeout struct {
	Silence time.Duration
	Timeout time.Duration
}

func (e *WatchdogTimeout) Error() string {
	return fmt.Sprintf("watchdog: no activity for %s (timeout %s)", e.Silence.Round(time.Millisecond), e.Timeout)
}

// Cause classifies err into a stable label for logs and metrics.
func Cause(err error) string {
	var (
		capErr *CaptureError
		hsErr  *HandshakeError
		trErr  *TransportFailure
		wdErr  *WatchdogTimeout
	)
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, context.Canceled):
		return "shutdown"
	case errors.As(err, &capErr):
		return "capture"
	case errors.Is(err, ErrEndOfStream):
		return "end_of_stream"
	case errors.As(err, &hsErr):
		return "handshake"
	case errors.As(err, &trErr):
		return "transport"
	case errors.As(err, &wdErr):
		return "watchdog"
	default:
		return "unknown"
	}
}
