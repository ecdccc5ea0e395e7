// Package systemd reports readiness, status and watchdog keepalives to the
// service manager. Outside systemd every call is a no-op.
package systemd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"roomlink/native/internal/events"
	"roomlink/native/internal/logging"
)

// Notifier sends sd_notify messages.
type Notifier struct {
	logger   *slog.Logger
	notify   func(state string) (bool, error)
	interval func() (time.Duration, error)
}

// New creates a Notifier bound to $NOTIFY_SOCKET.
func New() *Notifier {
	return &Notifier{
		logger: logging.GetLogger("systemd"),
		notify: func(state string) (bool, error) {
			return daemon.SdNotify(false, state)
		},
		interval: func() (time.Duration, error) {
			return daemon.SdWatchdogEnabled(false)
		},
	}
}

func (n *Notifier) send(state string) {
	if _, err := n.notify(state); err != nil {
		n.logger.Debug("sd_notify failed", "state", state, "error", err)
	}
}

// Ready signals that startup finished.
func (n *Notifier) Ready() { n.send(daemon.SdNotifyReady) }

// Stopping signals that shutdown began.
func (n *Notifier) Stopping() { n.send(daemon.SdNotifyStopping) }

// Status sets the free-form status line shown by systemctl.
func (n *Notifier) Status(format string, args ...any) {
	n.send("STATUS=" + fmt.Sprintf(format, args...))
}

// Watch sends WATCHDOG=1 at half the unit's WatchdogSec until ctx is done.
// Returns immediately when the unit has no watchdog.
func (n *Notifier) Watch(ctx context.Context) {
	d, err := n.interval()
	if err != nil {
		n.logger.Warn("watchdog settings invalid", "error", err)
		return
	}
	if d <= 0 {
		return
	}

	ticker := time.NewTicker(d / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}

// Subscribe mirrors session lifecycle events into the status line.
func (n *Notifier) Subscribe(bus *events.Bus) func() {
	unsubs := []func(){
		bus.Subscribe(func(e events.AttemptStarted) {
			n.Status("attempt %d: connecting", e.Attempt)
		}),
		bus.Subscribe(func(e events.HandshakeCompleted) {
			n.Status("attempt %d: streaming", e.Attempt)
		}),
		bus.Subscribe(func(e events.AttemptEnded) {
			n.Status("attempt %d ended (%s), reconnecting", e.Attempt, e.Cause)
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
