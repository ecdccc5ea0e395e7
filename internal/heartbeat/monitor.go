// Package heartbeat probes a session's side channel with periodic pings and
// fails the session when neither a pong nor any other inbound traffic has
// been seen within the timeout.
package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
	"golang.org/x/sync/errgroup"

	"roomlink/native/internal/domain"
	"roomlink/native/internal/logging"
)

// Lifecycle states.
const (
	StateIdle    = "idle"
	StateActive  = "active"
	StateStopped = "stopped"
)

// maxRTT discards echoed timestamps that cannot belong to a recent ping.
const maxRTT = time.Minute

// Sender is the side-channel surface the monitor needs.
type Sender interface {
	SendText(text string) error
	SideChannelOpen() bool
}

// Config holds monitor timings.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
	Tick     time.Duration
}

type ping struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type reply struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp"`
}

// Monitor runs the ping task and the watchdog task for one session attempt.
// Health state is fresh per Monitor.
type Monitor struct {
	cfg    Config
	ch     Sender
	logger *slog.Logger
	now    func() time.Time
	onPong func(rtt time.Duration)

	lifecycle *fsm.FSM

	lastPongAt     atomic.Int64
	lastActivityAt atomic.Int64
	pings          atomic.Uint64
	pongs          atomic.Uint64
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.logger = l }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// WithPongHandler is called for every pong. rtt is zero when the reply
// did not echo a usable timestamp.
func WithPongHandler(fn func(rtt time.Duration)) Option {
	return func(m *Monitor) { m.onPong = fn }
}

// New creates an idle monitor over ch.
func New(ch Sender, cfg Config, opts ...Option) *Monitor {
	m := &Monitor{
		cfg:    cfg,
		ch:     ch,
		logger: logging.GetLogger("heartbeat"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.lifecycle = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			{Name: "start", Src: []string{StateIdle}, Dst: StateActive},
			{Name: "stop", Src: []string{StateIdle, StateActive}, Dst: StateStopped},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				m.logger.Debug("heartbeat state", "from", e.Src, "to", e.Dst)
			},
		},
	)

	start := m.now().UnixNano()
	m.lastPongAt.Store(start)
	m.lastActivityAt.Store(start)
	return m
}

// State returns the lifecycle state.
func (m *Monitor) State() string {
	return m.lifecycle.Current()
}

// Run starts the ping and watchdog tasks and blocks until ctx is cancelled
// or the watchdog fires. A fired watchdog returns *domain.WatchdogTimeout;
// cancellation returns nil. Run may be called once.
func (m *Monitor) Run(ctx context.Context) error {
	if err := m.lifecycle.Event(context.Background(), "start"); err != nil {
		return err
	}
	defer func() { _ = m.lifecycle.Event(context.Background(), "stop") }()

	// Silence is measured from the start of the run, not construction.
	start := m.now().UnixNano()
	m.lastPongAt.Store(start)
	m.lastActivityAt.Store(start)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.pingLoop(gctx) })
	g.Go(func() error { return m.watchdogLoop(gctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// Stop moves an idle monitor straight to stopped.
func (m *Monitor) Stop() {
	_ = m.lifecycle.Event(context.Background(), "stop")
}

func (m *Monitor) pingLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.sendPing()
		}
	}
}

func (m *Monitor) sendPing() {
	if !m.ch.SideChannelOpen() {
		m.logger.Debug("side channel not open, skipping ping")
		return
	}
	data, _ := json.Marshal(ping{Type: "ping", Timestamp: m.now().UnixMilli()})
	if err := m.ch.SendText(string(data)); err != nil {
		m.logger.Warn("ping send failed", "error", err)
		return
	}
	m.pings.Add(1)
}

func (m *Monitor) watchdogLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if silence := m.Silence(); silence > m.cfg.Timeout {
				m.logger.Warn("heartbeat timeout",
					"silence", silence.Round(time.Millisecond),
					"timeout", m.cfg.Timeout,
					"pings", m.pings.Load(),
					"pongs", m.pongs.Load())
				return &domain.WatchdogTimeout{Silence: silence, Timeout: m.cfg.Timeout}
			}
		}
	}
}

// Silence is the time since the latest pong or inbound activity.
func (m *Monitor) Silence() time.Duration {
	last := max(m.lastPongAt.Load(), m.lastActivityAt.Load())
	return m.now().Sub(time.Unix(0, last))
}

// Touch records inbound activity of any kind.
func (m *Monitor) Touch() {
	m.lastActivityAt.Store(m.now().UnixNano())
}

// HandleMessage inspects one inbound side-channel message. Every message is
// activity; a {"type":"pong"} message also refreshes the pong time.
func (m *Monitor) HandleMessage(text string) {
	now := m.now()
	m.lastActivityAt.Store(now.UnixNano())

	var r reply
	if err := json.Unmarshal([]byte(text), &r); err != nil || r.Type != "pong" {
		return
	}
	m.lastPongAt.Store(now.UnixNano())
	m.pongs.Add(1)

	var rtt time.Duration
	if r.Timestamp > 0 {
		sent := time.UnixMilli(int64(r.Timestamp))
		if d := now.Sub(sent); d >= 0 && d < maxRTT {
			rtt = d
		}
	}
	m.logger.Debug("pong", "rtt", rtt)
	if m.onPong != nil {
		m.onPong(rtt)
	}
}
