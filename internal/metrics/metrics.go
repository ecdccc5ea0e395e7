// Package metrics provides Prometheus metrics for session attempts, capture
// and heartbeat health.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"roomlink/native/internal/events"
)

const namespace = "roomlink"

var (
	attemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "attempts_total",
		Help:      "Session attempts started",
	})

	failuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "failures_total",
		Help:      "Session attempts ended, by cause",
	}, []string{"cause"})

	connected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "connected",
		Help:      "1 while the transport reports connected",
	})

	sessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "duration_seconds",
		Help:      "Lifetime of session attempts",
		Buckets:   []float64{1, 5, 15, 60, 300, 1800, 3600, 6 * 3600, 24 * 3600},
	})

	handshakeSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "handshake_seconds",
		Help:      "Time from attempt start to applied answer",
		Buckets:   prometheus.DefBuckets,
	})

	framesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "capture",
		Name:      "frames_total",
		Help:      "Audio frames forwarded to the transport",
	})

	heartbeatRTT = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "heartbeat",
		Name:      "rtt_seconds",
		Help:      "Round-trip time of the most recent echoed pong",
	})

	pongsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "heartbeat",
		Name:      "pongs_total",
		Help:      "Heartbeat replies received",
	})

	rtcpPackets = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "rtcp",
		Name:      "packets_total",
		Help:      "Inbound RTCP packets, by type",
	}, []string{"type"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// IncFrames counts one forwarded frame.
func IncFrames() {
	framesTotal.Inc()
}

// ObserveRTCP counts inbound RTCP packets by type.
func ObserveRTCP(kinds []string) {
	for _, k := range kinds {
		rtcpPackets.WithLabelValues(k).Inc()
	}
}

// connTracker owns the connected gauge. The bus delivers each event type on
// its own goroutine, so a state change may arrive after its attempt ended.
type connTracker struct {
	mu    sync.Mutex
	ended int // highest attempt that has ended
}

func (c *connTracker) state(e events.StateChanged) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e.Attempt <= c.ended {
		return
	}
	if e.State == "connected" {
		connected.Set(1)
	} else {
		connected.Set(0)
	}
}

func (c *connTracker) end(attempt int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ended = max(c.ended, attempt)
	connected.Set(0)
}

// Subscribe feeds lifecycle events from bus into the collectors.
// The returned function unsubscribes.
func Subscribe(bus *events.Bus) func() {
	var conn connTracker
	unsubs := []func(){
		bus.Subscribe(func(events.AttemptStarted) {
			attemptsTotal.Inc()
		}),
		bus.Subscribe(func(e events.HandshakeCompleted) {
			handshakeSeconds.Observe(e.Elapsed.Seconds())
		}),
		bus.Subscribe(func(e events.StateChanged) {
			if e.Source == "connection" {
				conn.state(e)
			}
		}),
		bus.Subscribe(func(e events.PongReceived) {
			pongsTotal.Inc()
			if e.RTT > 0 {
				heartbeatRTT.Set(e.RTT.Seconds())
			}
		}),
		bus.Subscribe(func(e events.AttemptEnded) {
			conn.end(e.Attempt)
			failuresTotal.WithLabelValues(e.Cause).Inc()
			sessionDuration.Observe(e.Duration.Seconds())
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
