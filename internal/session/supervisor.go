// Package session runs session attempts: one Supervisor run per attempt,
// repeated forever by Loop.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pion/sdp/v3"
	"golang.org/x/sync/errgroup"

	"roomlink/native/internal/capture"
	"roomlink/native/internal/domain"
	"roomlink/native/internal/events"
	"roomlink/native/internal/heartbeat"
	"roomlink/native/internal/logging"
)

// eventQueueSize bounds transport callbacks waiting for the control loop.
const eventQueueSize = 64

// SourceOpener opens the capture source for one attempt.
type SourceOpener interface {
	Open(ctx context.Context) (domain.FrameSource, error)
}

// ChannelFactory builds a fresh transport for one attempt.
type ChannelFactory func() (domain.SessionChannel, error)

// Settings configures every attempt.
type Settings struct {
	Room             string
	Client           string
	Heartbeat        heartbeat.Config
	SignalingTimeout time.Duration
	CloseTimeout     time.Duration
}

// Supervisor runs single session attempts. It holds no per-attempt state;
// every Run builds its components from scratch.
type Supervisor struct {
	opener     SourceOpener
	newChannel ChannelFactory
	signaler   domain.Signaler
	settings   Settings
	bus        *events.Bus
	onFrame    func()
	logger     *slog.Logger
}

// NewSupervisor creates a Supervisor. bus may be nil.
func NewSupervisor(opener SourceOpener, newChannel ChannelFactory, signaler domain.Signaler, settings Settings, bus *events.Bus) *Supervisor {
	return &Supervisor{
		opener:     opener,
		newChannel: newChannel,
		signaler:   signaler,
		settings:   settings,
		bus:        bus,
		onFrame:    func() {},
		logger:     logging.GetLogger("session"),
	}
}

// WithFrameHook registers fn to run after each frame is written.
func (s *Supervisor) WithFrameHook(fn func()) *Supervisor {
	s.onFrame = fn
	return s
}

// Run executes one attempt: it opens capture, builds the channel, performs
// the handshake, starts the heartbeat and blocks until the first failure.
// Every resource opened is released before Run returns. The returned error
// is the failure that ended the attempt, or ctx's error on shutdown.
func (s *Supervisor) Run(ctx context.Context, attempt int) error {
	id := uuid.NewString()
	started := time.Now()
	log := s.logger.With("attempt", attempt, "attempt_id", id)

	log.Info("session attempt starting", "room", s.settings.Room)
	s.bus.Publish(events.AttemptStarted{Attempt: attempt, AttemptID: id, At: started})

	a := &attemptRun{s: s, n: attempt, id: id, log: log}
	err := a.run(ctx)

	elapsed := time.Since(started)
	log.Info("session attempt ended", "cause", domain.Cause(err), "error", err, "duration", elapsed.Round(time.Millisecond))

	ended := events.AttemptEnded{Attempt: attempt, AttemptID: id, Cause: domain.Cause(err), Duration: elapsed}
	if err != nil {
		ended.Err = err.Error()
	}
	s.bus.Publish(ended)
	return err
}

// attemptRun is the state of one attempt. All of it is discarded on return.
type attemptRun struct {
	s   *Supervisor
	n   int
	id  string
	log *slog.Logger

	latch   *Latch
	queue   chan func()
	cleanup []func()
}

func (a *attemptRun) run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	a.latch = NewLatch(cancel)
	stop := context.AfterFunc(parent, func() { a.latch.Fire(parent.Err()) })
	defer stop()

	var g errgroup.Group
	defer a.teardown(cancel, &g)

	if err := a.start(ctx, &g); err != nil {
		if parent.Err() != nil {
			err = parent.Err()
		}
		a.latch.Fire(err)
	}

	<-a.latch.Done()
	return a.latch.Err()
}

// onCleanup pushes fn onto the teardown stack. Teardown runs it in reverse
// order of registration.
func (a *attemptRun) onCleanup(fn func()) {
	a.cleanup = append(a.cleanup, fn)
}

func (a *attemptRun) teardown(cancel context.CancelFunc, g *errgroup.Group) {
	cancel()
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}

	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(a.s.settings.CloseTimeout):
		a.log.Warn("attempt tasks still running after teardown", "timeout", a.s.settings.CloseTimeout)
	}
}

func (a *attemptRun) start(ctx context.Context, g *errgroup.Group) error {
	src, err := a.s.opener.Open(ctx)
	if err != nil {
		return err
	}
	a.onCleanup(func() {
		if err := src.Close(); err != nil {
			a.log.Debug("capture close", "error", err)
		}
	})

	ch, err := a.s.newChannel()
	if err != nil {
		return fmt.Errorf("create session channel: %w", err)
	}
	a.onCleanup(func() {
		if err := ch.Close(); err != nil {
			a.log.Debug("channel close", "error", err)
		}
	})

	hb := heartbeat.New(ch, a.s.settings.Heartbeat,
		heartbeat.WithLogger(a.log.With("component", "heartbeat")),
		heartbeat.WithPongHandler(func(rtt time.Duration) {
			a.s.bus.Publish(events.PongReceived{Attempt: a.n, RTT: rtt})
		}),
	)
	hbDone := make(chan struct{})
	hbStarted := false
	a.onCleanup(func() {
		if !hbStarted {
			hb.Stop()
			return
		}
		select {
		case <-hbDone:
		case <-time.After(a.s.settings.CloseTimeout):
			a.log.Warn("heartbeat did not stop in time")
		}
	})

	a.queue = make(chan func(), eventQueueSize)
	g.Go(func() error {
		a.dispatch(ctx)
		return nil
	})

	ch.OnConnectionStateChange(a.stateHandler(ctx, "connection"))
	ch.OnICEStateChange(a.stateHandler(ctx, "ice"))
	ch.OnSideChannelOpen(func() {
		a.post(ctx, func() { a.sendMetadata(ch) })
	})
	ch.OnSideChannelMessage(func(text string) {
		a.post(ctx, func() { hb.HandleMessage(text) })
	})
	ch.OnInboundTrack(func(kind string) {
		a.post(ctx, func() { a.log.Info("inbound track", "kind", kind) })
	})
	ch.OnInboundActivity(hb.Touch)

	frames := make(chan domain.Frame, 1)
	g.Go(func() error {
		a.latch.Fire(capture.Pump(ctx, src, frames))
		return nil
	})
	g.Go(func() error {
		a.forward(ctx, ch, frames)
		return nil
	})

	hsStart := time.Now()
	if err := a.handshake(ctx, ch); err != nil {
		return err
	}
	elapsed := time.Since(hsStart)
	a.log.Info("handshake complete", "elapsed", elapsed.Round(time.Millisecond))
	a.s.bus.Publish(events.HandshakeCompleted{Attempt: a.n, AttemptID: a.id, Elapsed: elapsed})

	hbStarted = true
	g.Go(func() error {
		defer close(hbDone)
		if err := hb.Run(ctx); err != nil {
			a.latch.Fire(err)
		}
		return nil
	})
	return nil
}

// dispatch runs queued callbacks one at a time until the attempt ends.
func (a *attemptRun) dispatch(ctx context.Context) {
	for {
		select {
		case fn := <-a.queue:
			fn()
		case <-ctx.Done():
			return
		}
	}
}

// post hands fn to the control loop. Once the attempt is over it drops fn
// instead of blocking the transport goroutine.
func (a *attemptRun) post(ctx context.Context, fn func()) {
	select {
	case a.queue <- fn:
	case <-ctx.Done():
	}
}

func (a *attemptRun) stateHandler(ctx context.Context, source string) domain.StateFunc {
	return func(state domain.SessionState, raw string) {
		a.post(ctx, func() {
			a.log.Info("transport state", "source", source, "state", raw)
			a.s.bus.Publish(events.StateChanged{Attempt: a.n, Source: source, Raw: raw, State: state.String()})
			if state == domain.StateClosed {
				a.latch.Fire(&domain.TransportFailure{Source: source, State: raw})
			}
		})
	}
}

func (a *attemptRun) sendMetadata(ch domain.SessionChannel) {
	data, _ := json.Marshal(domain.Metadata{Room: a.s.settings.Room, Client: a.s.settings.Client})
	if err := ch.SendText(string(data)); err != nil {
		a.log.Warn("metadata send failed", "error", err)
		return
	}
	a.log.Info("side channel open, metadata sent")
}

// forward writes captured frames to the outbound track.
func (a *attemptRun) forward(ctx context.Context, ch domain.SessionChannel, frames <-chan domain.Frame) {
	failing := false
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-frames:
			err := ch.WriteFrame(frame)
			switch {
			case errors.Is(err, domain.ErrClosed):
				return
			case err != nil:
				if !failing {
					a.log.Warn("frame write failing", "error", err, "sequence", frame.Sequence)
				}
				failing = true
			default:
				if failing {
					a.log.Info("frame writes recovered", "sequence", frame.Sequence)
				}
				failing = false
				a.s.onFrame()
			}
		}
	}
}

// handshake performs offer, exchange and answer within the signaling timeout.
func (a *attemptRun) handshake(ctx context.Context, ch domain.SessionChannel) error {
	ctx, cancel := context.WithTimeout(ctx, a.s.settings.SignalingTimeout)
	defer cancel()

	offer, err := ch.CreateOffer()
	if err != nil {
		return asHandshakeError(err)
	}
	local, err := ch.SetLocalDescription(ctx, offer)
	if err != nil {
		return asHandshakeError(err)
	}
	a.log.Debug("offer ready", "bytes", len(local.SDP))

	answer, err := a.s.signaler.Exchange(ctx, local)
	if err != nil {
		return asHandshakeError(err)
	}
	if err := validateAnswer(answer); err != nil {
		return err
	}
	if err := ch.SetRemoteDescription(answer); err != nil {
		return asHandshakeError(err)
	}
	return nil
}

func asHandshakeError(err error) error {
	var hsErr *domain.HandshakeError
	if errors.As(err, &hsErr) {
		return err
	}
	return &domain.HandshakeError{Err: err}
}

// validateAnswer rejects answers that are not a parseable SDP answer with
// an audio section.
func validateAnswer(answer domain.SDPPayload) error {
	if answer.Type != "answer" {
		return &domain.HandshakeError{Err: fmt.Errorf("unexpected description type %q", answer.Type)}
	}

	var desc sdp.SessionDescription
	if err := desc.UnmarshalString(answer.SDP); err != nil {
		return &domain.HandshakeError{Err: fmt.Errorf("parse answer: %w", err)}
	}
	for _, md := range desc.MediaDescriptions {
		if md.MediaName.Media == "audio" {
			return nil
		}
	}
	return &domain.HandshakeError{Err: errors.New("answer has no audio section")}
}
