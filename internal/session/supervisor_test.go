package session

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"roomlink/native/internal/domain"
	"roomlink/native/internal/events"
)

func channelFactory(ch *fakeChannel) ChannelFactory {
	return func() (domain.SessionChannel, error) { return ch, nil }
}

func runAsync(ctx context.Context, s *Supervisor) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, 1) }()
	return done
}

func waitResult(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("attempt did not end")
		return nil
	}
}

func waitHandshake(t *testing.T, ch *fakeChannel) {
	t.Helper()
	select {
	case <-ch.remote:
	case <-time.After(5 * time.Second):
		t.Fatal("handshake never applied the answer")
	}
}

func TestSupervisor_ConcurrentTriggersTearDownOnce(t *testing.T) {
	for i := 0; i < 20; i++ {
		src := newFakeSource()
		ch := newFakeChannel(false)
		s := NewSupervisor(&fakeOpener{src: src}, channelFactory(ch), okSignaler(), testSettings(), nil)

		done := runAsync(context.Background(), s)
		waitHandshake(t, ch)

		start := make(chan struct{})
		var wg sync.WaitGroup
		for _, trigger := range []func(){
			func() { ch.emitConn("failed") },
			func() { ch.emitICE("disconnected") },
			func() { src.fail <- &domain.CaptureError{Backend: "pulse", Err: errors.New("exit status 1")} },
		} {
			wg.Add(1)
			go func(fire func()) {
				defer wg.Done()
				<-start
				fire()
			}(trigger)
		}
		close(start)

		err := waitResult(t, done)
		wg.Wait()

		assert.Contains(t, []string{"transport", "capture"}, domain.Cause(err))
		assert.Equal(t, int32(1), src.closes.Load(), "source closes")
		assert.Equal(t, int32(1), ch.closes.Load(), "channel closes")
	}
}

func TestSupervisor_HandshakeFailureCleansUp(t *testing.T) {
	src := newFakeSource()
	ch := newFakeChannel(false)
	sig := &fakeSignaler{err: &domain.HandshakeError{Status: 500, Body: "pipeline crashed"}}
	s := NewSupervisor(&fakeOpener{src: src}, channelFactory(ch), sig, testSettings(), nil)

	err := s.Run(context.Background(), 1)

	var hsErr *domain.HandshakeError
	require.ErrorAs(t, err, &hsErr)
	assert.Equal(t, 500, hsErr.Status)
	assert.Equal(t, int32(1), src.closes.Load())
	assert.Equal(t, int32(1), ch.closes.Load())
	assert.False(t, ch.remoteSet.Load())
}

func TestSupervisor_SignalingTimeout(t *testing.T) {
	src := newFakeSource()
	ch := newFakeChannel(false)
	settings := testSettings()
	settings.SignalingTimeout = 50 * time.Millisecond
	s := NewSupervisor(&fakeOpener{src: src}, channelFactory(ch), &fakeSignaler{block: true}, settings, nil)

	err := s.Run(context.Background(), 1)

	assert.Equal(t, "handshake", domain.Cause(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), src.closes.Load())
	assert.Equal(t, int32(1), ch.closes.Load())
}

func TestSupervisor_RejectsInvalidAnswers(t *testing.T) {
	tests := []struct {
		name   string
		answer domain.SDPPayload
	}{
		{"wrong type", domain.SDPPayload{SDP: validAnswerSDP, Type: "offer"}},
		{"not sdp", domain.SDPPayload{SDP: "<html>", Type: "answer"}},
		{"no audio", domain.SDPPayload{
			SDP:  "v=0\r\no=- 1 1 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\nm=application 9 UDP/DTLS/SCTP webrtc-datachannel\r\n",
			Type: "answer",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newFakeSource()
			ch := newFakeChannel(false)
			s := NewSupervisor(&fakeOpener{src: src}, channelFactory(ch), &fakeSignaler{answer: tt.answer}, testSettings(), nil)

			err := s.Run(context.Background(), 1)

			assert.Equal(t, "handshake", domain.Cause(err))
			assert.False(t, ch.remoteSet.Load())
			assert.Equal(t, int32(1), ch.closes.Load())
		})
	}
}

func TestSupervisor_CaptureOpenFailure(t *testing.T) {
	var built atomic.Int32
	factory := func() (domain.SessionChannel, error) {
		built.Add(1)
		return newFakeChannel(false), nil
	}
	opener := &fakeOpener{err: &domain.CaptureError{Backend: "pulse,alsa", Err: errors.New("no backend")}}
	s := NewSupervisor(opener, factory, okSignaler(), testSettings(), nil)

	err := s.Run(context.Background(), 1)

	assert.Equal(t, "capture", domain.Cause(err))
	assert.Zero(t, built.Load())
}

func TestSupervisor_ChannelFailureClosesSource(t *testing.T) {
	src := newFakeSource()
	factory := func() (domain.SessionChannel, error) { return nil, errors.New("no interfaces") }
	s := NewSupervisor(&fakeOpener{src: src}, factory, okSignaler(), testSettings(), nil)

	err := s.Run(context.Background(), 1)

	require.Error(t, err)
	assert.Equal(t, int32(1), src.closes.Load())
}

func TestSupervisor_MetadataOnOpenAndShutdown(t *testing.T) {
	src := newFakeSource()
	ch := newFakeChannel(false)
	s := NewSupervisor(&fakeOpener{src: src}, channelFactory(ch), okSignaler(), testSettings(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, s)
	waitHandshake(t, ch)

	ch.openSide()
	require.Eventually(t, func() bool {
		return slices.Contains(ch.messages(), `{"room":"kitchen","client":"test"}`)
	}, time.Second, 5*time.Millisecond)

	cancel()
	err := waitResult(t, done)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "shutdown", domain.Cause(err))
	assert.Equal(t, int32(1), src.closes.Load())
	assert.Equal(t, int32(1), ch.closes.Load())
}

func TestSupervisor_ForwardsFrames(t *testing.T) {
	src := newFakeSource()
	ch := newFakeChannel(false)
	var hooked atomic.Int32
	s := NewSupervisor(&fakeOpener{src: src}, channelFactory(ch), okSignaler(), testSettings(), nil).
		WithFrameHook(func() { hooked.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, s)

	for i := 0; i < 3; i++ {
		src.frames <- domain.Frame{Sequence: uint64(i * 320), Samples: make([]int16, 320), SampleRate: 16000, Channels: 1}
	}
	require.Eventually(t, func() bool { return ch.written.Load() == 3 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return hooked.Load() == 3 }, time.Second, 5*time.Millisecond)

	cancel()
	waitResult(t, done)
}

func TestSupervisor_EndOfStreamEndsAttempt(t *testing.T) {
	src := newFakeSource()
	ch := newFakeChannel(false)
	s := NewSupervisor(&fakeOpener{src: src}, channelFactory(ch), okSignaler(), testSettings(), nil)

	done := runAsync(context.Background(), s)
	waitHandshake(t, ch)
	src.fail <- domain.ErrEndOfStream

	err := waitResult(t, done)
	assert.Equal(t, "end_of_stream", domain.Cause(err))
}

func TestSupervisor_WatchdogTimeout(t *testing.T) {
	src := newFakeSource()
	ch := newFakeChannel(false)
	settings := testSettings()
	settings.Heartbeat.Timeout = 100 * time.Millisecond
	s := NewSupervisor(&fakeOpener{src: src}, channelFactory(ch), okSignaler(), settings, nil)

	start := time.Now()
	err := s.Run(context.Background(), 1)

	assert.Equal(t, "watchdog", domain.Cause(err))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, int32(1), ch.closes.Load())
}

func TestSupervisor_PublishesLifecycle(t *testing.T) {
	bus := events.New()
	defer bus.Close()

	var (
		mu    sync.Mutex
		ended []events.AttemptEnded
		seen  atomic.Int32
	)
	defer bus.Subscribe(func(events.AttemptStarted) { seen.Add(1) })()
	defer bus.Subscribe(func(events.HandshakeCompleted) { seen.Add(1) })()
	defer bus.Subscribe(func(e events.AttemptEnded) {
		mu.Lock()
		ended = append(ended, e)
		mu.Unlock()
	})()

	src := newFakeSource()
	ch := newFakeChannel(false)
	s := NewSupervisor(&fakeOpener{src: src}, channelFactory(ch), okSignaler(), testSettings(), bus)

	done := runAsync(context.Background(), s)
	waitHandshake(t, ch)
	ch.emitConn("failed")
	waitResult(t, done)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(ended) == 1 && seen.Load() == 2
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "transport", ended[0].Cause)
	assert.Equal(t, 1, ended[0].Attempt)
	assert.NotEmpty(t, ended[0].AttemptID)
	assert.Contains(t, ended[0].Err, "failed")
}

// The server link drops long after the heartbeat timeout would have fired
// without pongs. The attempt must end on the state change, and the loop
// must start a fresh attempt after the retry delay.
func TestEndToEnd_DisconnectTriggersReconnect(t *testing.T) {
	const (
		timeout    = 100 * time.Millisecond
		retryDelay = 30 * time.Millisecond
	)

	settings := testSettings()
	settings.Heartbeat.Interval = 20 * time.Millisecond
	settings.Heartbeat.Timeout = timeout
	settings.Heartbeat.Tick = 10 * time.Millisecond

	var (
		mu       sync.Mutex
		channels []*fakeChannel
	)
	factory := func() (domain.SessionChannel, error) {
		ch := newFakeChannel(true)
		mu.Lock()
		channels = append(channels, ch)
		mu.Unlock()
		return ch, nil
	}
	opener := &fakeOpener{src: newFakeSource()}
	s := NewSupervisor(opener, factory, okSignaler(), settings, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type outcome struct {
		err     error
		elapsed time.Duration
	}
	var (
		outcomes []outcome
		waits    []time.Duration
	)
	run := func(ctx context.Context, attempt int) error {
		if attempt == 2 {
			cancel()
			return ctx.Err()
		}
		opener.src = newFakeSource()
		start := time.Now()
		err := s.Run(ctx, attempt)
		outcomes = append(outcomes, outcome{err: err, elapsed: time.Since(start)})
		return err
	}
	wait := func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return sleep(ctx, d)
	}

	go func() {
		var ch *fakeChannel
		for ch == nil {
			mu.Lock()
			if len(channels) > 0 {
				ch = channels[0]
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
		}

		<-ch.remote
		ch.emitConn("connected")
		ch.openSide()
		time.Sleep(2 * timeout)
		ch.emitConn("disconnected")
	}()

	err := NewLoop(run, retryDelay).WithWait(wait).Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	require.Len(t, outcomes, 1)
	first := outcomes[0]
	var trErr *domain.TransportFailure
	require.ErrorAs(t, first.err, &trErr)
	assert.Equal(t, "disconnected", trErr.State)
	assert.GreaterOrEqual(t, first.elapsed, 2*timeout)
	assert.Equal(t, []time.Duration{retryDelay}, waits)

	mu.Lock()
	defer mu.Unlock()
	ch := channels[0]
	var pings int
	for _, m := range ch.messages() {
		if m != `{"room":"kitchen","client":"test"}` {
			pings++
		}
	}
	assert.Positive(t, pings, "heartbeat pinged the open channel")
	assert.Equal(t, int32(1), ch.closes.Load())
}
