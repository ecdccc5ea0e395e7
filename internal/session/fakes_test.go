package session

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"roomlink/native/internal/domain"
	"roomlink/native/internal/heartbeat"
)

const validAnswerSDP = "v=0\r\n" +
	"o=- 4611731400430051336 2 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n"

// fakeSource serves frames pushed by the test until it fails or closes.
type fakeSource struct {
	frames    chan domain.Frame
	fail      chan error
	closed    chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		frames: make(chan domain.Frame),
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (s *fakeSource) Next() (domain.Frame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case err := <-s.fail:
		return domain.Frame{}, err
	case <-s.closed:
		return domain.Frame{}, domain.ErrEndOfStream
	}
}

func (s *fakeSource) Close() error {
	s.closes.Add(1)
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

type fakeOpener struct {
	src   *fakeSource
	err   error
	opens atomic.Int32
}

func (o *fakeOpener) Open(ctx context.Context) (domain.FrameSource, error) {
	o.opens.Add(1)
	if o.err != nil {
		return nil, o.err
	}
	return o.src, nil
}

// fakeChannel is an in-memory SessionChannel. With autoPong set it answers
// every ping with a pong echoing the timestamp.
type fakeChannel struct {
	autoPong bool

	mu          sync.Mutex
	onOpen      func()
	onMessage   func(string)
	onConnState domain.StateFunc
	onICEState  domain.StateFunc
	onTrack     func(string)
	onActivity  func()
	sent        []string

	open      atomic.Bool
	written   atomic.Int32
	closes    atomic.Int32
	remote    chan struct{}
	remoteSet atomic.Bool
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeChannel(autoPong bool) *fakeChannel {
	return &fakeChannel{
		autoPong: autoPong,
		remote:   make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

func (c *fakeChannel) CreateOffer() (domain.SDPPayload, error) {
	return domain.SDPPayload{SDP: "v=0 offer", Type: "offer"}, nil
}

func (c *fakeChannel) SetLocalDescription(ctx context.Context, offer domain.SDPPayload) (domain.SDPPayload, error) {
	return offer, nil
}

func (c *fakeChannel) SetRemoteDescription(answer domain.SDPPayload) error {
	if c.remoteSet.CompareAndSwap(false, true) {
		close(c.remote)
	}
	return nil
}

func (c *fakeChannel) SendText(text string) error {
	if !c.open.Load() {
		return domain.ErrNotReady
	}
	c.mu.Lock()
	c.sent = append(c.sent, text)
	fn := c.onMessage
	c.mu.Unlock()

	if c.autoPong && strings.Contains(text, `"ping"`) && fn != nil {
		reply := strings.Replace(text, `"ping"`, `"pong"`, 1)
		go fn(reply)
	}
	return nil
}

func (c *fakeChannel) SideChannelOpen() bool { return c.open.Load() }

func (c *fakeChannel) WriteFrame(frame domain.Frame) error {
	select {
	case <-c.closed:
		return domain.ErrClosed
	default:
	}
	c.written.Add(1)
	return nil
}

func (c *fakeChannel) OnSideChannelOpen(fn func())              { c.set(func() { c.onOpen = fn }) }
func (c *fakeChannel) OnSideChannelMessage(fn func(text string)) { c.set(func() { c.onMessage = fn }) }
func (c *fakeChannel) OnConnectionStateChange(fn domain.StateFunc) {
	c.set(func() { c.onConnState = fn })
}
func (c *fakeChannel) OnICEStateChange(fn domain.StateFunc) { c.set(func() { c.onICEState = fn }) }
func (c *fakeChannel) OnInboundTrack(fn func(kind string))  { c.set(func() { c.onTrack = fn }) }
func (c *fakeChannel) OnInboundActivity(fn func())          { c.set(func() { c.onActivity = fn }) }

func (c *fakeChannel) set(fn func()) {
	c.mu.Lock()
	fn()
	c.mu.Unlock()
}

func (c *fakeChannel) Close() error {
	c.closes.Add(1)
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeChannel) openSide() {
	c.open.Store(true)
	c.mu.Lock()
	fn := c.onOpen
	c.mu.Unlock()
	fn()
}

func (c *fakeChannel) emitConn(raw string) {
	c.mu.Lock()
	fn := c.onConnState
	c.mu.Unlock()
	fn(domain.MapTransportState(raw), raw)
}

func (c *fakeChannel) emitICE(raw string) {
	c.mu.Lock()
	fn := c.onICEState
	c.mu.Unlock()
	fn(domain.MapTransportState(raw), raw)
}

func (c *fakeChannel) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.sent...)
}

type fakeSignaler struct {
	answer domain.SDPPayload
	err    error
	calls  atomic.Int32
	block  bool
}

func (s *fakeSignaler) Exchange(ctx context.Context, offer domain.SDPPayload) (domain.SDPPayload, error) {
	s.calls.Add(1)
	if s.block {
		<-ctx.Done()
		return domain.SDPPayload{}, ctx.Err()
	}
	return s.answer, s.err
}

func okSignaler() *fakeSignaler {
	return &fakeSignaler{answer: domain.SDPPayload{SDP: validAnswerSDP, Type: "answer"}}
}

func testSettings() Settings {
	return Settings{
		Room:   "kitchen",
		Client: "test",
		Heartbeat: heartbeat.Config{
			Interval: 20 * time.Millisecond,
			Timeout:  time.Hour,
			Tick:     10 * time.Millisecond,
		},
		SignalingTimeout: time.Second,
		CloseTimeout:     time.Second,
	}
}
