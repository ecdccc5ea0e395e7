package webrtc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/nack"
	"github.com/pion/interceptor/pkg/report"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"roomlink/native/internal/domain"
	"roomlink/native/internal/logging"
)

// Options configures a Peer.
type Options struct {
	ICEServers []string
	SampleRate int
	Channels   int
	// Label names the side channel.
	Label string
	// StreamID is the media stream id of the outbound audio track.
	StreamID string
	// OnRTCP receives the kinds of every inbound RTCP packet.
	OnRTCP func(kinds []string)
	Logger *slog.Logger
}

// Peer wraps a Pion PeerConnection with one outbound Opus track and a
// DataChannel. It implements domain.SessionChannel.
type Peer struct {
	pc     *pion.PeerConnection
	dc     *pion.DataChannel
	track  *pion.TrackLocalStaticSample
	logger *slog.Logger

	encMu sync.Mutex
	enc   *opusEncoder

	mu          sync.Mutex
	onOpen      func()
	onMessage   func(string)
	onConnState domain.StateFunc
	onICEState  domain.StateFunc
	onTrack     func(string)
	onActivity  func()
	onRTCP      func([]string)

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

// NewPeer creates a PeerConnection with Opus registered, the outbound audio
// track attached and the side channel created.
func NewPeer(opts Options) (*Peer, error) {
	if opts.Logger == nil {
		opts.Logger = logging.GetLogger("webrtc")
	}
	if opts.Label == "" {
		opts.Label = "meta"
	}
	if opts.StreamID == "" {
		opts.StreamID = "roomlink"
	}

	enc, err := newOpusEncoder(opts.SampleRate, opts.Channels)
	if err != nil {
		return nil, err
	}

	p := &Peer{
		logger: opts.Logger,
		enc:    enc,
		onRTCP: opts.OnRTCP,
		closed: make(chan struct{}),
	}

	m := &pion.MediaEngine{}
	opusCodec := pion.RTPCodecParameters{
		RTPCodecCapability: pion.RTPCodecCapability{
			MimeType:    pion.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}
	if err := m.RegisterCodec(opusCodec, pion.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus: %w", err)
	}

	i := &interceptor.Registry{}
	if err := configureInterceptors(i, p.handleRTCP); err != nil {
		return nil, fmt.Errorf("configure interceptors: %w", err)
	}

	api := pion.NewAPI(
		pion.WithMediaEngine(m),
		pion.WithInterceptorRegistry(i),
	)

	var servers []pion.ICEServer
	if len(opts.ICEServers) > 0 {
		servers = []pion.ICEServer{{URLs: opts.ICEServers}}
	}

	pc, err := api.NewPeerConnection(pion.Configuration{
		ICEServers:   servers,
		BundlePolicy: pion.BundlePolicyMaxBundle,
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	p.pc = pc

	track, err := pion.NewTrackLocalStaticSample(opusCodec.RTPCodecCapability, "audio", opts.StreamID)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("add audio track: %w", err)
	}
	p.track = track

	// RTCP must be read for the interceptors to see it; the packets
	// themselves are consumed by the activity interceptor.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()

	dc, err := pc.CreateDataChannel(opts.Label, nil)
	if err != nil {
		_ = pc.Close()
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	p.dc = dc

	dc.OnOpen(func() {
		p.logger.Debug("data channel opened", "label", dc.Label())
		p.mu.Lock()
		fn := p.onOpen
		p.mu.Unlock()
		if fn != nil {
			fn()
		}
	})
	dc.OnMessage(func(msg pion.DataChannelMessage) {
		p.mu.Lock()
		fn := p.onMessage
		p.mu.Unlock()
		if fn != nil {
			fn(string(msg.Data))
		}
	})
	dc.OnClose(func() {
		p.logger.Debug("data channel closed", "label", dc.Label())
	})

	pc.OnConnectionStateChange(func(state pion.PeerConnectionState) {
		raw := state.String()
		p.logger.Debug("peer connection state", "state", raw)
		p.mu.Lock()
		fn := p.onConnState
		p.mu.Unlock()
		if fn != nil {
			fn(domain.MapTransportState(raw), raw)
		}
	})
	pc.OnICEConnectionStateChange(func(state pion.ICEConnectionState) {
		raw := state.String()
		p.logger.Debug("ice connection state", "state", raw)
		p.mu.Lock()
		fn := p.onICEState
		p.mu.Unlock()
		if fn != nil {
			fn(domain.MapTransportState(raw), raw)
		}
	})
	pc.OnTrack(func(track *pion.TrackRemote, _ *pion.RTPReceiver) {
		codec := track.Codec()
		p.logger.Info("inbound track", "kind", track.Kind().String(), "codec", codec.MimeType, "pt", codec.PayloadType)
		p.mu.Lock()
		fn := p.onTrack
		p.mu.Unlock()
		if fn != nil {
			fn(track.Kind().String())
		}
		go p.drainTrack(track)
	})

	return p, nil
}

// configureInterceptors registers NACK responses, RTCP reports and the
// inbound RTCP activity reader.
func configureInterceptors(i *interceptor.Registry, onRTCP func([]string)) error {
	responder, err := nack.NewResponderInterceptor()
	if err != nil {
		return err
	}
	i.Add(responder)

	receiver, err := report.NewReceiverInterceptor()
	if err != nil {
		return err
	}
	sender, err := report.NewSenderInterceptor()
	if err != nil {
		return err
	}
	i.Add(receiver)
	i.Add(sender)

	i.Add(&activityInterceptorFactory{onPackets: onRTCP})
	return nil
}

func (p *Peer) handleRTCP(kinds []string) {
	if p.onRTCP != nil {
		p.onRTCP(kinds)
	}
	p.activity()
}

func (p *Peer) activity() {
	p.mu.Lock()
	fn := p.onActivity
	p.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// drainTrack reads and discards inbound media. Each packet is activity.
func (p *Peer) drainTrack(track *pion.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
		p.activity()
	}
}

// CreateOffer creates an SDP offer without applying it.
func (p *Peer) CreateOffer() (domain.SDPPayload, error) {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return domain.SDPPayload{}, fmt.Errorf("create offer: %w", err)
	}
	return domain.SDPPayload{SDP: offer.SDP, Type: offer.Type.String()}, nil
}

// SetLocalDescription applies offer and waits for ICE gathering so the
// returned description carries every candidate.
func (p *Peer) SetLocalDescription(ctx context.Context, offer domain.SDPPayload) (domain.SDPPayload, error) {
	gathered := pion.GatheringCompletePromise(p.pc)

	if err := p.pc.SetLocalDescription(pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		return domain.SDPPayload{}, fmt.Errorf("set local description: %w", err)
	}

	select {
	case <-gathered:
	case <-ctx.Done():
		return domain.SDPPayload{}, fmt.Errorf("ice gathering: %w", ctx.Err())
	case <-p.closed:
		return domain.SDPPayload{}, domain.ErrClosed
	}

	local := p.pc.LocalDescription()
	if local == nil {
		return domain.SDPPayload{}, errors.New("local description missing after gathering")
	}
	p.logger.Debug("local SDP offer set")
	return domain.SDPPayload{SDP: local.SDP, Type: local.Type.String()}, nil
}

// SetRemoteDescription applies the server's answer.
func (p *Peer) SetRemoteDescription(answer domain.SDPPayload) error {
	desc := pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: answer.SDP}
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	p.logger.Debug("remote SDP answer set")
	return nil
}

// SideChannelOpen reports whether the DataChannel is open.
func (p *Peer) SideChannelOpen() bool {
	return p.dc.ReadyState() == pion.DataChannelStateOpen
}

// SendText sends text over the DataChannel. Returns domain.ErrNotReady
// until the channel is open.
func (p *Peer) SendText(text string) error {
	if !p.SideChannelOpen() {
		return domain.ErrNotReady
	}
	if err := p.dc.SendText(text); err != nil {
		return fmt.Errorf("data channel send: %w", err)
	}
	return nil
}

// WriteFrame encodes frame to Opus and writes it to the outbound track.
func (p *Peer) WriteFrame(frame domain.Frame) error {
	select {
	case <-p.closed:
		return domain.ErrClosed
	default:
	}

	p.encMu.Lock()
	packet, err := p.enc.encode(frame.Samples)
	p.encMu.Unlock()
	if err != nil {
		return err
	}

	if err := p.track.WriteSample(media.Sample{Data: packet, Duration: frame.Duration()}); err != nil {
		return fmt.Errorf("write sample: %w", err)
	}
	return nil
}

func (p *Peer) OnSideChannelOpen(fn func()) {
	p.mu.Lock()
	p.onOpen = fn
	p.mu.Unlock()
}

func (p *Peer) OnSideChannelMessage(fn func(text string)) {
	p.mu.Lock()
	p.onMessage = fn
	p.mu.Unlock()
}

func (p *Peer) OnConnectionStateChange(fn domain.StateFunc) {
	p.mu.Lock()
	p.onConnState = fn
	p.mu.Unlock()
}

func (p *Peer) OnICEStateChange(fn domain.StateFunc) {
	p.mu.Lock()
	p.onICEState = fn
	p.mu.Unlock()
}

func (p *Peer) OnInboundTrack(fn func(kind string)) {
	p.mu.Lock()
	p.onTrack = fn
	p.mu.Unlock()
}

func (p *Peer) OnInboundActivity(fn func()) {
	p.mu.Lock()
	p.onActivity = fn
	p.mu.Unlock()
}

// Close shuts down the DataChannel and PeerConnection. Later calls return
// the result of the first.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		close(p.closed)

		// Callbacks must not reach a torn-down attempt.
		p.mu.Lock()
		p.onOpen, p.onMessage, p.onTrack, p.onActivity = nil, nil, nil, nil
		p.onConnState, p.onICEState = nil, nil
		p.mu.Unlock()

		var errs []error
		if p.dc != nil {
			if err := p.dc.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close data channel: %w", err))
			}
		}
		if p.pc != nil {
			if err := p.pc.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close peer connection: %w", err))
			}
		}
		p.closeErr = errors.Join(errs...)
	})
	return p.closeErr
}
