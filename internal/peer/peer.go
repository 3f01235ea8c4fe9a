package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/1ureka/duet/internal/util"
	"github.com/pion/interceptor"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"
)

const (
	// DataChannelLabel is the label of the pre-negotiated side channel.
	DataChannelLabel = "data"

	dataChannelID   = uint16(1)
	eventBufferSize = 64
)

// Options configures a Peer.
type Options struct {
	ICEServers []string            // STUN/TURN URLs
	Media      []string            // media kinds to receive ("audio", "video")
	Tracks     []webrtc.TrackLocal // local capture, sent on its own transceiver
	Net        transport.Net       // nil uses the host network
}

// Peer wraps a single PeerConnection plus the side data channel and turns
// pion's callbacks into Events.
//
// pion keeps the last local offer and compares it on SetLocalDescription, so
// the description passed there must be the one CreateOffer returned, possibly
// after NormalizeCodecs.
type Peer struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.RWMutex
	pcState webrtc.PeerConnectionState
}

var _ Engine = (*Peer)(nil)

// New creates a Peer with receive transceivers for opts.Media, a send
// transceiver for each of opts.Tracks and the negotiated side channel.
func New(opts Options) (*Peer, error) {
	api, err := newAPI(opts.Net)
	if err != nil {
		return nil, err
	}

	config := webrtc.Configuration{}
	if len(opts.ICEServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: opts.ICEServers}}
	}

	pc, err := api.NewPeerConnection(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	p := &Peer{
		pc:      pc,
		events:  make(chan Event, eventBufferSize),
		done:    make(chan struct{}),
		pcState: webrtc.PeerConnectionStateNew,
	}

	if err := p.addMedia(opts); err != nil {
		pc.Close()
		return nil, err
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}
	p.dc = dc

	p.wire()
	return p, nil
}

func newAPI(n transport.Net) (*webrtc.API, error) {
	media := &webrtc.MediaEngine{}
	if err := media.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(media, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: util.PionLoggerFactory{}}
	if n != nil {
		se.SetNet(n)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(media),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	), nil
}

// newDataChannel creates the pre-negotiated, ordered side channel. Both
// sides create it with the same ID, so neither relies on OnDataChannel.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := true
	negotiated := true
	id := dataChannelID

	return pc.CreateDataChannel(DataChannelLabel, &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
}

func (p *Peer) addMedia(opts Options) error {
	sending := make(map[webrtc.RTPCodecType]bool)
	for _, track := range opts.Tracks {
		if _, err := p.pc.AddTrack(track); err != nil {
			return fmt.Errorf("failed to add %s track: %w", track.Kind(), err)
		}
		sending[track.Kind()] = true
	}

	for _, kind := range opts.Media {
		codecType := webrtc.NewRTPCodecType(kind)
		if codecType == 0 {
			return fmt.Errorf("unknown media kind: %q", kind)
		}
		if sending[codecType] {
			continue
		}
		_, err := p.pc.AddTransceiverFromKind(codecType, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return fmt.Errorf("failed to add %s transceiver: %w", kind, err)
		}
	}
	return nil
}

func (p *Peer) wire() {
	p.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			util.LogDebug("ICE gathering complete")
			return
		}
		p.emit(Event{Type: EventICECandidate, Candidate: c.ToJSON()})
	})

	p.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		util.LogDebug("Remote %s track: %s", track.Kind(), track.Codec().MimeType)
		p.emit(Event{Type: EventTrack, Track: track})
	})

	p.pc.OnNegotiationNeeded(func() {
		p.emit(Event{Type: EventNegotiationNeeded})
	})

	p.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state)
		p.mu.Lock()
		p.pcState = state
		p.mu.Unlock()
		p.emit(Event{Type: EventConnectionState, State: state})
	})

	p.dc.OnOpen(func() {
		util.LogDebug("DataChannel %q open", DataChannelLabel)
		p.emit(Event{Type: EventChannelOpen})
	})

	p.dc.OnClose(func() {
		util.LogDebug("DataChannel %q closed", DataChannelLabel)
		p.emit(Event{Type: EventChannelClosed})
	})
}

// emit blocks the pion callback until the event is consumed or the peer is
// closed, so no candidate is dropped on a slow consumer.
func (p *Peer) emit(ev Event) {
	select {
	case p.events <- ev:
	case <-p.done:
	}
}

// await runs fn and returns its result, or ctx.Err() if ctx ends first. pion
// operations cannot be interrupted, so fn keeps running in the background.
func await[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func awaitErr(ctx context.Context, fn func() error) error {
	_, err := await(ctx, func() (struct{}, error) { return struct{}{}, fn() })
	return err
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

func (p *Peer) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	return await(ctx, func() (webrtc.SessionDescription, error) { return p.pc.CreateOffer(nil) })
}

func (p *Peer) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	return await(ctx, func() (webrtc.SessionDescription, error) { return p.pc.CreateAnswer(nil) })
}

func (p *Peer) SetLocalDescription(ctx context.Context, sdp webrtc.SessionDescription) error {
	return awaitErr(ctx, func() error { return p.pc.SetLocalDescription(sdp) })
}

func (p *Peer) SetRemoteDescription(ctx context.Context, sdp webrtc.SessionDescription) error {
	return awaitErr(ctx, func() error { return p.pc.SetRemoteDescription(sdp) })
}

func (p *Peer) AddICECandidate(ctx context.Context, c webrtc.ICECandidateInit) error {
	return awaitErr(ctx, func() error { return p.pc.AddICECandidate(c) })
}

func (p *Peer) Events() <-chan Event { return p.events }

func (p *Peer) Done() <-chan struct{} { return p.done }

// Close shuts down the DataChannel and PeerConnection. Safe to call more
// than once.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.done)
		err = errors.Join(p.dc.Close(), p.pc.Close())
	})
	return err
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// DataChannel returns the side channel.
func (p *Peer) DataChannel() *webrtc.DataChannel { return p.dc }

// ConnectionState returns the last observed PeerConnection state.
func (p *Peer) ConnectionState() webrtc.PeerConnectionState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pcState
}
