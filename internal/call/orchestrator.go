// Package call drives one two-party call through the description exchange:
// it decides the local role, runs the offerer or answerer path on the media
// engine and relays the results through the signaling client.
package call

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/1ureka/duet/internal/candidate"
	"github.com/1ureka/duet/internal/peer"
	"github.com/1ureka/duet/internal/protocol"
	"github.com/1ureka/duet/internal/util"
	"github.com/pion/webrtc/v4"
)

// Role is the local side of the negotiation. It is decided once, when the
// local peer signals readiness, and never sent to the relay.
type Role uint32

const (
	RoleUndecided Role = iota
	RoleOfferer
	RoleAnswerer
)

func (r Role) String() string {
	switch r {
	case RoleOfferer:
		return "offerer"
	case RoleAnswerer:
		return "answerer"
	default:
		return "undecided"
	}
}

// Signal is the relay connection as seen by the orchestrator.
// *signaling.Client implements it.
type Signal interface {
	SendCommand(cmd protocol.Command, payload string) error
	WatchState() (<-chan protocol.State, func())
	Events() (<-chan protocol.Message, func())
	Close() error
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithEventHandler receives every engine event the orchestrator does not
// consume itself: tracks, connection state and side channel open/close.
func WithEventHandler(fn func(peer.Event)) Option {
	return func(o *Orchestrator) { o.onEvent = fn }
}

// Orchestrator negotiates one call. Create it with New, start Run on its own
// goroutine and call Ready once local media is ready to send.
type Orchestrator struct {
	engine  peer.Engine
	sig     Signal
	buffer  *candidate.Buffer
	onEvent func(peer.Event)

	states     <-chan protocol.State
	events     <-chan protocol.Message
	stopStates func()
	stopEvents func()

	role      atomic.Uint32
	ready     chan struct{}
	readyOnce sync.Once

	// step serialises message handling; everything below it is owned by
	// whoever holds it.
	step     sync.Mutex
	latched  bool           // Ready was called
	state    protocol.State // last state announced by the relay
	paired   bool           // the relay has reported two participants
	offer    string         // cached remote offer
	hasOffer bool
	answered bool // offerer has applied the remote answer

	mu        sync.Mutex
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// New returns an orchestrator over engine and sig. It subscribes to sig
// immediately, so handshake messages relayed before Run starts are kept
// until Run reads them.
func New(engine peer.Engine, sig Signal, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		engine: engine,
		sig:    sig,
		buffer: candidate.New(),
		ready:  make(chan struct{}),
		state:  protocol.StateOffline,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.states, o.stopStates = sig.WatchState()
	o.events, o.stopEvents = sig.Events()
	return o
}

// Role returns the current role.
func (o *Orchestrator) Role() Role {
	return Role(o.role.Load())
}

func (o *Orchestrator) setRole(r Role) {
	o.role.Store(uint32(r))
	util.LogInfo("Negotiating as %s", r)
}

// Ready latches the local readiness signal. Negotiation starts once the
// relay reports a callable state or a remote offer is cached. Calling it
// again has no effect.
func (o *Orchestrator) Ready() {
	o.readyOnce.Do(func() { close(o.ready) })
}

// Run is the orchestrator's event loop. It returns ErrCallEnded when the
// call is over, a *NegotiationError when a negotiation step fails and
// ctx.Err() when ctx is cancelled. Run is called once; it releases the
// signaling subscriptions on return.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()

	defer o.unsubscribe()

	states, events := o.states, o.events
	ready := o.ready
	for {
		var err error

		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-o.engine.Done():
			return ErrCallEnded

		case st, ok := <-states:
			if !ok {
				return ErrCallEnded
			}
			err = o.handleState(ctx, st)

		case msg, ok := <-events:
			if !ok {
				// The state stream reports the disconnect.
				events = nil
				continue
			}
			err = o.HandleMessage(ctx, msg)

		case ev := <-o.engine.Events():
			o.handleEngineEvent(ev)

		case <-ready:
			ready = nil
			err = o.latch(ctx)
		}

		if err != nil {
			return err
		}
	}
}

func (o *Orchestrator) latch(ctx context.Context) error {
	o.step.Lock()
	defer o.step.Unlock()

	o.latched = true
	return o.maybeStartLocked(ctx)
}

func (o *Orchestrator) handleState(ctx context.Context, st protocol.State) error {
	o.step.Lock()
	defer o.step.Unlock()

	// The client replays Offline until the relay's first STATE frame.
	seen := o.state != protocol.StateOffline
	o.state = st
	util.LogDebug("Call state: %s", st)

	switch st {
	case protocol.StateOffline:
		if seen {
			return ErrCallEnded
		}
		return nil
	case protocol.StateImpossible:
		if o.paired {
			return ErrCallEnded
		}
		return nil
	case protocol.StateReady, protocol.StateCreating:
		o.paired = true
		return o.maybeStartLocked(ctx)
	default:
		o.paired = true
		return nil
	}
}

// maybeStartLocked resolves the role and runs its path once readiness is
// latched. A cached offer makes the local side the answerer. Without one it
// offers only in Ready: Creating means the other side's offer is in flight.
func (o *Orchestrator) maybeStartLocked(ctx context.Context) error {
	if !o.latched || o.Role() != RoleUndecided {
		return nil
	}

	switch {
	case o.hasOffer:
		o.setRole(RoleAnswerer)
		return o.answerLocked(ctx, o.offer)
	case o.state == protocol.StateReady:
		o.setRole(RoleOfferer)
		return o.offerLocked(ctx)
	default:
		return nil
	}
}

// HandleMessage applies one relayed handshake message. Run calls it for
// every signaling event; it is safe to call from other goroutines.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg protocol.Message) error {
	o.step.Lock()
	defer o.step.Unlock()

	switch msg.Command {
	case protocol.CommandOffer:
		return o.onOfferLocked(ctx, msg.Payload)
	case protocol.CommandAnswer:
		return o.onAnswerLocked(ctx, msg.Payload)
	case protocol.CommandICE:
		o.onCandidateLocked(ctx, msg.Payload)
		return nil
	default:
		util.LogDebug("Ignoring %s", msg)
		return nil
	}
}

func (o *Orchestrator) onOfferLocked(ctx context.Context, sdp string) error {
	switch o.Role() {
	case RoleUndecided:
		o.offer, o.hasOffer = sdp, true
		util.LogDebug("Cached remote offer")
		return o.maybeStartLocked(ctx)

	case RoleOfferer:
		if o.answered {
			util.LogWarning("Ignoring OFFER after the call was answered")
			return nil
		}
		// The relay takes one offer per pairing, so a forwarded offer means
		// ours lost. Give it up and answer theirs.
		util.LogWarning("Both sides offered, switching to answerer")
		rollback := webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}
		if err := o.engine.SetLocalDescription(ctx, rollback); err != nil {
			return &NegotiationError{Step: StepRollback, Err: err}
		}
		o.setRole(RoleAnswerer)
		return o.answerLocked(ctx, sdp)

	default:
		util.LogWarning("Ignoring duplicate OFFER")
		return nil
	}
}

func (o *Orchestrator) onAnswerLocked(ctx context.Context, sdp string) error {
	if o.Role() != RoleOfferer || o.answered {
		util.LogWarning("Ignoring unexpected ANSWER as %s", o.Role())
		return nil
	}

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: peer.NormalizeCodecs(sdp)}
	if err := o.setRemote(ctx, remote); err != nil {
		return &NegotiationError{Step: StepSetRemoteAnswer, Err: err}
	}
	o.answered = true
	util.LogSuccess("Remote answer applied")
	return nil
}

func (o *Orchestrator) onCandidateLocked(ctx context.Context, payload string) {
	c, err := protocol.DecodeCandidate(payload)
	if err != nil {
		util.LogWarning("Ignoring ICE: %v", err)
		return
	}

	buffered, err := o.buffer.Submit(fromWire(c), o.apply(ctx))
	switch {
	case err != nil:
		util.LogWarning("Failed to add remote candidate: %v", err)
	case buffered:
		util.LogDebug("Buffered remote candidate (%d pending)", o.buffer.Len())
	}
}

func (o *Orchestrator) offerLocked(ctx context.Context) error {
	offer, err := o.engine.CreateOffer(ctx)
	if err != nil {
		return &NegotiationError{Step: StepCreateOffer, Err: err}
	}
	offer.SDP = peer.NormalizeCodecs(offer.SDP)
	logCodecs("Local offer", offer.SDP)

	if err := o.engine.SetLocalDescription(ctx, offer); err != nil {
		return &NegotiationError{Step: StepSetLocalOffer, Err: err}
	}
	if err := o.sig.SendCommand(protocol.CommandOffer, offer.SDP); err != nil {
		return &NegotiationError{Step: StepSendOffer, Err: err}
	}
	return nil
}

func (o *Orchestrator) answerLocked(ctx context.Context, sdp string) error {
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: peer.NormalizeCodecs(sdp)}
	if err := o.setRemote(ctx, remote); err != nil {
		return &NegotiationError{Step: StepSetRemoteOffer, Err: err}
	}

	answer, err := o.engine.CreateAnswer(ctx)
	if err != nil {
		return &NegotiationError{Step: StepCreateAnswer, Err: err}
	}
	answer.SDP = peer.NormalizeCodecs(answer.SDP)
	logCodecs("Local answer", answer.SDP)

	if err := o.engine.SetLocalDescription(ctx, answer); err != nil {
		return &NegotiationError{Step: StepSetLocalAnswer, Err: err}
	}
	if err := o.sig.SendCommand(protocol.CommandAnswer, answer.SDP); err != nil {
		return &NegotiationError{Step: StepSendAnswer, Err: err}
	}
	return nil
}

// setRemote installs the remote description and flushes buffered
// candidates in the same step. Only a failure to set is returned; flush
// failures are logged.
func (o *Orchestrator) setRemote(ctx context.Context, sdp webrtc.SessionDescription) error {
	var setErr error
	flushErr := o.buffer.Open(func() error {
		setErr = o.engine.SetRemoteDescription(ctx, sdp)
		return setErr
	}, o.apply(ctx))

	if setErr != nil {
		return setErr
	}
	if flushErr != nil {
		util.LogWarning("Failed to apply buffered candidates: %v", flushErr)
	}
	return nil
}

func (o *Orchestrator) apply(ctx context.Context) candidate.ApplyFunc {
	return func(c webrtc.ICECandidateInit) error {
		return o.engine.AddICECandidate(ctx, c)
	}
}

func (o *Orchestrator) handleEngineEvent(ev peer.Event) {
	switch ev.Type {
	case peer.EventICECandidate:
		payload := protocol.EncodeCandidate(toWire(ev.Candidate))
		if err := o.sig.SendCommand(protocol.CommandICE, payload); err != nil {
			util.LogWarning("Failed to send local candidate: %v", err)
		}
		return
	case peer.EventNegotiationNeeded:
		util.LogDebug("Engine requested renegotiation")
	}

	if o.onEvent != nil {
		o.onEvent(ev)
	}
}

func (o *Orchestrator) unsubscribe() {
	o.stopStates()
	o.stopEvents()
}

func logCodecs(what, sdp string) {
	if !util.DebugEnabled() {
		return
	}
	codecs, err := peer.Codecs(sdp)
	if err != nil {
		util.LogDebug("%s: %v", what, err)
		return
	}
	util.LogDebug("%s codecs: %v", what, codecs)
}

// Close stops Run, releases buffered candidates and closes the engine and
// the signaling client. Safe to call more than once.
func (o *Orchestrator) Close() error {
	var err error
	o.closeOnce.Do(func() {
		o.mu.Lock()
		if o.cancel != nil {
			o.cancel()
		}
		o.mu.Unlock()

		o.unsubscribe()
		if n := o.buffer.Reset(); n > 0 {
			util.LogDebug("Released %d buffered candidates", n)
		}
		err = errors.Join(o.engine.Close(), o.sig.Close())
	})
	return err
}
