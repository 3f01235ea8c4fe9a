package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/1ureka/duet/internal/peer"
	"github.com/1ureka/duet/internal/protocol"
	"github.com/pion/webrtc/v4"
)

const waitTimeout = 2 * time.Second

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// fakeEngine records every call as a short string on calls.
type fakeEngine struct {
	calls  chan string
	events chan peer.Event
	done   chan struct{}

	mu        sync.Mutex
	remote    bool
	local     []webrtc.SessionDescription
	remoteSDP []webrtc.SessionDescription
	applied   []string
	closed    bool

	offerSDP, answerSDP string
	createOfferErr      error
	setRemoteErr        error
}

var _ peer.Engine = (*fakeEngine)(nil)

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		calls:     make(chan string, 64),
		events:    make(chan peer.Event, 16),
		done:      make(chan struct{}),
		offerSDP:  "v=0 offer a=rtpmap:96 vp8/90000",
		answerSDP: "v=0 answer a=rtpmap:98 vp9/90000",
	}
}

func (e *fakeEngine) record(call string) { e.calls <- call }

func (e *fakeEngine) CreateOffer(context.Context) (webrtc.SessionDescription, error) {
	e.record("create-offer")
	if e.createOfferErr != nil {
		return webrtc.SessionDescription{}, e.createOfferErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: e.offerSDP}, nil
}

func (e *fakeEngine) CreateAnswer(context.Context) (webrtc.SessionDescription, error) {
	e.record("create-answer")
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: e.answerSDP}, nil
}

func (e *fakeEngine) SetLocalDescription(_ context.Context, sdp webrtc.SessionDescription) error {
	e.mu.Lock()
	e.local = append(e.local, sdp)
	e.mu.Unlock()
	e.record("set-local:" + sdp.Type.String())
	return nil
}

func (e *fakeEngine) SetRemoteDescription(_ context.Context, sdp webrtc.SessionDescription) error {
	e.record("set-remote:" + sdp.Type.String())
	if e.setRemoteErr != nil {
		return e.setRemoteErr
	}
	e.mu.Lock()
	e.remote = true
	e.remoteSDP = append(e.remoteSDP, sdp)
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) AddICECandidate(_ context.Context, c webrtc.ICECandidateInit) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.remote {
		return webrtc.ErrNoRemoteDescription
	}
	e.applied = append(e.applied, c.Candidate)
	e.calls <- "add-ice:" + c.Candidate
	return nil
}

func (e *fakeEngine) Events() <-chan peer.Event { return e.events }
func (e *fakeEngine) Done() <-chan struct{}     { return e.done }

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.done)
	}
	return nil
}

// fakeSignal stands in for the relay connection.
type fakeSignal struct {
	states chan protocol.State
	events chan protocol.Message
	sent   chan protocol.Message

	mu     sync.Mutex
	closed bool
}

var _ Signal = (*fakeSignal)(nil)

func newFakeSignal() *fakeSignal {
	return &fakeSignal{
		states: make(chan protocol.State, 8),
		events: make(chan protocol.Message, 8),
		sent:   make(chan protocol.Message, 64),
	}
}

func (s *fakeSignal) SendCommand(cmd protocol.Command, payload string) error {
	s.sent <- protocol.Message{Command: cmd, Payload: payload}
	return nil
}

func (s *fakeSignal) WatchState() (<-chan protocol.State, func()) { return s.states, func() {} }
func (s *fakeSignal) Events() (<-chan protocol.Message, func())   { return s.events, func() {} }

func (s *fakeSignal) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func start(t *testing.T, o *Orchestrator) (cancel func(), result <-chan error) {
	t.Helper()
	ctx, cancelFn := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- o.Run(ctx) }()
	t.Cleanup(cancelFn)
	return cancelFn, errCh
}

func expectCalls(t *testing.T, e *fakeEngine, want ...string) {
	t.Helper()
	for i, w := range want {
		select {
		case got := <-e.calls:
			if got != w {
				t.Fatalf("engine call %d = %q, want %q", i, got, w)
			}
		case <-time.After(waitTimeout):
			t.Fatalf("timed out waiting for engine call %q", w)
		}
	}
}

func expectNoCall(t *testing.T, e *fakeEngine) {
	t.Helper()
	select {
	case got := <-e.calls:
		t.Fatalf("unexpected engine call %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func expectSent(t *testing.T, s *fakeSignal, cmd protocol.Command) protocol.Message {
	t.Helper()
	select {
	case msg := <-s.sent:
		if msg.Command != cmd {
			t.Fatalf("sent %s, want %s", msg.Command, cmd)
		}
		return msg
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", cmd)
	}
	return protocol.Message{}
}

func expectResult(t *testing.T, result <-chan error) error {
	t.Helper()
	select {
	case err := <-result:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("Run did not return")
	}
	return nil
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestOffererPath(t *testing.T) {
	eng, sig := newFakeEngine(), newFakeSignal()
	o := New(eng, sig)
	start(t, o)

	sig.states <- protocol.StateImpossible
	o.Ready()
	expectNoCall(t, eng)

	sig.states <- protocol.StateReady
	expectCalls(t, eng, "create-offer", "set-local:offer")

	msg := expectSent(t, sig, protocol.CommandOffer)
	if msg.Payload != "v=0 offer a=rtpmap:96 VP8/90000" {
		t.Errorf("offer payload = %q", msg.Payload)
	}
	if o.Role() != RoleOfferer {
		t.Errorf("role = %s", o.Role())
	}

	sig.events <- protocol.Message{Command: protocol.CommandAnswer, Payload: "v=0 remote a=rtpmap:102 h264/90000"}
	expectCalls(t, eng, "set-remote:answer")

	eng.mu.Lock()
	defer eng.mu.Unlock()
	if eng.local[0].SDP != msg.Payload {
		t.Errorf("set local %q, sent %q", eng.local[0].SDP, msg.Payload)
	}
	if eng.remoteSDP[0].SDP != "v=0 remote a=rtpmap:102 H264/90000" {
		t.Errorf("remote answer not normalized: %q", eng.remoteSDP[0].SDP)
	}
}

func TestAnswererPath(t *testing.T) {
	eng, sig := newFakeEngine(), newFakeSignal()
	o := New(eng, sig)
	start(t, o)

	sig.states <- protocol.StateCreating
	sig.events <- protocol.Message{Command: protocol.CommandOffer, Payload: "v=0 remote a=rtpmap:96 vp8/90000"}
	expectNoCall(t, eng)

	o.Ready()
	expectCalls(t, eng, "set-remote:offer", "create-answer", "set-local:answer")

	msg := expectSent(t, sig, protocol.CommandAnswer)
	if msg.Payload != "v=0 answer a=rtpmap:98 VP9/90000" {
		t.Errorf("answer payload = %q", msg.Payload)
	}
	if o.Role() != RoleAnswerer {
		t.Errorf("role = %s", o.Role())
	}
}

func TestAnswererWaitsInCreatingWithoutOffer(t *testing.T) {
	eng, sig := newFakeEngine(), newFakeSignal()
	o := New(eng, sig)
	start(t, o)

	o.Ready()
	sig.states <- protocol.StateCreating
	expectNoCall(t, eng)
	if o.Role() != RoleUndecided {
		t.Fatalf("role = %s before the offer arrived", o.Role())
	}

	sig.events <- protocol.Message{Command: protocol.CommandOffer, Payload: "v=0 remote"}
	expectCalls(t, eng, "set-remote:offer", "create-answer", "set-local:answer")
	expectSent(t, sig, protocol.CommandAnswer)
}

func TestCandidateBufferedUntilRemoteDescription(t *testing.T) {
	eng, sig := newFakeEngine(), newFakeSignal()
	o := New(eng, sig)
	start(t, o)

	o.Ready()
	sig.states <- protocol.StateReady
	expectCalls(t, eng, "create-offer", "set-local:offer")
	expectSent(t, sig, protocol.CommandOffer)

	sig.events <- protocol.Message{Command: protocol.CommandICE, Payload: "1$0$cand1"}
	expectNoCall(t, eng)

	sig.events <- protocol.Message{Command: protocol.CommandAnswer, Payload: "v=0 remote"}
	expectCalls(t, eng, "set-remote:answer", "add-ice:cand1")

	sig.events <- protocol.Message{Command: protocol.CommandICE, Payload: "1$0$cand2"}
	expectCalls(t, eng, "add-ice:cand2")

	eng.mu.Lock()
	defer eng.mu.Unlock()
	if len(eng.applied) != 2 || eng.applied[0] != "cand1" || eng.applied[1] != "cand2" {
		t.Errorf("applied = %v", eng.applied)
	}
}

func TestCreateOfferFailure(t *testing.T) {
	eng, sig := newFakeEngine(), newFakeSignal()
	eng.createOfferErr = errors.New("no codecs")
	o := New(eng, sig)
	_, result := start(t, o)

	o.Ready()
	sig.states <- protocol.StateReady

	err := expectResult(t, result)
	var negErr *NegotiationError
	if !errors.As(err, &negErr) || negErr.Step != StepCreateOffer {
		t.Fatalf("Run = %v, want create offer NegotiationError", err)
	}
	if !errors.Is(err, eng.createOfferErr) {
		t.Errorf("cause not wrapped: %v", err)
	}

	select {
	case msg := <-sig.sent:
		t.Fatalf("sent %s after failure", msg.Command)
	default:
	}
}

func TestSetRemoteFailureKeepsCandidates(t *testing.T) {
	eng, sig := newFakeEngine(), newFakeSignal()
	eng.setRemoteErr = errors.New("bad sdp")
	o := New(eng, sig)
	_, result := start(t, o)

	sig.events <- protocol.Message{Command: protocol.CommandICE, Payload: "0$0$cand1"}
	sig.events <- protocol.Message{Command: protocol.CommandOffer, Payload: "garbage"}
	o.Ready()

	err := expectResult(t, result)
	var negErr *NegotiationError
	if !errors.As(err, &negErr) || negErr.Step != StepSetRemoteOffer {
		t.Fatalf("Run = %v, want set remote offer NegotiationError", err)
	}
	if n := o.buffer.Len(); n != 1 {
		t.Errorf("buffer holds %d candidates, want 1", n)
	}
}

func TestGlareRollsBackToAnswerer(t *testing.T) {
	eng, sig := newFakeEngine(), newFakeSignal()
	o := New(eng, sig)
	start(t, o)

	o.Ready()
	sig.states <- protocol.StateReady
	expectCalls(t, eng, "create-offer", "set-local:offer")
	expectSent(t, sig, protocol.CommandOffer)

	sig.events <- protocol.Message{Command: protocol.CommandOffer, Payload: "v=0 their offer"}
	expectCalls(t, eng, "set-local:rollback", "set-remote:offer", "create-answer", "set-local:answer")
	expectSent(t, sig, protocol.CommandAnswer)

	if o.Role() != RoleAnswerer {
		t.Errorf("role = %s after glare", o.Role())
	}
}

func TestUnexpectedMessagesIgnored(t *testing.T) {
	eng, sig := newFakeEngine(), newFakeSignal()
	o := New(eng, sig)
	ctx := context.Background()

	testCases := []protocol.Message{
		{Command: protocol.CommandAnswer, Payload: "v=0 early answer"},
		{Command: protocol.CommandICE, Payload: "not-a-candidate"},
		{Command: protocol.CommandState, Payload: "Ready"},
	}
	for _, msg := range testCases {
		if err := o.HandleMessage(ctx, msg); err != nil {
			t.Errorf("HandleMessage(%s) = %v", msg.Command, err)
		}
	}
	expectNoCall(t, eng)
	if o.buffer.Len() != 0 {
		t.Errorf("malformed candidate was buffered")
	}
}

func TestLocalCandidatesSent(t *testing.T) {
	eng, sig := newFakeEngine(), newFakeSignal()
	o := New(eng, sig)
	start(t, o)

	mid, index := "0", uint16(0)
	eng.events <- peer.Event{
		Type: peer.EventICECandidate,
		Candidate: webrtc.ICECandidateInit{
			Candidate:     "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host",
			SDPMid:        &mid,
			SDPMLineIndex: &index,
		},
	}

	msg := expectSent(t, sig, protocol.CommandICE)
	if msg.Payload != "0$0$candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host" {
		t.Errorf("ICE payload = %q", msg.Payload)
	}
}

func TestEngineEventsForwarded(t *testing.T) {
	eng, sig := newFakeEngine(), newFakeSignal()
	got := make(chan peer.EventType, 4)
	o := New(eng, sig, WithEventHandler(func(ev peer.Event) { got <- ev.Type }))
	start(t, o)

	eng.events <- peer.Event{Type: peer.EventChannelOpen}
	eng.events <- peer.Event{Type: peer.EventConnectionState, State: webrtc.PeerConnectionStateConnected}

	for _, want := range []peer.EventType{peer.EventChannelOpen, peer.EventConnectionState} {
		select {
		case ev := <-got:
			if ev != want {
				t.Errorf("forwarded %s, want %s", ev, want)
			}
		case <-time.After(waitTimeout):
			t.Fatalf("event %s not forwarded", want)
		}
	}
}

func TestTerminalStates(t *testing.T) {
	testCases := []struct {
		name   string
		states []protocol.State
	}{
		{"peer left after pairing", []protocol.State{protocol.StateReady, protocol.StateImpossible}},
		{"peer left during call", []protocol.State{protocol.StateImpossible, protocol.StateReady, protocol.StateActive, protocol.StateImpossible}},
		{"relay lost", []protocol.State{protocol.StateImpossible, protocol.StateOffline}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			eng, sig := newFakeEngine(), newFakeSignal()
			o := New(eng, sig)
			_, result := start(t, o)

			for _, st := range tc.states {
				sig.states <- st
			}
			if err := expectResult(t, result); !errors.Is(err, ErrCallEnded) {
				t.Fatalf("Run = %v, want ErrCallEnded", err)
			}
		})
	}
}

func TestWaitingAloneIsNotTerminal(t *testing.T) {
	eng, sig := newFakeEngine(), newFakeSignal()
	o := New(eng, sig)
	cancel, result := start(t, o)

	sig.states <- protocol.StateOffline
	sig.states <- protocol.StateImpossible

	select {
	case err := <-result:
		t.Fatalf("Run returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	cancel()
	if err := expectResult(t, result); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}
}

func TestStateStreamClosedEndsCall(t *testing.T) {
	eng, sig := newFakeEngine(), newFakeSignal()
	o := New(eng, sig)
	_, result := start(t, o)

	close(sig.states)
	if err := expectResult(t, result); !errors.Is(err, ErrCallEnded) {
		t.Fatalf("Run = %v, want ErrCallEnded", err)
	}
}

func TestClose(t *testing.T) {
	eng, sig := newFakeEngine(), newFakeSignal()
	o := New(eng, sig)
	_, result := start(t, o)

	sig.events <- protocol.Message{Command: protocol.CommandICE, Payload: "0$0$cand1"}
	sig.events <- protocol.Message{Command: protocol.CommandICE, Payload: "0$1$cand2"}

	// Wait for both candidates to reach the buffer.
	deadline := time.Now().Add(waitTimeout)
	for o.buffer.Len() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if err := o.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := o.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	if err := expectResult(t, result); err == nil {
		t.Fatal("Run returned nil after Close")
	}
	if o.buffer.Len() != 0 {
		t.Errorf("buffer not released")
	}
	sig.mu.Lock()
	defer sig.mu.Unlock()
	if !sig.closed {
		t.Errorf("signal not closed")
	}
}

func TestRoleString(t *testing.T) {
	for role, want := range map[Role]string{
		RoleUndecided: "undecided",
		RoleOfferer:   "offerer",
		RoleAnswerer:  "answerer",
	} {
		if got := role.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", role, got, want)
		}
	}
}
