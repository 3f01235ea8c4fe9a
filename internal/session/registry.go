// Package session holds the relay-side participant registry and the shared
// call state machine.
package session

import (
	"sync"

	"github.com/google/uuid"

	"github.com/1ureka/duet/internal/protocol"
)

// MaxParticipants is the number of participants a call pairs up.
const MaxParticipants = 2

// Sink is the outbound side of a participant connection. Send must not block;
// it reports whether the frame was accepted for delivery.
type Sink interface {
	Send(text string) bool
}

// Registry owns the participants of one call and its state. All methods are
// safe for concurrent use.
//
// Membership and state are guarded by a single mutex. Frames are handed to the
// sinks while that mutex is held so that every participant observes state
// notifications in transition order; Sink.Send is non-blocking, so no I/O
// happens under the lock.
type Registry struct {
	mu           sync.Mutex
	participants map[uuid.UUID]Sink
	order        []uuid.UUID // join order, used for deterministic fan-out
	state        protocol.State
}

// NewRegistry returns an empty registry in the Impossible state.
func NewRegistry() *Registry {
	return &Registry{
		participants: make(map[uuid.UUID]Sink, MaxParticipants),
		state:        protocol.StateImpossible,
	}
}

// State returns the current call state.
func (r *Registry) State() protocol.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Count returns the number of registered participants.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Join registers a participant. When the registry is already full it returns
// ErrSessionFull and changes nothing; the caller is expected to close the
// connection. A join that completes the pair moves the state to Ready. Every
// registered participant is then told the current state.
func (r *Registry) Join(id uuid.UUID, sink Sink) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.order) >= MaxParticipants {
		return ErrSessionFull
	}
	if _, ok := r.participants[id]; ok {
		return ErrAlreadyJoined
	}

	r.participants[id] = sink
	r.order = append(r.order, id)

	if len(r.order) == MaxParticipants {
		r.state = protocol.StateReady
	}

	r.broadcastLocked()
	return nil
}

// Leave removes a participant, resets the state to Impossible and notifies
// whoever remains. Calling Leave for an unknown or already removed id is a
// no-op.
func (r *Registry) Leave(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.participants[id]; !ok {
		return
	}

	delete(r.participants, id)
	for i, other := range r.order {
		if other == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	r.state = protocol.StateImpossible
	r.broadcastLocked()
}

// Resync re-sends the current state to every participant.
func (r *Registry) Resync() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked()
}

// Handle processes one frame sent by participant id.
//
// OFFER is accepted only in Ready and ANSWER only in Creating; anything else
// returns a *ProtocolError and leaves the state untouched. ICE is relayed in
// any state. Relays to a participant that has just left are silently dropped.
func (r *Registry) Handle(id uuid.UUID, msg protocol.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sender, ok := r.participants[id]
	if !ok {
		return ErrNotJoined
	}

	switch msg.Command {
	case protocol.CommandState:
		sender.Send(stateFrame(r.state))

	case protocol.CommandOffer:
		if r.state != protocol.StateReady {
			return &ProtocolError{Command: msg.Command, State: r.state, Want: protocol.StateReady}
		}
		r.state = protocol.StateCreating
		r.broadcastLocked()
		r.relayLocked(id, msg)

	case protocol.CommandAnswer:
		if r.state != protocol.StateCreating {
			return &ProtocolError{Command: msg.Command, State: r.state, Want: protocol.StateCreating}
		}
		r.state = protocol.StateActive
		r.relayLocked(id, msg)
		r.broadcastLocked()

	case protocol.CommandICE:
		r.relayLocked(id, msg)

	default:
		return ErrUnsupportedCommand
	}

	return nil
}

// relayLocked forwards msg verbatim to every participant that is not from.
// With two participants at most this is "the other one".
func (r *Registry) relayLocked(from uuid.UUID, msg protocol.Message) {
	frame := protocol.Encode(msg)
	for _, id := range r.order {
		if id == from {
			continue
		}
		r.participants[id].Send(frame)
	}
}

// broadcastLocked sends the current state to every participant.
func (r *Registry) broadcastLocked() {
	frame := stateFrame(r.state)
	for _, id := range r.order {
		r.participants[id].Send(frame)
	}
}

func stateFrame(st protocol.State) string {
	return protocol.Encode(protocol.Message{Command: protocol.CommandState, Payload: string(st)})
}
