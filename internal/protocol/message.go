// Package protocol defines the text wire format spoken between call clients
// and the signaling relay.
package protocol

import (
	"fmt"
	"strings"
)

// Command identifies the kind of a signaling frame.
type Command string

// Signaling commands.
const (
	CommandState  Command = "STATE"  // call state announcement (server→client) or query (client→server)
	CommandOffer  Command = "OFFER"  // session description offer
	CommandAnswer Command = "ANSWER" // session description answer
	CommandICE    Command = "ICE"    // connectivity candidate, see EncodeCandidate
)

// commands lists every known command in match order.
var commands = []Command{CommandState, CommandOffer, CommandAnswer, CommandICE}

// Message is one signaling frame: a command and its raw payload.
type Message struct {
	Command Command
	Payload string
}

func (m Message) String() string {
	return fmt.Sprintf("%s (%d bytes)", m.Command, len(m.Payload))
}

// State is the call state shared by both ends of a call.
type State string

// Call states. Offline is never sent by the relay; clients use it while they
// have no working connection to it.
const (
	StateActive     State = "Active"     // offer and answer have both been relayed
	StateCreating   State = "Creating"   // an offer has been relayed, waiting for the answer
	StateReady      State = "Ready"      // two participants connected, no offer yet
	StateImpossible State = "Impossible" // fewer than two participants
	StateOffline    State = "Offline"    // no connection to the relay
)

// ParseState converts a wire value into a State.
func ParseState(s string) (State, error) {
	switch st := State(strings.TrimSpace(s)); st {
	case StateActive, StateCreating, StateReady, StateImpossible, StateOffline:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownState, s)
}
