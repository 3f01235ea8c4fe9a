// Package peer adapts a pion PeerConnection to the narrow engine surface the
// call orchestrator drives: description create/set, candidate add and a
// single ordered event stream.
package peer

import (
	"context"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Engine is the media-transport surface used during negotiation. Every
// method that talks to the underlying connection honours ctx cancellation.
type Engine interface {
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	SetLocalDescription(ctx context.Context, sdp webrtc.SessionDescription) error
	SetRemoteDescription(ctx context.Context, sdp webrtc.SessionDescription) error
	AddICECandidate(ctx context.Context, c webrtc.ICECandidateInit) error

	// Events delivers engine callbacks in the order they fired. The channel
	// is never closed; stop reading once Done is closed.
	Events() <-chan Event
	Done() <-chan struct{}
	Close() error
}

// EventType identifies what an Event carries.
type EventType uint8

const (
	// EventICECandidate carries a locally gathered candidate in Candidate.
	EventICECandidate EventType = iota
	// EventTrack carries a remote media track in Track.
	EventTrack
	// EventNegotiationNeeded fires when the local media set changed.
	EventNegotiationNeeded
	// EventConnectionState carries the new state in State.
	EventConnectionState
	// EventChannelOpen fires when the side channel is open.
	EventChannelOpen
	// EventChannelClosed fires when the side channel closed.
	EventChannelClosed
)

func (t EventType) String() string {
	switch t {
	case EventICECandidate:
		return "ice-candidate"
	case EventTrack:
		return "track"
	case EventNegotiationNeeded:
		return "negotiation-needed"
	case EventConnectionState:
		return "connection-state"
	case EventChannelOpen:
		return "channel-open"
	case EventChannelClosed:
		return "channel-closed"
	default:
		return fmt.Sprintf("event(%d)", uint8(t))
	}
}

// Event is one engine callback. Only the field matching Type is set.
type Event struct {
	Type      EventType
	Candidate webrtc.ICECandidateInit
	Track     *webrtc.TrackRemote
	State     webrtc.PeerConnectionState
}
