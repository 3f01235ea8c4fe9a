package session

import (
	"errors"
	"fmt"

	"github.com/1ureka/duet/internal/protocol"
)

var (
	// ErrSessionFull is returned by Join when two participants are already
	// registered. It is capacity control, not a failure.
	ErrSessionFull = errors.New("session already has two participants")

	ErrAlreadyJoined      = errors.New("participant already joined")
	ErrNotJoined          = errors.New("participant is not registered")
	ErrUnsupportedCommand = errors.New("command not accepted by the relay")

	// ErrProtocolViolation matches every *ProtocolError via errors.Is.
	ErrProtocolViolation = errors.New("signaling protocol violation")
)

// ProtocolError reports a handshake frame received in the wrong call state.
// It means the two clients are out of step with each other.
type ProtocolError struct {
	Command protocol.Command
	State   protocol.State // state when the frame arrived
	Want    protocol.State // state the command requires
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s received in state %s (requires %s)", e.Command, e.State, e.Want)
}

func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocolViolation
}
