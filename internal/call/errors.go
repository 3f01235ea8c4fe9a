package call

import (
	"errors"
	"fmt"
)

// ErrCallEnded is returned by Run once the relay connection is gone or the
// other participant left after the pair had formed.
var ErrCallEnded = errors.New("call ended")

// Step names a negotiation step in a NegotiationError.
type Step string

const (
	StepCreateOffer     Step = "create offer"
	StepSetLocalOffer   Step = "set local offer"
	StepSendOffer       Step = "send offer"
	StepRollback        Step = "roll back local offer"
	StepSetRemoteOffer  Step = "set remote offer"
	StepCreateAnswer    Step = "create answer"
	StepSetLocalAnswer  Step = "set local answer"
	StepSendAnswer      Step = "send answer"
	StepSetRemoteAnswer Step = "set remote answer"
)

// NegotiationError reports an engine or transport failure during description
// exchange. The call does not proceed after one.
type NegotiationError struct {
	Step Step
	Err  error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Step, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }
