// Package sidechannel carries small call-control messages, such as the
// remote camera and microphone state, over the peer data channel.
package sidechannel

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Kind names what a Message reports.
type Kind string

const (
	KindCamera Kind = "CAMERA_STATE"
	KindMic    Kind = "MIC_STATE"
)

// Values carried by the camera and microphone kinds.
const (
	Enabled  = "ENABLED"
	Disabled = "DISABLED"
)

// Message is one side channel frame, encoded as a CBOR map with the keys
// "state" and "value".
type Message struct {
	State Kind   `cbor:"state"`
	Value string `cbor:"value"`
}

// Core deterministic encoding: the same message always produces the same
// bytes.
var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("sidechannel: CBOR encoder initialization failed: " + err.Error())
	}

	// Unknown map keys are ignored so newer peers can add fields.
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("sidechannel: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes m.
func Marshal(m Message) ([]byte, error) {
	return encMode.Marshal(m)
}

// Unmarshal decodes one frame.
func Unmarshal(data []byte) (Message, error) {
	var m Message
	if err := decMode.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("failed to decode side channel message: %w", err)
	}
	return m, nil
}

// FlagValue returns the wire value for an on/off flag.
func FlagValue(on bool) string {
	if on {
		return Enabled
	}
	return Disabled
}

// ParseFlag is the inverse of FlagValue.
func ParseFlag(value string) (bool, error) {
	switch value {
	case Enabled:
		return true, nil
	case Disabled:
		return false, nil
	default:
		return false, fmt.Errorf("unknown flag value: %q", value)
	}
}
