package protocol

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Separators used by the wire format.
const (
	commandSeparator   = " "
	CandidateSeparator = "$" // not expected to occur in SDP text
)

var (
	ErrEmptyMessage       = errors.New("empty signaling message")
	ErrUnknownCommand     = errors.New("unknown signaling command")
	ErrUnknownState       = errors.New("unknown call state")
	ErrMalformedCandidate = errors.New("malformed ICE payload")
)

// Encode serializes a Message into a text frame: "<COMMAND> <payload>".
func Encode(msg Message) string {
	return string(msg.Command) + commandSeparator + msg.Payload
}

// Decode parses a text frame. The command is matched case-insensitively and
// the payload is everything after the first space, kept verbatim.
func Decode(text string) (Message, error) {
	if text == "" {
		return Message{}, ErrEmptyMessage
	}

	head, payload, _ := strings.Cut(text, commandSeparator)
	for _, cmd := range commands {
		if strings.EqualFold(head, string(cmd)) {
			return Message{Command: cmd, Payload: payload}, nil
		}
	}

	return Message{}, fmt.Errorf("%w: %q", ErrUnknownCommand, truncate(head, 32))
}

// Candidate is the decoded form of an ICE payload.
type Candidate struct {
	SDPMid        string
	SDPMLineIndex uint16
	Candidate     string // candidate line as produced by the engine
}

// EncodeCandidate joins the three candidate fields with CandidateSeparator.
func EncodeCandidate(c Candidate) string {
	return strings.Join([]string{
		c.SDPMid,
		strconv.FormatUint(uint64(c.SDPMLineIndex), 10),
		c.Candidate,
	}, CandidateSeparator)
}

// DecodeCandidate splits an ICE payload into its three fields.
func DecodeCandidate(payload string) (Candidate, error) {
	fields := strings.SplitN(payload, CandidateSeparator, 3)
	if len(fields) != 3 {
		return Candidate{}, fmt.Errorf("%w: want 3 fields, got %d", ErrMalformedCandidate, len(fields))
	}

	index, err := strconv.ParseUint(fields[1], 10, 16)
	if err != nil {
		return Candidate{}, fmt.Errorf("%w: media-line index %q", ErrMalformedCandidate, fields[1])
	}

	return Candidate{
		SDPMid:        fields[0],
		SDPMLineIndex: uint16(index),
		Candidate:     fields[2],
	}, nil
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
