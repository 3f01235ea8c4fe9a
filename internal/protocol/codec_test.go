package protocol_test

import (
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/1ureka/duet/internal/protocol"
)

// TestEncode verifies the "<COMMAND> <payload>" frame layout.
func TestEncode(t *testing.T) {
	testCases := []struct {
		name string
		msg  protocol.Message
		want string
	}{
		{"state", protocol.Message{Command: protocol.CommandState, Payload: "Ready"}, "STATE Ready"},
		{"offer with spaces", protocol.Message{Command: protocol.CommandOffer, Payload: "v=0\r\no=- 1 2 IN IP4 0.0.0.0"}, "OFFER v=0\r\no=- 1 2 IN IP4 0.0.0.0"},
		{"empty payload", protocol.Message{Command: protocol.CommandState}, "STATE "},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := protocol.Encode(tc.msg); got != tc.want {
				t.Errorf("Encode = %q, want %q", got, tc.want)
			}
		})
	}
}

// TestDecode covers case-insensitive matching and verbatim payloads.
func TestDecode(t *testing.T) {
	testCases := []struct {
		name    string
		text    string
		want    protocol.Message
		wantErr error
	}{
		{"state", "STATE Active", protocol.Message{Command: protocol.CommandState, Payload: "Active"}, nil},
		{"lowercase command", "offer sdp-A", protocol.Message{Command: protocol.CommandOffer, Payload: "sdp-A"}, nil},
		{"payload keeps spaces", "ANSWER a b  c", protocol.Message{Command: protocol.CommandAnswer, Payload: "a b  c"}, nil},
		{"ice", "ICE 0$0$candidate:1 1 udp", protocol.Message{Command: protocol.CommandICE, Payload: "0$0$candidate:1 1 udp"}, nil},
		{"no payload", "STATE", protocol.Message{Command: protocol.CommandState}, nil},
		{"empty", "", protocol.Message{}, protocol.ErrEmptyMessage},
		{"unknown", "HELLO world", protocol.Message{}, protocol.ErrUnknownCommand},
		{"prefix is not a command", "STATEFUL x", protocol.Message{}, protocol.ErrUnknownCommand},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := protocol.Decode(tc.text)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("Decode(%q) error = %v, want %v", tc.text, err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode(%q) failed: %v", tc.text, err)
			}
			if got != tc.want {
				t.Errorf("Decode(%q) = %+v, want %+v", tc.text, got, tc.want)
			}
		})
	}
}

// TestCandidateRoundTrip verifies that separator-free fields survive
// EncodeCandidate followed by DecodeCandidate.
func TestCandidateRoundTrip(t *testing.T) {
	testCases := []protocol.Candidate{
		{SDPMid: "0", SDPMLineIndex: 0, Candidate: "candidate:1 1 udp 2130706431 10.0.0.1 5000 typ host"},
		{SDPMid: "audio", SDPMLineIndex: 1, Candidate: "candidate:842163049 1 udp 1677729535 1.2.3.4 52345 typ srflx raddr 0.0.0.0 rport 0"},
		{SDPMid: "", SDPMLineIndex: 65535, Candidate: ""},
	}

	for _, want := range testCases {
		encoded := protocol.EncodeCandidate(want)
		got, err := protocol.DecodeCandidate(encoded)
		if err != nil {
			t.Fatalf("DecodeCandidate(%q) failed: %v", encoded, err)
		}
		if got != want {
			t.Errorf("round trip = %+v, want %+v", got, want)
		}
	}
}

// TestDecodeCandidateScenario decodes the literal payload used by the
// buffering scenario.
func TestDecodeCandidateScenario(t *testing.T) {
	got, err := protocol.DecodeCandidate("1$0$cand1")
	if err != nil {
		t.Fatalf("DecodeCandidate failed: %v", err)
	}
	want := protocol.Candidate{SDPMid: "1", SDPMLineIndex: 0, Candidate: "cand1"}
	if got != want {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestDecodeCandidateMalformed(t *testing.T) {
	for _, payload := range []string{"", "0", "0$1", "0$x$cand", "0$-1$cand", "0$70000$cand"} {
		if _, err := protocol.DecodeCandidate(payload); !errors.Is(err, protocol.ErrMalformedCandidate) {
			t.Errorf("DecodeCandidate(%q) error = %v, want ErrMalformedCandidate", payload, err)
		}
	}
}

func TestParseState(t *testing.T) {
	for _, s := range []protocol.State{
		protocol.StateActive, protocol.StateCreating, protocol.StateReady,
		protocol.StateImpossible, protocol.StateOffline,
	} {
		got, err := protocol.ParseState(string(s))
		if err != nil || got != s {
			t.Errorf("ParseState(%q) = %q, %v", s, got, err)
		}
	}

	if _, err := protocol.ParseState("ready"); !errors.Is(err, protocol.ErrUnknownState) {
		t.Errorf("ParseState(\"ready\") error = %v, want ErrUnknownState", err)
	}
}

func TestDecodeUnknownCommandKeepsRunes(t *testing.T) {
	head := strings.Repeat("X", 31) + "é" + strings.Repeat("Y", 8)

	_, err := protocol.Decode(head + " payload")
	if !errors.Is(err, protocol.ErrUnknownCommand) {
		t.Fatalf("err = %v, want ErrUnknownCommand", err)
	}
	msg := err.Error()
	if strings.Contains(msg, `\x`) || !utf8.ValidString(msg) {
		t.Fatalf("error splits a rune: %s", msg)
	}
	if !strings.Contains(msg, strings.Repeat("X", 31)+"…") {
		t.Errorf("error = %s, want head cut before the rune", msg)
	}
}
