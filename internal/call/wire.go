package call

import (
	"github.com/1ureka/duet/internal/protocol"
	"github.com/pion/webrtc/v4"
)

func toWire(c webrtc.ICECandidateInit) protocol.Candidate {
	w := protocol.Candidate{Candidate: c.Candidate}
	if c.SDPMid != nil {
		w.SDPMid = *c.SDPMid
	}
	if c.SDPMLineIndex != nil {
		w.SDPMLineIndex = *c.SDPMLineIndex
	}
	return w
}

func fromWire(w protocol.Candidate) webrtc.ICECandidateInit {
	mid := w.SDPMid
	index := w.SDPMLineIndex
	return webrtc.ICECandidateInit{
		Candidate:     w.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &index,
	}
}
