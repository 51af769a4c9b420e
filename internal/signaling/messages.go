package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// SDP is the JSON form of a session description.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{Type: desc.Type.String(), SDP: desc.SDP}
}

func (s SDP) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Message is the typed view of an envelope used by clients. Which fields are
// set depends on Kind.
type Message struct {
	Kind      Kind       `json:"kind"`
	SDP       *SDP       `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
	// Number is the caller's number, carried on Offer.
	Number string `json:"number,omitempty"`
	// Text is a transcript line, carried on TranscriptChunk.
	Text string `json:"text,omitempty"`
}

// Encode marshals m after checking that its kind may be sent by a peer.
func Encode(m Message) ([]byte, error) {
	if !m.Kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}
	if m.Kind == KindConnectionAck {
		return nil, fmt.Errorf("%w: %q", ErrServerOnlyKind, m.Kind)
	}
	switch m.Kind {
	case KindOffer, KindAnswer:
		if m.SDP == nil || m.SDP.SDP == "" {
			return nil, fmt.Errorf("%w: %s without sdp", ErrMalformed, m.Kind)
		}
	case KindIceCandidate:
		if m.Candidate == nil {
			return nil, fmt.Errorf("%w: IceCandidate without candidate", ErrMalformed)
		}
	}
	return json.Marshal(m)
}
