package peer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

// Payload is what travels inside a relay signal envelope: either a session
// description or a single ICE candidate. The relay never sees this type;
// only peers encode and decode it.
type Payload struct {
	SDP       *SDP       `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
}

type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func sdpFromPion(desc webrtc.SessionDescription) SDP {
	return SDP{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
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

func candidateFromPion(init webrtc.ICECandidateInit) Candidate {
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

// ParsePayload strictly decodes a peer signal payload. Exactly one of the
// two fields must be present.
func ParsePayload(data []byte) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var p Payload
	if err := dec.Decode(&p); err != nil {
		return Payload{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Payload{}, fmt.Errorf("unexpected trailing data")
	}
	if (p.SDP == nil) == (p.Candidate == nil) {
		return Payload{}, fmt.Errorf("payload must carry exactly one of sdp or candidate")
	}
	return p, nil
}

func marshalSDPPayload(desc webrtc.SessionDescription) ([]byte, error) {
	sdp := sdpFromPion(desc)
	return json.Marshal(Payload{SDP: &sdp})
}

func marshalCandidatePayload(init webrtc.ICECandidateInit) ([]byte, error) {
	cand := candidateFromPion(init)
	return json.Marshal(Payload{Candidate: &cand})
}
