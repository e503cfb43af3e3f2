package media

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

var ErrUnknownSignal = errors.New("media: unknown signal")

// signalKind is the "type" field of a media message.
type signalKind string

const (
	kindOffer     signalKind = "offer"
	kindAnswer    signalKind = "answer"
	kindCandidate signalKind = "candidate"
)

// signal is the JSON carried in MediaMessage between two peers. Session
// descriptions use type and sdp; candidates use the remaining fields.
// Candidates without a type field are accepted too.
type signal struct {
	Type          signalKind `json:"type,omitempty"`
	SDP           string     `json:"sdp,omitempty"`
	SDPMid        *string    `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16    `json:"sdpMLineIndex,omitempty"`
	Candidate     string     `json:"candidate,omitempty"`
}

func parseSignal(raw string) (signal, error) {
	var s signal
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return signal{}, fmt.Errorf("media: bad signal: %w", err)
	}
	if s.Type == "" && s.Candidate != "" {
		s.Type = kindCandidate
	}
	switch s.Type {
	case kindOffer, kindAnswer:
		if s.SDP == "" {
			return signal{}, fmt.Errorf("media: %s without sdp", s.Type)
		}
	case kindCandidate:
		if s.Candidate == "" {
			return signal{}, errors.New("media: empty candidate")
		}
	default:
		return signal{}, fmt.Errorf("%w: %q", ErrUnknownSignal, s.Type)
	}
	return s, nil
}

func (s signal) description() webrtc.SessionDescription {
	typ := webrtc.SDPTypeOffer
	if s.Type == kindAnswer {
		typ = webrtc.SDPTypeAnswer
	}
	return webrtc.SessionDescription{Type: typ, SDP: s.SDP}
}

func (s signal) candidate() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     s.Candidate,
		SDPMid:        s.SDPMid,
		SDPMLineIndex: s.SDPMLineIndex,
	}
}

func encodeDescription(d *webrtc.SessionDescription) (string, error) {
	kind := kindOffer
	if d.Type == webrtc.SDPTypeAnswer {
		kind = kindAnswer
	}
	data, err := json.Marshal(signal{Type: kind, SDP: d.SDP})
	return string(data), err
}
