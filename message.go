package ffrtc

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// MessageType tags a signaling message.
type MessageType string

const (
	MessageTypeOffer     MessageType = "offer"
	MessageTypeAnswer    MessageType = "answer"
	MessageTypeCandidate MessageType = "candidate"
)

// Message is one signaling message.
//
// On the wire descriptions are {"type":"offer"|"answer","sdp":"..."} and
// candidates are {"type":"candidate","candidate":{...}|null}. A candidate
// message with a nil Candidate marks the end of candidates.
type Message struct {
	Type      MessageType
	SDP       string
	Candidate *webrtc.ICECandidateInit
}

// OfferMessage wraps an offer SDP.
func OfferMessage(sdp string) Message {
	return Message{Type: MessageTypeOffer, SDP: sdp}
}

// AnswerMessage wraps an answer SDP.
func AnswerMessage(sdp string) Message {
	return Message{Type: MessageTypeAnswer, SDP: sdp}
}

// CandidateMessage wraps a candidate; nil is the end-of-candidates marker.
func CandidateMessage(c *webrtc.ICECandidateInit) Message {
	return Message{Type: MessageTypeCandidate, Candidate: c}
}

// DescriptionMessage converts a session description.
func DescriptionMessage(d webrtc.SessionDescription) Message {
	return Message{Type: MessageType(d.Type.String()), SDP: d.SDP}
}

// IsDescription reports whether m carries an offer or answer.
func (m Message) IsDescription() bool {
	return m.Type == MessageTypeOffer || m.Type == MessageTypeAnswer
}

// IsEndOfCandidates reports whether m is the end-of-candidates marker.
func (m Message) IsEndOfCandidates() bool {
	return m.Type == MessageTypeCandidate && m.Candidate == nil
}

func (m Message) String() string {
	switch {
	case m.IsDescription():
		return fmt.Sprintf("%s (%d bytes sdp)", m.Type, len(m.SDP))
	case m.IsEndOfCandidates():
		return "candidate (end)"
	case m.Type == MessageTypeCandidate:
		return "candidate " + m.Candidate.Candidate
	default:
		return string(m.Type)
	}
}

type wireDescription struct {
	Type MessageType `json:"type"`
	SDP  string      `json:"sdp"`
}

type wireCandidate struct {
	Type      MessageType              `json:"type"`
	Candidate *webrtc.ICECandidateInit `json:"candidate"`
}

// MarshalJSON implements json.Marshaler.
func (m Message) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case MessageTypeOffer, MessageTypeAnswer:
		return json.Marshal(wireDescription{Type: m.Type, SDP: m.SDP})
	case MessageTypeCandidate:
		return json.Marshal(wireCandidate{Type: m.Type, Candidate: m.Candidate})
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
}

// UnmarshalJSON implements json.Unmarshaler. Besides the tagged forms it
// accepts a bare candidate object and a bare null, as browsers emit from
// onicecandidate.
func (m *Message) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*m = CandidateMessage(nil)
		return nil
	}

	var raw struct {
		Type      MessageType     `json:"type"`
		SDP       string          `json:"sdp"`
		Candidate json.RawMessage `json:"candidate"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMessage, err)
	}

	switch raw.Type {
	case MessageTypeOffer, MessageTypeAnswer:
		*m = Message{Type: raw.Type, SDP: raw.SDP}
		return nil

	case MessageTypeCandidate:
		if len(raw.Candidate) == 0 || bytes.Equal(raw.Candidate, []byte("null")) {
			*m = CandidateMessage(nil)
			return nil
		}
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(raw.Candidate, &c); err != nil {
			return fmt.Errorf("%w: candidate: %w", ErrInvalidMessage, err)
		}
		*m = candidateOrEnd(c)
		return nil

	case "":
		if len(raw.Candidate) > 0 && raw.Candidate[0] == '"' {
			var c webrtc.ICECandidateInit
			if err := json.Unmarshal(data, &c); err != nil {
				return fmt.Errorf("%w: candidate: %w", ErrInvalidMessage, err)
			}
			*m = candidateOrEnd(c)
			return nil
		}
		return fmt.Errorf("%w: missing type", ErrInvalidMessage)

	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, raw.Type)
	}
}

// candidateOrEnd maps the empty candidate string, which some browsers send
// instead of null, to the end marker.
func candidateOrEnd(c webrtc.ICECandidateInit) Message {
	if c.Candidate == "" {
		return CandidateMessage(nil)
	}
	return CandidateMessage(&c)
}

// EncodeMessage encodes m for the wire.
func EncodeMessage(m Message) ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage decodes one wire message.
func DecodeMessage(data []byte) (Message, error) {
	// Called directly so syntax errors are reported as ErrInvalidMessage too.
	var m Message
	if err := m.UnmarshalJSON(data); err != nil {
		return Message{}, err
	}
	return m, nil
}
