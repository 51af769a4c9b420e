package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind is the closed set of envelope kinds on the wire.
type Kind string

const (
	KindOffer           Kind = "Offer"
	KindAnswer          Kind = "Answer"
	KindIceCandidate    Kind = "IceCandidate"
	KindTranscriptChunk Kind = "TranscriptChunk"
	KindConnectionAck   Kind = "ConnectionAck"
)

var (
	ErrMalformed      = errors.New("signaling: malformed envelope")
	ErrUnknownKind    = errors.New("signaling: unknown envelope kind")
	ErrServerOnlyKind = errors.New("signaling: envelope kind is server-only")
)

func (k Kind) Valid() bool {
	switch k {
	case KindOffer, KindAnswer, KindIceCandidate, KindTranscriptChunk, KindConnectionAck:
		return true
	}
	return false
}

// Envelope is a parsed inbound message. Raw holds the bytes as received and
// is what gets relayed.
type Envelope struct {
	Kind Kind
	Raw  json.RawMessage
}

// ParseEnvelope validates one inbound frame. Only peer-originated kinds are
// accepted; ConnectionAck is emitted by the broker and rejected here.
func ParseEnvelope(data []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if fields == nil {
		return Envelope{}, fmt.Errorf("%w: not an object", ErrMalformed)
	}
	rawKind, ok := fields["kind"]
	if !ok {
		return Envelope{}, fmt.Errorf("%w: missing kind", ErrMalformed)
	}
	var kind string
	if err := json.Unmarshal(rawKind, &kind); err != nil {
		return Envelope{}, fmt.Errorf("%w: kind must be a string", ErrMalformed)
	}

	k := Kind(kind)
	if !k.Valid() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if k == KindConnectionAck {
		return Envelope{}, fmt.Errorf("%w: %q", ErrServerOnlyKind, kind)
	}
	return Envelope{Kind: k, Raw: append(json.RawMessage(nil), data...)}, nil
}

// Decode unmarshals the envelope into the typed Message.
func (e Envelope) Decode() (Message, error) {
	var m Message
	if err := json.Unmarshal(e.Raw, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return m, nil
}

var connectionAck = []byte(`{"kind":"ConnectionAck"}`)

// IsConnectionAck reports whether data is the broker's registration ack.
func IsConnectionAck(data []byte) bool {
	var m struct {
		Kind Kind `json:"kind"`
	}
	return json.Unmarshal(data, &m) == nil && m.Kind == KindConnectionAck
}
