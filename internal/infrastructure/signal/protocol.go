package signal

import (
	"encoding/json"
	"fmt"

	"instacast/internal/core/domain"
)

// Message types exchanged with the rendezvous server.
const (
	TypeRegister   = "register"
	TypeRegistered = "registered"
	TypeOffer      = "offer"
	TypeAnswer     = "answer"
	TypeHangup     = "hangup"
	TypeListHosts  = "list_hosts"
	TypeHosts      = "hosts"
	TypeError      = "error"
	TypePing       = "ping"
	TypePong       = "pong"
)

// Negotiation kinds. Each data connection and each media call is its own
// peer connection.
const (
	KindData  = "data"
	KindMedia = "media"
)

// Error codes carried in error messages.
const (
	CodeIDTaken         = "id_taken"
	CodeNotRegistered   = "not_registered"
	CodePeerUnavailable = "peer_unavailable"
	CodeInvalidMessage  = "invalid_message"
	CodeRateLimited     = "rate_limited"
	CodeInternal        = "internal"
)

type Message struct {
	Type         string          `json:"type"`
	From         domain.PeerID   `json:"from,omitempty"`
	To           domain.PeerID   `json:"to,omitempty"`
	ConnectionID string          `json:"connection_id,omitempty"`
	Kind         string          `json:"kind,omitempty"`
	RequestID    string          `json:"request_id,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
}

type RegisterPayload struct {
	PeerID domain.PeerID `json:"peer_id"`
	Name   string        `json:"name,omitempty"`
	Host   bool          `json:"host,omitempty"`
}

type SDPPayload struct {
	SDP string `json:"sdp"`
}

type HostsPayload struct {
	Hosts []domain.HostInfo `json:"hosts"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error is an error reply from the server.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("signal: %s: %s", e.Code, e.Message)
}

// NewMessage builds a message with payload marshalled into it.
func NewMessage(msgType string, payload interface{}) (Message, error) {
	msg := Message{Type: msgType}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return msg, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
	}
	msg.Payload = raw
	return msg, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", m.Type, err)
	}
	return nil
}

// Err converts an error message into an *Error. It returns nil for other
// message types.
func (m Message) Err() error {
	if m.Type != TypeError {
		return nil
	}
	var p ErrorPayload
	if err := m.Decode(&p); err != nil {
		return &Error{Code: CodeInternal, Message: err.Error()}
	}
	return &Error{Code: p.Code, Message: p.Message}
}
