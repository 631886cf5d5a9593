package domain

import (
	"encoding/json"
	"fmt"
)

const ControlTypeToggleMute = "toggleMute"

// ControlMessage is the only application message exchanged on a data
// connection. Delivery is best-effort.
type ControlMessage struct {
	Type  string `json:"type"`
	Muted bool   `json:"muted"`
}

func NewToggleMute(muted bool) ControlMessage {
	return ControlMessage{Type: ControlTypeToggleMute, Muted: muted}
}

func (m ControlMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeControlMessage parses a wire message. Unknown types yield
// ErrUnknownControl; a toggleMute without a boolean muted field yields
// ErrMalformedControl.
func DecodeControlMessage(data []byte) (ControlMessage, error) {
	var raw struct {
		Type  string `json:"type"`
		Muted *bool  `json:"muted"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return ControlMessage{}, fmt.Errorf("%w: %v", ErrMalformedControl, err)
	}
	if raw.Type != ControlTypeToggleMute {
		return ControlMessage{}, fmt.Errorf("%w: %q", ErrUnknownControl, raw.Type)
	}
	if raw.Muted == nil {
		return ControlMessage{}, fmt.Errorf("%w: missing muted", ErrMalformedControl)
	}
	return ControlMessage{Type: raw.Type, Muted: *raw.Muted}, nil
}
