package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// PresenceType is the only accepted value of the presence "type" field.
const PresenceType = "presence"

// ErrInvalidPresence indicates a datagram that is not a usable presence message.
var ErrInvalidPresence = errors.New("discovery: invalid presence message")

// PresenceMessage is the UDP broadcast payload announcing one device.
type PresenceMessage struct {
	Type       string `json:"type"`
	DeviceID   string `json:"deviceId"`
	DeviceName string `json:"deviceName"`
	Email      string `json:"email"`
	Timestamp  int64  `json:"timestamp"`
}

// EncodePresence marshals a presence message to its wire form.
func EncodePresence(msg PresenceMessage) ([]byte, error) {
	if msg.Type == "" {
		msg.Type = PresenceType
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal presence message: %w", err)
	}
	return payload, nil
}

// DecodePresence parses and validates one datagram.
func DecodePresence(payload []byte) (PresenceMessage, error) {
	var msg PresenceMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return PresenceMessage{}, fmt.Errorf("%w: %v", ErrInvalidPresence, err)
	}
	if msg.Type != PresenceType {
		return PresenceMessage{}, fmt.Errorf("%w: unexpected type %q", ErrInvalidPresence, msg.Type)
	}
	if strings.TrimSpace(msg.DeviceID) == "" {
		return PresenceMessage{}, fmt.Errorf("%w: missing deviceId", ErrInvalidPresence)
	}
	return msg, nil
}
