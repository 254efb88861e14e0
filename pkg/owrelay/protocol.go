package owrelay

import (
	"encoding/json"
	"fmt"
)

const (
	// ProtocolVersion identifies this wire protocol revision. It is carried
	// as the websocket subprotocol and in registration requests, so both
	// sides can refuse a peer speaking something else.
	ProtocolVersion = "onionward-v1"

	// StreamChannelType is the SSH channel type the relay opens toward the
	// service for each incoming rendezvous stream.
	StreamChannelType = "onionward-stream"

	// RegisterRequestName is the SSH global request that publishes the
	// service under its name and advertises its virtual ports.
	RegisterRequestName = "onionward-register"

	// PingRequestName is the SSH global request used as a keepalive.
	PingRequestName = "onionward-ping"
)

// RegisterRequest is the registration payload the service sends once per
// session, immediately after the SSH handshake.
type RegisterRequest struct {
	Version string   `json:"version"`
	Ports   []uint16 `json:"ports"`
}

// Marshal serializes a RegisterRequest for the wire
func (r *RegisterRequest) Marshal() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("Unable to serialize registration request: %s", err)
	}
	return b, nil
}

// Unmarshal deserializes a RegisterRequest from the wire
func (r *RegisterRequest) Unmarshal(b []byte) error {
	err := json.Unmarshal(b, r)
	if err != nil {
		return fmt.Errorf("Invalid registration request: %s", err)
	}
	return nil
}

// RegisterReply is the relay's answer to a RegisterRequest. Name is the
// public service name the relay derived from the authenticated service key;
// the service verifies it against its own derivation before trusting it.
type RegisterReply struct {
	Name string `json:"name"`
}

// Marshal serializes a RegisterReply for the wire
func (r *RegisterReply) Marshal() ([]byte, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("Unable to serialize registration reply: %s", err)
	}
	return b, nil
}

// Unmarshal deserializes a RegisterReply from the wire
func (r *RegisterReply) Unmarshal(b []byte) error {
	err := json.Unmarshal(b, r)
	if err != nil {
		return fmt.Errorf("Invalid registration reply: %s", err)
	}
	return nil
}

// StreamHeader is the ExtraData payload on each StreamChannelType channel,
// describing the rendezvous stream before it is accepted.
type StreamHeader struct {
	// Port is the virtual port the remote client addressed
	Port uint16 `json:"port"`

	// Origin is an opaque token for the stream's origin, e.g. a rendezvous
	// circuit id. Sensitive; never logged in plaintext.
	Origin string `json:"origin,omitempty"`
}

// Marshal serializes a StreamHeader for the wire
func (h *StreamHeader) Marshal() ([]byte, error) {
	b, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("Unable to serialize stream header: %s", err)
	}
	return b, nil
}

// Unmarshal deserializes a StreamHeader from the wire
func (h *StreamHeader) Unmarshal(b []byte) error {
	err := json.Unmarshal(b, h)
	if err != nil {
		return fmt.Errorf("Invalid stream header: %s", err)
	}
	return nil
}
