// Package protocol defines the WebSocket message types and structures used for
// communication between the client and server. All messages are serialized as
// JSON and follow a consistent envelope format: a type discriminator plus an
// optional payload object.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeFindPartner   = "find-partner"
	TypeNextPartner   = "next-partner"
	TypeDisconnect    = "disconnect"
	TypeVoiceOffer    = "voice-offer"
	TypeVoiceAnswer   = "voice-answer"
	TypeIceCandidate  = "ice-candidate"
	TypeChatMessage   = "chat-message"
	TypeGameRPS       = "game_rps"
	TypeGameTicTacToe = "game_tictactoe"
)

// Server -> Client message types. Chat, voice-signaling and game types are
// shared with the client->server set above since they are relayed.
const (
	TypeOnlineCount      = "online-count"
	TypeSearching        = "searching"
	TypeUserConnected    = "user-connected"
	TypeUserDisconnected = "user-disconnected"
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope is the wire format for every message in both directions:
//
//	{ "type": "<discriminator>", "payload": { ... } }
//
// Payload is kept raw so relayed messages can be forwarded without the server
// interpreting (or perturbing) their contents.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ParseEnvelope decodes raw WebSocket bytes into an Envelope. An error is
// returned for malformed JSON or a missing/empty type field.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol: failed to parse envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	return &env, nil
}

// IsSignaling reports whether the message type is one of the opaque WebRTC
// negotiation types that must be forwarded byte-for-byte.
func IsSignaling(msgType string) bool {
	switch msgType {
	case TypeVoiceOffer, TypeVoiceAnswer, TypeIceCandidate:
		return true
	}
	return false
}

// IsGame reports whether the message type is a relayed game event.
func IsGame(msgType string) bool {
	return msgType == TypeGameRPS || msgType == TypeGameTicTacToe
}

// ---------------------------------------------------------------------------
// Client -> Server payloads
// ---------------------------------------------------------------------------

// FindPartnerPayload carries the optional country preference sent with
// find-partner and next-partner requests. The preference is accepted but does
// not influence candidate selection (matching is strict FIFO).
type FindPartnerPayload struct {
	PreferredCountry string `json:"preferredCountry,omitempty"`
}

// ChatPayload is the payload of a client chat-message.
type ChatPayload struct {
	Message string `json:"message"`
}

// ---------------------------------------------------------------------------
// Server -> Client payloads
// ---------------------------------------------------------------------------

// OnlineCountPayload carries the aggregate connection count broadcast on
// every registry membership change.
type OnlineCountPayload struct {
	Count int `json:"count"`
}

// UserConnectedPayload announces a successful pairing, carrying the partner's
// id and display location.
type UserConnectedPayload struct {
	PartnerID      string `json:"partnerId"`
	PartnerCountry string `json:"partnerCountry"`
	PartnerFlag    string `json:"partnerFlag"`
}

// ChatRelayPayload is a chat message as delivered to the partner, stamped
// with the sender's id and a server-authoritative timestamp (unix millis).
type ChatRelayPayload struct {
	Message    string `json:"message"`
	FromUserID string `json:"fromUserId"`
	Timestamp  int64  `json:"timestamp"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// NewMessage builds the JSON bytes for an outbound message with the given
// type and payload struct. A nil payload produces an envelope with the type
// field only (e.g. user-disconnected, searching).
func NewMessage(msgType string, payload interface{}) ([]byte, error) {
	env := Envelope{Type: msgType}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal %q payload: %w", msgType, err)
		}
		env.Payload = raw
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal %q message: %w", msgType, err)
	}
	return out, nil
}

// NewGameRelay rebuilds a game event for delivery to the partner: the
// original payload object is preserved and the sender's id is merged in
// under the "fromUser" key.
func NewGameRelay(msgType string, payload json.RawMessage, fromUser string) ([]byte, error) {
	m := make(map[string]interface{})
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("protocol: %q payload is not an object: %w", msgType, err)
		}
	}
	m["fromUser"] = fromUser
	return NewMessage(msgType, m)
}
