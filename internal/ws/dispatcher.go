package ws

import (
	"log"

	"github.com/strangetalk/voice-app/internal/protocol"
)

// MessageHandler is the callback signature for handling a parsed inbound
// envelope.
type MessageHandler func(conn *Connection, env *protocol.Envelope)

// MessageDispatcher routes incoming WebSocket messages to registered
// handlers based on the envelope's type discriminator. Malformed envelopes
// and unknown types are discarded and logged; the connection stays open and
// no error is echoed back to the sender.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
	}
}

// Register associates a MessageHandler with a message type. If a handler was
// already registered for the given type, it is silently replaced.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the onMessage callback implementation. It parses the raw bytes
// into an envelope and routes it to the registered handler for its type.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	env, err := protocol.ParseEnvelope(data)
	if err != nil {
		log.Printf("ws: discarding malformed message id=%s: %v", conn.ID, err)
		return
	}

	handler, ok := d.handlers[env.Type]
	if !ok {
		log.Printf("ws: discarding unknown message type=%q id=%s", env.Type, conn.ID)
		return
	}

	handler(conn, env)
}
