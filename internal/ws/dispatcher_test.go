package ws

import (
	"testing"

	"github.com/strangetalk/voice-app/internal/protocol"
)

func TestDispatch_RoutesToRegisteredHandler(t *testing.T) {
	d := NewMessageDispatcher()

	var gotConn *Connection
	var gotEnv *protocol.Envelope
	d.Register(protocol.TypeFindPartner, func(conn *Connection, env *protocol.Envelope) {
		gotConn = conn
		gotEnv = env
	})

	c := &Connection{ID: "conn-1"}
	d.Dispatch(c, []byte(`{"type":"find-partner","payload":{"preferredCountry":"jp"}}`))

	if gotConn == nil {
		t.Fatal("handler was never invoked")
	}
	if gotConn.ID != "conn-1" {
		t.Errorf("unexpected connection %q", gotConn.ID)
	}
	if gotEnv.Type != protocol.TypeFindPartner {
		t.Errorf("unexpected type %q", gotEnv.Type)
	}
}

func TestDispatch_DiscardsMalformedMessage(t *testing.T) {
	d := NewMessageDispatcher()

	called := false
	d.Register(protocol.TypeChatMessage, func(*Connection, *protocol.Envelope) {
		called = true
	})

	c := &Connection{ID: "conn-1"}
	d.Dispatch(c, []byte(`{broken`))
	d.Dispatch(c, []byte(`{"payload":{}}`)) // no type field

	if called {
		t.Error("malformed messages must not reach handlers")
	}
}

func TestDispatch_DiscardsUnknownType(t *testing.T) {
	d := NewMessageDispatcher()

	called := false
	d.Register(protocol.TypeChatMessage, func(*Connection, *protocol.Envelope) {
		called = true
	})

	d.Dispatch(&Connection{ID: "conn-1"}, []byte(`{"type":"self-destruct"}`))

	if called {
		t.Error("unknown types must not reach handlers")
	}
}

func TestRegister_ReplacesExistingHandler(t *testing.T) {
	d := NewMessageDispatcher()

	first, second := false, false
	d.Register(protocol.TypeDisconnect, func(*Connection, *protocol.Envelope) { first = true })
	d.Register(protocol.TypeDisconnect, func(*Connection, *protocol.Envelope) { second = true })

	d.Dispatch(&Connection{ID: "conn-1"}, []byte(`{"type":"disconnect"}`))

	if first {
		t.Error("replaced handler must not run")
	}
	if !second {
		t.Error("replacement handler never ran")
	}
}
