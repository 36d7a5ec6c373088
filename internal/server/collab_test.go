package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/plumenotehq/plumenote/internal/collab"
)

func wsURL(server *httptest.Server, docKey, token string) string {
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/collab/" + docKey
	if token != "" {
		url += "?token=" + token
	}
	return url
}

func mustDial(t *testing.T, server *httptest.Server, docKey, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, docKey, token), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func mustReadBinary(t *testing.T, conn *websocket.Conn) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	messageType, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if messageType != websocket.BinaryMessage {
		t.Fatalf("expected binary message, got type %d", messageType)
	}
	return payload
}

func TestCollabRejectsBadDocumentKey(t *testing.T) {
	env := mustTestEnv(t)
	server := httptest.NewServer(env.handler)
	defer server.Close()

	_, response, err := websocket.DefaultDialer.Dial(wsURL(server, "not-a-key", signTestToken(t, "alice")), nil)
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if response == nil || response.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 handshake response, got %#v", response)
	}
}

func TestCollabRejectsUnauthorizedBeforeUpgrade(t *testing.T) {
	env := mustTestEnv(t)
	server := httptest.NewServer(env.handler)
	defer server.Close()

	_, response, err := websocket.DefaultDialer.Dial(wsURL(server, "note:n1", ""), nil)
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if response == nil || response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 handshake response, got %#v", response)
	}
	if env.registry.SessionCount() != 0 {
		t.Fatalf("rejected connection must not create a session")
	}
}

func TestCollabDeliversInitialStateAndFansOut(t *testing.T) {
	env := mustTestEnv(t)
	env.seedNote(t, "n1", "alice", "")
	server := httptest.NewServer(env.handler)
	defer server.Close()

	connA := mustDial(t, server, "note:n1", signTestToken(t, "alice"))
	initialA := mustReadBinary(t, connA)
	if _, err := collab.DecodeState(initialA); err != nil {
		t.Fatalf("initial state invalid: %v", err)
	}

	update := collab.Update{Writes: []collab.BlockWrite{{
		BlockID: "b1",
		Value:   "hello from alice",
		Sort:    "0",
		Lamport: 1,
		Actor:   "alice",
	}}}
	payload, err := update.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if err := connA.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	// Wait for the update to land in the session before the second
	// connection joins, so it arrives in the initial state.
	deadline := time.Now().Add(2 * time.Second)
	for {
		key, err := collab.KeyForNote("n1")
		if err != nil {
			t.Fatalf("unexpected key error: %v", err)
		}
		if raw, ok := env.registry.LiveSnapshot(key); ok {
			state, err := collab.DecodeState(raw)
			if err == nil && state.BlockCount() > 0 {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("update never reached the session")
		}
		time.Sleep(10 * time.Millisecond)
	}

	connB := mustDial(t, server, "note:n1", signTestToken(t, "bob"))
	initialB := mustReadBinary(t, connB)
	state, err := collab.DecodeState(initialB)
	if err != nil {
		t.Fatalf("initial state invalid: %v", err)
	}
	if state.Text() != "hello from alice" {
		t.Fatalf("expected joined connection to see prior edits, got %q", state.Text())
	}

	// Edits from one connection are broadcast to the other, not echoed.
	second := collab.Update{Writes: []collab.BlockWrite{{
		BlockID: "b2",
		Value:   "hello from bob",
		Sort:    "1",
		Lamport: 2,
		Actor:   "bob",
	}}}
	payload, err = second.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if err := connB.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	broadcast := mustReadBinary(t, connA)
	received, err := collab.DecodeUpdate(broadcast)
	if err != nil {
		t.Fatalf("broadcast invalid: %v", err)
	}
	if len(received.Writes) != 1 || received.Writes[0].Value != "hello from bob" {
		t.Fatalf("unexpected broadcast: %#v", received)
	}
}

func TestCollabMalformedUpdateKeepsConnectionOpen(t *testing.T) {
	env := mustTestEnv(t)
	env.seedNote(t, "n1", "alice", "")
	server := httptest.NewServer(env.handler)
	defer server.Close()

	conn := mustDial(t, server, "note:n1", signTestToken(t, "alice"))
	mustReadBinary(t, conn)

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("not json")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	// The connection survives the rejected payload and keeps serving.
	valid := collab.Update{Writes: []collab.BlockWrite{{
		BlockID: "b1",
		Value:   "still here",
		Sort:    "0",
		Lamport: 1,
		Actor:   "alice",
	}}}
	payload, err := valid.Encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	key, err := collab.KeyForNote("n1")
	if err != nil {
		t.Fatalf("unexpected key error: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if raw, ok := env.registry.LiveSnapshot(key); ok {
			state, err := collab.DecodeState(raw)
			if err == nil && state.Text() == "still here" {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("valid update after malformed payload never applied")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
