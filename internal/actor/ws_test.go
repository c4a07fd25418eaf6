package actor

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weavenet/weave/internal/events"
)

func dialWS(t *testing.T, a *Actor) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(a.HandleWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame map[string]interface{}
	require.NoError(t, json.Unmarshal(payload, &frame))
	return frame
}

func TestWS_PromptRoundTrip(t *testing.T) {
	f := newFixture(t)
	f.rt.Reply("ws hello")
	a := f.actor(t, "alice")
	conn := dialWS(t, a)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type":   "prompt",
		"id":     "req-1",
		"prompt": "hello over ws",
	}))

	frame := readFrame(t, conn)
	assert.Equal(t, "prompt.result", frame["type"])
	assert.Equal(t, "req-1", frame["id"])
	result := frame["result"].(map[string]interface{})
	assert.Equal(t, "ws hello", result["output"])

	// The turn landed in the session like an HTTP prompt would.
	sess, err := f.deps.DB.GetSession("alice")
	require.NoError(t, err)
	require.Len(t, sess.Messages, 2)
	assert.Equal(t, "hello over ws", sess.Messages[0].Content)
}

func TestWS_PromptErrorFrame(t *testing.T) {
	f := newFixture(t)
	f.rt.Fail(errors.New("model offline"))
	a := f.actor(t, "alice")
	conn := dialWS(t, a)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "prompt", "id": "req-1", "prompt": "hello",
	}))

	frame := readFrame(t, conn)
	assert.Equal(t, "prompt.error", frame["type"])
	assert.Equal(t, "req-1", frame["id"])
	assert.Contains(t, frame["error"], "model offline")
}

func TestWS_InvalidJSONFrame(t *testing.T) {
	f := newFixture(t)
	a := f.actor(t, "alice")
	conn := dialWS(t, a)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))
	frame := readFrame(t, conn)
	assert.Equal(t, "prompt.error", frame["type"])
	assert.Equal(t, "Invalid JSON", frame["error"])
}

func TestWS_UnknownMessageType(t *testing.T) {
	f := newFixture(t)
	a := f.actor(t, "alice")
	conn := dialWS(t, a)

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "subscribe", "id": "x"}))
	frame := readFrame(t, conn)
	assert.Equal(t, "prompt.error", frame["type"])
	assert.Equal(t, "x", frame["id"])
}

func TestWS_UnsolicitedEventPush(t *testing.T) {
	f := newFixture(t)
	a := f.actor(t, "alice")
	conn := dialWS(t, a)

	// Wait for the session to attach before emitting.
	require.Eventually(t, func() bool {
		a.wsMu.Lock()
		defer a.wsMu.Unlock()
		return len(a.ws) == 1
	}, time.Second, 5*time.Millisecond)

	a.emit(events.TypeLoopStarted, events.OutcomeSuccess, map[string]interface{}{"intervalMs": 60000}, nil)

	frame := readFrame(t, conn)
	assert.Equal(t, events.TypeLoopStarted, frame["event_type"])
	assert.Equal(t, events.OutcomeSuccess, frame["outcome"])
	assert.Equal(t, a.DID(), frame["agent_did"])
	assert.NotEmpty(t, frame["id"])
	assert.NotEmpty(t, frame["span_id"])
	assert.NotEmpty(t, frame["timestamp"])
}
