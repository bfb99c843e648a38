package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ctxaudit/auditcore/internal/events"
)

func dialTestHub(t *testing.T) (*Hub, *gws.Conn) {
	t.Helper()
	hub := NewHub()
	go hub.Run()

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// Wait for the hub to register the client before broadcasting.
	require.Eventually(t, func() bool { return hub.GetClientCount() == 1 },
		2*time.Second, 10*time.Millisecond)
	return hub, conn
}

func readMessage(t *testing.T, conn *gws.Conn) Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestHubBroadcastsAuditEvents(t *testing.T) {
	hub, conn := dialTestHub(t)

	hub.BroadcastEvent(events.New("audit-1", "analysis", events.TypeFindingEmitted, "SQL injection", nil))

	msg := readMessage(t, conn)
	assert.Equal(t, "audit_event", msg.Type)
	payload, ok := msg.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "audit-1", payload["audit_id"])
	assert.Equal(t, events.TypeFindingEmitted, payload["event_type"])
}

func TestHubScopesSubscribedClients(t *testing.T) {
	hub, conn := dialTestHub(t)

	sub, err := json.Marshal(Message{Type: "subscribe", Data: "audit-2"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(gws.TextMessage, sub))

	// The subscription is applied by the read pump; give it a moment.
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		for c := range hub.clients {
			if c.wants("audit-2") && !c.wants("audit-1") {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	hub.BroadcastEvent(events.New("audit-1", "analysis", events.TypeProgress, "ignored", nil))
	hub.BroadcastEvent(events.New("audit-2", "analysis", events.TypeProgress, "wanted", nil))

	msg := readMessage(t, conn)
	payload, ok := msg.Data.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "audit-2", payload["audit_id"])
}

func TestHubAnswersPing(t *testing.T) {
	_, conn := dialTestHub(t)

	ping, err := json.Marshal(Message{Type: "ping"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(gws.TextMessage, ping))

	msg := readMessage(t, conn)
	assert.Equal(t, "pong", msg.Type)
}

func TestHubCountsClients(t *testing.T) {
	hub, conn := dialTestHub(t)
	assert.Equal(t, 1, hub.GetClientCount())

	conn.Close()
	require.Eventually(t, func() bool { return hub.GetClientCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}
