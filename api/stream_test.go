package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orthrus/soar"
)

func streamFixture(t *testing.T) (*StreamHub, *websocket.Conn) {
	t.Helper()

	hub := NewStreamHub(nil)
	go hub.Start()
	t.Cleanup(func() { _ = hub.Close() })

	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	// Registration goes through the hub loop; wait for it to land.
	deadline := time.Now().Add(time.Second)
	for hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered with hub")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return hub, conn
}

func TestStreamHubBroadcastsAuditEvents(t *testing.T) {
	hub, conn := streamFixture(t)

	hub.Emit(context.Background(), &soar.AuditEvent{
		Event:       soar.AuditExecutionStarted,
		ExecutionID: "exec-1",
		PlaybookID:  "pb-1",
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, string(soar.AuditExecutionStarted), got["event"])
	assert.Equal(t, "exec-1", got["execution_id"])
}

func TestStreamHubDisconnectRemovesClient(t *testing.T) {
	hub, conn := streamFixture(t)

	require.NoError(t, conn.Close())

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never unregistered after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStreamHubCloseDisconnectsClients(t *testing.T) {
	hub, conn := streamFixture(t)

	require.NoError(t, hub.Close())
	assert.Equal(t, 0, hub.ClientCount())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestStreamHubEmitNeverBlocks(t *testing.T) {
	hub := NewStreamHub(nil)
	// The loop is not running, so the buffer fills and the rest drop.
	for i := 0; i < 600; i++ {
		hub.Emit(context.Background(), &soar.AuditEvent{Event: soar.AuditStepCompleted})
	}
}
