package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ppekiosk/internal/dto"
	"ppekiosk/internal/logger"
)

func startHub(t *testing.T) *HubService {
	t.Helper()
	hub := NewHubService(logger.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub
}

func dialHub(t *testing.T, hub *HubService) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Register(conn)
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestHubService_BroadcastsEvents(t *testing.T) {
	hub := startHub(t)
	conn := dialHub(t, hub)
	require.Eventually(t, func() bool { return hub.GetClientCount() == 1 }, time.Second, time.Millisecond)

	require.True(t, hub.Publish(dto.NewEvent(dto.EventEmergencyTriggered, dto.EmergencyPayload{Source: "emergency_stop"})))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got struct {
		Type    dto.EventType        `json:"type"`
		Payload dto.EmergencyPayload `json:"payload"`
	}
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, dto.EventEmergencyTriggered, got.Type)
	assert.Equal(t, "emergency_stop", got.Payload.Source)
}

func TestHubService_PublishNeverBlocks(t *testing.T) {
	hub := NewHubService(logger.Discard())

	for i := 0; i < BroadcastBuffer; i++ {
		require.True(t, hub.Publish(dto.NewEvent(dto.EventReset, nil)))
	}

	done := make(chan bool)
	go func() { done <- hub.Publish(dto.NewEvent(dto.EventReset, nil)) }()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full queue")
	}
	assert.Equal(t, uint64(1), hub.Dropped())
}

func TestHubService_ClosesClientsOnShutdown(t *testing.T) {
	hub := NewHubService(logger.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	conn := dialHub(t, hub)
	require.Eventually(t, func() bool { return hub.GetClientCount() == 1 }, time.Second, time.Millisecond)

	cancel()
	<-stopped
	assert.Zero(t, hub.GetClientCount())

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}
