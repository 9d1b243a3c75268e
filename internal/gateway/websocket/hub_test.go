package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/swarmd/swarmd/internal/common/logger"
	"github.com/swarmd/swarmd/internal/events/bus"
)

// fakeValidator accepts a single known token.
type fakeValidator struct{}

func (fakeValidator) Validate(token string) (string, error) {
	if token == "good-token" {
		return "user-1", nil
	}
	return "", fmt.Errorf("unknown token")
}

func newTestHub(t *testing.T) (*Hub, bus.EventBus, string) {
	t.Helper()

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	eventBus := bus.NewMemoryEventBus(log)
	t.Cleanup(eventBus.Close)

	hub, err := NewHub(eventBus, fakeValidator{}, log)
	require.NoError(t, err)
	t.Cleanup(hub.Close)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/ws", hub.Handler())
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	return hub, eventBus, wsURL
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg map[string]any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

// expectSilence asserts no message arrives within the window.
func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

func authenticate(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	send(t, conn, map[string]any{"type": "auth", "token": "good-token"})
	msg := readMessage(t, conn)
	require.Equal(t, "authenticated", msg["type"])
}

func TestHub_BroadcastReachesAllDashboards(t *testing.T) {
	_, eventBus, url := newTestHub(t)

	a := dial(t, url)
	b := dial(t, url)
	authenticate(t, a)
	authenticate(t, b)

	err := eventBus.Publish(context.Background(), bus.NewEvent(bus.TagWorkerSpawned, map[string]any{
		"id":     "w1",
		"handle": "researcher-1",
	}))
	require.NoError(t, err)

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readMessage(t, conn)
		require.Equal(t, "worker_spawned", msg["type"])
		require.Equal(t, "w1", msg["id"])
		require.Equal(t, "researcher-1", msg["handle"])
	}
}

func TestHub_UnauthenticatedReceivesNothing(t *testing.T) {
	_, eventBus, url := newTestHub(t)

	conn := dial(t, url)

	err := eventBus.Publish(context.Background(), bus.NewEvent(bus.TagSwarmCreated, map[string]any{"id": "s1"}))
	require.NoError(t, err)

	expectSilence(t, conn)
}

func TestHub_BlackboardScopedToSubscribers(t *testing.T) {
	_, eventBus, url := newTestHub(t)

	subscribed := dial(t, url)
	other := dial(t, url)
	authenticate(t, subscribed)
	authenticate(t, other)

	send(t, subscribed, map[string]any{"type": "subscribe", "swarm_id": "s1"})
	msg := readMessage(t, subscribed)
	require.Equal(t, "subscribed", msg["type"])
	require.Equal(t, "s1", msg["swarm_id"])

	err := eventBus.Publish(context.Background(), bus.NewEvent(bus.TagBlackboardPosted, map[string]any{
		"message_id": "m1",
		"swarm_id":   "s1",
		"sender":     "lead",
	}))
	require.NoError(t, err)

	msg = readMessage(t, subscribed)
	require.Equal(t, "blackboard_posted", msg["type"])
	require.Equal(t, "m1", msg["message_id"])

	expectSilence(t, other)
}

func TestHub_UnsubscribeStopsDelivery(t *testing.T) {
	_, eventBus, url := newTestHub(t)

	conn := dial(t, url)
	authenticate(t, conn)

	send(t, conn, map[string]any{"type": "subscribe", "swarm_id": "s1"})
	require.Equal(t, "subscribed", readMessage(t, conn)["type"])

	send(t, conn, map[string]any{"type": "unsubscribe", "swarm_id": "s1"})
	require.Equal(t, "unsubscribed", readMessage(t, conn)["type"])

	err := eventBus.Publish(context.Background(), bus.NewEvent(bus.TagBlackboardPosted, map[string]any{
		"message_id": "m1",
		"swarm_id":   "s1",
	}))
	require.NoError(t, err)

	expectSilence(t, conn)
}

func TestHub_Protocol(t *testing.T) {
	_, _, url := newTestHub(t)

	conn := dial(t, url)

	// Subscribe before auth is rejected.
	send(t, conn, map[string]any{"type": "subscribe", "swarm_id": "s1"})
	msg := readMessage(t, conn)
	require.Equal(t, "error", msg["type"])
	require.Equal(t, "not authenticated", msg["message"])

	// Bad token.
	send(t, conn, map[string]any{"type": "auth", "token": "wrong"})
	msg = readMessage(t, conn)
	require.Equal(t, "error", msg["type"])

	authenticate(t, conn)

	send(t, conn, map[string]any{"type": "ping"})
	require.Equal(t, "pong", readMessage(t, conn)["type"])

	send(t, conn, map[string]any{"type": "subscribe"})
	msg = readMessage(t, conn)
	require.Equal(t, "error", msg["type"])

	send(t, conn, map[string]any{"type": "teleport"})
	msg = readMessage(t, conn)
	require.Equal(t, "error", msg["type"])
}

func TestHub_DisconnectDropsClient(t *testing.T) {
	hub, _, url := newTestHub(t)

	conn := dial(t, url)
	authenticate(t, conn)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}
