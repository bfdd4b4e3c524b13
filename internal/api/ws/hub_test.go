package ws

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jgtolentino/pulser-sandboxd/internal/infrastructure/logging"
	"github.com/jgtolentino/pulser-sandboxd/internal/infrastructure/monitoring"
	"github.com/jgtolentino/pulser-sandboxd/internal/shared/types"
)

var testMetrics = monitoring.NewMetrics()

type hubFixture struct {
	hub    *Hub
	server *httptest.Server
	cancel context.CancelFunc
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	hub := NewHub(logging.NewNop(), testMetrics)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	router := gin.New()
	router.GET("/stream", hub.HandleConnection)
	server := httptest.NewServer(router)

	t.Cleanup(func() {
		cancel()
		server.Close()
	})
	return &hubFixture{hub: hub, server: server, cancel: cancel}
}

func (f *hubFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := strings.Replace(f.server.URL, "http://", "ws://", 1) + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	// Drain the welcome message
	var welcome map[string]string
	require.NoError(t, conn.ReadJSON(&welcome))
	require.Equal(t, "system", welcome["type"])
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) types.LeaseEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev types.LeaseEvent
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestHubBroadcast(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t)

	f.hub.Publish(types.LeaseEvent{
		Type:      "lease_created",
		LeaseID:   "lease_01",
		State:     types.StateProvisioning,
		Timestamp: time.Now(),
	})

	ev := readEvent(t, conn)
	assert.Equal(t, "lease_created", ev.Type)
	assert.Equal(t, "lease_01", ev.LeaseID)
	assert.Equal(t, types.StateProvisioning, ev.State)
}

func TestHubMultipleSubscribers(t *testing.T) {
	f := newHubFixture(t)
	first := f.dial(t)
	second := f.dial(t)
	require.Eventually(t, func() bool { return f.hub.Clients() == 2 }, time.Second, 10*time.Millisecond)

	reason := types.ReasonTTLExpired
	f.hub.Publish(types.LeaseEvent{
		Type:      "lease_terminated",
		LeaseID:   "lease_02",
		State:     types.StateTerminated,
		Reason:    &reason,
		Timestamp: time.Now(),
	})

	for _, conn := range []*websocket.Conn{first, second} {
		ev := readEvent(t, conn)
		assert.Equal(t, "lease_terminated", ev.Type)
		require.NotNil(t, ev.Reason)
		assert.Equal(t, types.ReasonTTLExpired, *ev.Reason)
	}
}

func TestHubPing(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t)

	require.NoError(t, conn.WriteJSON(map[string]string{"type": "ping"}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var reply map[string]string
	require.NoError(t, conn.ReadJSON(&reply))
	assert.Equal(t, "pong", reply["type"])
}

func TestHubDropsClosedConnections(t *testing.T) {
	f := newHubFixture(t)
	stays := f.dial(t)
	leaves := f.dial(t)
	require.Eventually(t, func() bool { return f.hub.Clients() == 2 }, time.Second, 10*time.Millisecond)

	leaves.Close()
	assert.Eventually(t, func() bool { return f.hub.Clients() == 1 }, time.Second, 10*time.Millisecond)

	f.hub.Publish(types.LeaseEvent{
		Type:      "lease_running",
		LeaseID:   "lease_03",
		State:     types.StateRunning,
		Timestamp: time.Now(),
	})
	ev := readEvent(t, stays)
	assert.Equal(t, "lease_03", ev.LeaseID)
}
