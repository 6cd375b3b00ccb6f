package hub

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guildwatch/guildwatch/internal/activity"
	"github.com/guildwatch/guildwatch/internal/event"
	"github.com/guildwatch/guildwatch/internal/eventbus"
)

type envelope struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
	Message   string          `json:"message"`
}

func dialHub(t *testing.T, h *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

// skipWelcome consumes the connected/metrics pair every new observer gets.
func skipWelcome(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.Equal(t, TypeConnected, readMessage(t, conn).Type)
	require.Equal(t, TypeMetrics, readMessage(t, conn).Type)
}

func TestWelcomeSequence(t *testing.T) {
	agg := activity.New(50)
	agg.Track("builder", "Builder")
	agg.SetBaseline("builder", 10, 3)

	conn := dialHub(t, New(agg))

	first := readMessage(t, conn)
	assert.Equal(t, TypeConnected, first.Type)
	assert.False(t, first.Timestamp.IsZero())

	second := readMessage(t, conn)
	require.Equal(t, TypeMetrics, second.Type)

	var snap activity.SystemSnapshot
	require.NoError(t, json.Unmarshal(second.Payload, &snap))
	assert.Equal(t, 1, snap.TotalAgents)
	assert.Equal(t, 3, snap.TotalCommits)
}

func TestPingPong(t *testing.T) {
	conn := dialHub(t, New(activity.New(50)))
	skipWelcome(t, conn)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: TypePing}))
	env := readMessage(t, conn)
	assert.Equal(t, TypePong, env.Type)
	assert.False(t, env.Timestamp.IsZero())
}

func TestGetActivity(t *testing.T) {
	agg := activity.New(50)
	agg.Track("builder", "Builder")
	for i := 0; i < 3; i++ {
		agg.Apply(event.NewFileChange("builder", "/wt", "/wt/main.go", event.ChangeModified, time.Now()))
	}

	conn := dialHub(t, New(agg))
	skipWelcome(t, conn)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: TypeGetActivity, Limit: 2}))
	env := readMessage(t, conn)
	require.Equal(t, TypeActivity, env.Type)

	var entries []*event.Event
	require.NoError(t, json.Unmarshal(env.Payload, &entries))
	assert.Len(t, entries, 2)
}

func TestGetMetrics(t *testing.T) {
	agg := activity.New(50)
	agg.Track("builder", "Builder")

	conn := dialHub(t, New(agg))
	skipWelcome(t, conn)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: TypeGetMetrics}))
	env := readMessage(t, conn)
	require.Equal(t, TypeMetrics, env.Type)

	var snap activity.SystemSnapshot
	require.NoError(t, json.Unmarshal(env.Payload, &snap))
	assert.Equal(t, 1, snap.TotalAgents)
}

func TestUnknownMessageType(t *testing.T) {
	conn := dialHub(t, New(activity.New(50)))
	skipWelcome(t, conn)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "subscribe"}))
	env := readMessage(t, conn)
	assert.Equal(t, TypeError, env.Type)
	assert.Contains(t, env.Message, "subscribe")
}

func TestBroadcastsBusEvents(t *testing.T) {
	agg := activity.New(50)
	bus := eventbus.New()
	h := New(agg, WithSnapshotInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx, bus)

	conn := dialHub(t, h)
	skipWelcome(t, conn)

	// Wait until the observer is in the broadcast set before publishing.
	require.Eventually(t, func() bool { return h.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	bus.Publish(event.NewFileChange("builder", "/wt", "/wt/api/server.go", event.ChangeAdded, time.Now()))

	env := readMessage(t, conn)
	require.Equal(t, TypeFileChange, env.Type)

	var fc event.FileChangeEvent
	require.NoError(t, json.Unmarshal(env.Payload, &fc))
	assert.Equal(t, "builder", fc.AgentID)
	assert.Equal(t, event.ChangeAdded, fc.Kind)
	assert.Equal(t, filepath.Join("api", "server.go"), fc.RelPath)
}

func TestErrorEventBroadcast(t *testing.T) {
	agg := activity.New(50)
	bus := eventbus.New()
	h := New(agg, WithSnapshotInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx, bus)

	conn := dialHub(t, h)
	skipWelcome(t, conn)
	require.Eventually(t, func() bool { return h.ClientCount() == 1 },
		time.Second, 10*time.Millisecond)

	bus.Publish(event.NewError("builder", "worktree polling for agent builder has failed 3 times in a row", time.Now()))

	env := readMessage(t, conn)
	assert.Equal(t, TypeError, env.Type)
	assert.Contains(t, env.Message, "failed 3 times")
}
