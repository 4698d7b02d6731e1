package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelroad/backend/internal/calculator"
)

func startHub(t *testing.T) (*Hub, *httptest.Server, context.CancelFunc) {
	t.Helper()
	hub := NewHub(slog.New(slog.DiscardHandler))
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(srv.Close)
	return hub, srv, cancel
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var ev Event
	require.NoError(t, json.Unmarshal(raw, &ev))
	return ev
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.Stats()["connected_clients"] == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("hub never reached %d clients", want)
}

func TestHubBroadcastsProgress(t *testing.T) {
	hub, srv, cancel := startHub(t)
	defer cancel()

	conn := dial(t, srv)
	waitForClients(t, hub, 1)

	hub.BroadcastProgress(calculator.Progress{PassID: "pass_1", Total: 10, Completed: 4, Skipped: 1})

	ev := readEvent(t, conn)
	assert.Equal(t, EventPassProgress, ev.Type)

	data := ev.Data.(map[string]any)
	assert.Equal(t, "pass_1", data["pass_id"])
	assert.EqualValues(t, 4, data["completed"])
}

func TestHubBroadcastsPassSummary(t *testing.T) {
	hub, srv, cancel := startHub(t)
	defer cancel()

	conn := dial(t, srv)
	waitForClients(t, hub, 1)

	hub.BroadcastPassDone(&calculator.PassResult{
		PassID:  "pass_9",
		Status:  calculator.StatusPartial,
		Records: make([]calculator.RiskRecord, 3),
		Skipped: 2,
	})

	ev := readEvent(t, conn)
	assert.Equal(t, EventPassDone, ev.Type)
	data := ev.Data.(map[string]any)
	assert.Equal(t, "partial", data["status"])
	assert.EqualValues(t, 3, data["scored"])
	assert.EqualValues(t, 2, data["skipped"])
}

func TestHubEventTypeFilter(t *testing.T) {
	hub, srv, cancel := startHub(t)
	defer cancel()

	conn := dial(t, srv)
	waitForClients(t, hub, 1)

	// Only follow completed passes.
	require.NoError(t, conn.WriteJSON(Subscription{EventTypes: []EventType{EventPassDone}}))
	time.Sleep(50 * time.Millisecond) // let readPump apply the filter

	hub.BroadcastProgress(calculator.Progress{PassID: "pass_1", Total: 5, Completed: 1})
	hub.BroadcastPassDone(&calculator.PassResult{PassID: "pass_1", Status: calculator.StatusCompleted})

	ev := readEvent(t, conn)
	assert.Equal(t, EventPassDone, ev.Type, "progress event filtered out")
}

func TestHubPassIDFilter(t *testing.T) {
	hub, srv, cancel := startHub(t)
	defer cancel()

	conn := dial(t, srv)
	waitForClients(t, hub, 1)

	require.NoError(t, conn.WriteJSON(Subscription{PassIDs: []string{"pass_b"}}))
	time.Sleep(50 * time.Millisecond)

	hub.BroadcastProgress(calculator.Progress{PassID: "pass_a", Total: 5})
	hub.BroadcastProgress(calculator.Progress{PassID: "pass_b", Total: 5})

	ev := readEvent(t, conn)
	data := ev.Data.(map[string]any)
	assert.Equal(t, "pass_b", data["pass_id"])
}

func TestHubStats(t *testing.T) {
	hub, srv, cancel := startHub(t)
	defer cancel()

	dial(t, srv)
	dial(t, srv)
	waitForClients(t, hub, 2)

	stats := hub.Stats()
	assert.Equal(t, 2, stats["connected_clients"])
	assert.EqualValues(t, 2, stats["total_clients"])
}

func TestHubShutdownClosesClients(t *testing.T) {
	hub, srv, cancel := startHub(t)

	conn := dial(t, srv)
	waitForClients(t, hub, 1)

	cancel()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "connection closed by hub shutdown")
}

func TestUpgradeInFlightUnblockedByShutdown(t *testing.T) {
	// No Run loop, so the register handoff has no receiver; closing
	// done must release the parked handler instead of leaking it.
	hub := NewHub(slog.New(slog.DiscardHandler))
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	t.Cleanup(srv.Close)

	conn := dial(t, srv)
	close(hub.done)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err, "handler released and connection closed")
}

func TestPeerCloseAfterShutdownDoesNotBlock(t *testing.T) {
	hub, srv, cancel := startHub(t)
	conn := dial(t, srv)
	waitForClients(t, hub, 1)

	cancel()
	<-hub.done

	// The read loop's unregister handoff has no receiver anymore; the
	// peer-side close must still complete promptly.
	require.NoError(t, conn.Close())
	assert.Equal(t, 0, hub.Stats()["connected_clients"])
}

func TestHubRejectsUpgradeAfterShutdown(t *testing.T) {
	hub, srv, cancel := startHub(t)
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case <-hub.done:
		default:
			time.Sleep(5 * time.Millisecond)
			continue
		}
		break
	}

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
