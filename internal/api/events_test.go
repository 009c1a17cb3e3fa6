package api

import (
	"bufio"
	"bytes"
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
)

func TestRunEventsStream(t *testing.T) {
	srv := httptest.NewServer(newTestMux(newTestServer(t)))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events/stream?sessionId=sse1", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	rd := bufio.NewReader(resp.Body)
	readUntil := func(prefix string) string {
		for {
			line, err := rd.ReadString('\n')
			require.NoError(t, err)
			if strings.HasPrefix(line, prefix) {
				return strings.TrimSpace(line)
			}
		}
	}
	readUntil("event: heartbeat")

	// the heartbeat is written after subscribing, so the run's events are not missed
	res, err := http.Post(srv.URL+"/v1/optimize", "application/json", bytes.NewReader(optimizeBody("sse1", 130)))
	require.NoError(t, err)
	_ = res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	assert.Equal(t, "event: run.phase", readUntil("event: run.phase"))
	readUntil("event: run.completed")
	data := readUntil("data: ")
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(data, "data: ")), &payload))
	assert.Equal(t, "optimal", payload["status"])
	assert.NotEmpty(t, payload["runId"])
}

func TestRunEventsStreamRejectsBadSession(t *testing.T) {
	h := newTestMux(newTestServer(t))
	rr := do(t, h, http.MethodGet, "/v1/events/stream?sessionId=no%20spaces", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func dialEvents(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func TestRunEventsWS(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(newTestMux(s))
	defer srv.Close()

	conn := dialEvents(t, srv)
	var msg wsMessage

	require.NoError(t, conn.WriteJSON(wsMessage{Type: "subscribe", ID: "early", Payload: json.RawMessage(`{"sessionId":"ws1"}`)}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "error", msg.Type, "subscribe before connection_init")

	require.NoError(t, conn.WriteJSON(wsMessage{Type: "connection_init"}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "connection_ack", msg.Type)

	require.NoError(t, conn.WriteJSON(wsMessage{Type: "ping"}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "pong", msg.Type)

	require.NoError(t, conn.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: json.RawMessage(`{"sessionId":"ws1","types":["run.completed"]}`)}))

	// there is no subscription ack, so publish until the subscriber sees one
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.Broker.Publish("t_demo/ws1", SSEEvent{Type: "run.phase", Data: map[string]any{"phase": "searching"}})
				s.Broker.Publish("t_demo/ws1", SSEEvent{Type: "run.completed", Data: map[string]any{"runId": "r1"}})
			}
		}
	}()

	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "next", msg.Type)
	assert.Equal(t, "1", msg.ID)
	var evt SSEEvent
	require.NoError(t, json.Unmarshal(msg.Payload, &evt))
	assert.Equal(t, "run.completed", evt.Type, "filtered by types")
	assert.Equal(t, "r1", evt.Data["runId"])

	require.NoError(t, conn.WriteJSON(wsMessage{Type: "complete", ID: "1"}))
	for {
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == "complete" {
			break
		}
		require.Equal(t, "next", msg.Type)
	}
	assert.Equal(t, "1", msg.ID)
}

func TestRunEventsWSRejectsBadPayload(t *testing.T) {
	srv := httptest.NewServer(newTestMux(newTestServer(t)))
	defer srv.Close()
	conn := dialEvents(t, srv)

	var msg wsMessage
	require.NoError(t, conn.WriteJSON(wsMessage{Type: "connection_init"}))
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "connection_ack", msg.Type)

	for _, sub := range []wsMessage{
		{Type: "subscribe", Payload: json.RawMessage(`{"sessionId":"ok"}`)},
		{Type: "subscribe", ID: "a", Payload: json.RawMessage(`{"sessionId":"not ok"}`)},
		{Type: "subscribe", ID: "b", Payload: json.RawMessage(`[1]`)},
		{Type: "bogus", ID: "c"},
	} {
		require.NoError(t, conn.WriteJSON(sub))
		require.NoError(t, conn.ReadJSON(&msg))
		assert.Equal(t, "error", msg.Type)
		assert.Equal(t, sub.ID, msg.ID)
	}
}
