package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pharmaopt/internal/metrics"
)

var heartbeatInterval = 15 * time.Second

// RunEventsStreamHandler streams run events for a session over SSE:
// GET /v1/events/stream?sessionId=...
func (s *Server) RunEventsStreamHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	session := requestSession(r)
	if !validSessionID(session) {
		writeProblem(w, http.StatusBadRequest, "Invalid sessionId", "", r.URL.Path)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, "Streaming unsupported", "", r.URL.Path)
		return
	}
	key := s.getPrincipal(r).sessionKey(session)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.Broker.Subscribe(key)
	defer s.Broker.Unsubscribe(key, ch)
	metrics.EventSubscribers.Inc()
	defer metrics.EventSubscribers.Dec()

	heartbeat := func() {
		fmt.Fprintf(w, "event: heartbeat\n")
		fmt.Fprintf(w, "data: {\"sessionId\":%q,\"ts\":%q}\n\n", session, time.Now().UTC().Format(time.RFC3339))
		flusher.Flush()
	}
	heartbeat()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			b, _ := json.Marshal(evt.Data)
			fmt.Fprintf(w, "event: %s\n", evt.Type)
			fmt.Fprintf(w, "data: %s\n\n", b)
			flusher.Flush()
		case <-ticker.C:
			heartbeat()
		}
	}
}

var upgrader = websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

// wsMessage is the envelope of the run-events WebSocket protocol, modelled on
// graphql-transport-ws: connection_init/connection_ack, ping/pong,
// subscribe/next/complete and error.
type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type subscribePayload struct {
	SessionID string   `json:"sessionId"`
	Types     []string `json:"types,omitempty"` // empty means every event type
}

type wsSub struct {
	key string
	ch  chan SSEEvent
}

// RunEventsWSHandler handles /v1/events/ws
func (s *Server) RunEventsWSHandler(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	var wmu sync.Mutex
	write := func(v wsMessage) error {
		wmu.Lock()
		defer wmu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(v)
	}
	writeError := func(id, message string) {
		payload, _ := json.Marshal(map[string]string{"message": message})
		_ = write(wsMessage{Type: "error", ID: id, Payload: payload})
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	subs := map[string]wsSub{}
	defer func() {
		close(done)
		for id, sub := range subs {
			s.Broker.Unsubscribe(sub.key, sub.ch)
			delete(subs, id)
		}
		wg.Wait()
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(time.Now().Add(60 * time.Second)) })

	p := s.getPrincipal(r)
	acked := false
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		switch msg.Type {
		case "connection_init":
			if acked {
				continue
			}
			acked = true
			_ = write(wsMessage{Type: "connection_ack"})
			wg.Add(1)
			go func() {
				defer wg.Done()
				ticker := time.NewTicker(heartbeatInterval)
				defer ticker.Stop()
				for {
					select {
					case <-done:
						return
					case <-ticker.C:
						if err := write(wsMessage{Type: "ping"}); err != nil {
							return
						}
					}
				}
			}()
		case "ping":
			_ = write(wsMessage{Type: "pong"})
		case "pong":
		case "subscribe":
			if !acked {
				writeError(msg.ID, "connection_init required")
				continue
			}
			if msg.ID == "" {
				writeError("", "subscription id required")
				continue
			}
			if _, dup := subs[msg.ID]; dup {
				writeError(msg.ID, "subscription id already in use")
				continue
			}
			var pl subscribePayload
			if len(msg.Payload) > 0 {
				if err := json.Unmarshal(msg.Payload, &pl); err != nil {
					writeError(msg.ID, "invalid payload: "+err.Error())
					continue
				}
			}
			if !validSessionID(pl.SessionID) {
				writeError(msg.ID, "invalid sessionId")
				continue
			}
			key := p.sessionKey(pl.SessionID)
			ch := s.Broker.Subscribe(key)
			subs[msg.ID] = wsSub{key: key, ch: ch}
			wg.Add(1)
			go func(id string, c chan SSEEvent, types map[string]bool) {
				defer wg.Done()
				metrics.EventSubscribers.Inc()
				defer metrics.EventSubscribers.Dec()
				for evt := range c {
					if len(types) > 0 && !types[evt.Type] {
						continue
					}
					payload, _ := json.Marshal(evt)
					if err := write(wsMessage{Type: "next", ID: id, Payload: payload}); err != nil {
						return
					}
				}
				_ = write(wsMessage{Type: "complete", ID: id})
			}(msg.ID, ch, typeSet(pl.Types))
		case "complete":
			if sub, ok := subs[msg.ID]; ok {
				s.Broker.Unsubscribe(sub.key, sub.ch)
				delete(subs, msg.ID)
			}
		default:
			writeError(msg.ID, "unknown message type "+msg.Type)
		}
	}
}

func typeSet(types []string) map[string]bool {
	if len(types) == 0 {
		return nil
	}
	m := make(map[string]bool, len(types))
	for _, t := range types {
		m[t] = true
	}
	return m
}
