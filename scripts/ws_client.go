// Package main runs a demo WebSocket client for run events.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type wsMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const session = "demo"

const optimizeBody = `{
  "sessionId": "demo",
  "batches": [
    {"id": "B1", "product": "VAX", "quantity": 100, "manufactureDate": "2025-01-30", "expiryDate": "2025-03-04", "origin": "PLANT", "storageClass": "2-8C"},
    {"id": "B2", "product": "VAX", "quantity": 50, "manufactureDate": "2025-01-30", "expiryDate": "2025-03-11", "origin": "PLANT", "storageClass": "2-8C"}
  ],
  "routes": [
    {"id": "R1", "origin": "PLANT", "destination": "HUB", "capacity": 80, "durationDays": 2, "unitCost": 10, "storageClasses": ["2-8C"]},
    {"id": "R2", "origin": "PLANT", "destination": "HUB", "capacity": 100, "durationDays": 1, "unitCost": 15, "storageClasses": ["2-8C"]}
  ],
  "demand": [{"destination": "HUB", "product": "VAX", "quantity": 130, "dueDate": "2025-03-03"}],
  "parameters": {"asOf": "2025-03-01"}
}`

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	base := fmt.Sprintf("http://localhost:%s", port)

	// Connect WS
	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/events/ws"}
	hdr := http.Header{}
	hdr.Set("X-Tenant-Id", "t_demo")
	hdr.Set("X-Role", "admin")
	c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	if err := c.WriteJSON(wsMessage{Type: "connection_init"}); err != nil {
		log.Fatal(err)
	}
	pl, _ := json.Marshal(map[string]any{"sessionId": session})
	if err := c.WriteJSON(wsMessage{Type: "subscribe", ID: "1", Payload: pl}); err != nil {
		log.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m wsMessage
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			log.Printf("WS <- %s: %s", m.Type, string(m.Payload))
		}
	}()

	// Trigger run events with an optimization
	time.Sleep(500 * time.Millisecond)
	req, _ := http.NewRequest(http.MethodPost, base+"/v1/optimize", bytes.NewReader([]byte(optimizeBody)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-Id", "t_demo")
	req.Header.Set("X-Role", "planner")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Fatal(err)
	}
	var sol struct {
		RunID     string  `json:"runId"`
		Status    string  `json:"status"`
		Objective float64 `json:"objective"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&sol)
	_ = resp.Body.Close()
	log.Printf("HTTP %d run=%s status=%s objective=%.2f", resp.StatusCode, sol.RunID, sol.Status, sol.Objective)

	// Wait briefly to receive a few messages
	select {
	case <-time.After(2 * time.Second):
	case <-done:
	}
}
