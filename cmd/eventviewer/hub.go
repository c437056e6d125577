package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Event is the envelope shared by completed and failed outcome events.
// Raw carries the full payload to the browser.
type Event struct {
	EventType string          `json:"eventType"`
	RunID     string          `json:"runId"`
	Kind      string          `json:"kind"`
	Timestamp int64           `json:"timestamp"`
	Raw       json.RawMessage `json:"-"`
}

// Hub fans events out to connected WebSocket clients.
type Hub struct {
	mu        sync.Mutex
	clients   map[*websocket.Conn]struct{}
	broadcast chan Event
	upgrader  websocket.Upgrader
}

func newHub() *Hub {
	return &Hub{
		clients:   make(map[*websocket.Conn]struct{}),
		broadcast: make(chan Event, 100),
		upgrader: websocket.Upgrader{
			// Local tool, any origin may connect.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Broadcast queues ev for delivery, dropping it when the queue is full.
func (h *Hub) Broadcast(ev Event) {
	select {
	case h.broadcast <- ev:
	default:
		log.Warn().Str("runId", ev.RunID).Msg("Broadcast queue full, dropping event")
	}
}

func (h *Hub) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return
		case ev := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, ev.Raw); err != nil {
					log.Debug().Err(err).Msg("Dropping client after write error")
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *Hub) add(conn *websocket.Conn) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[conn] = struct{}{}
	return len(h.clients)
}

func (h *Hub) remove(conn *websocket.Conn) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
	}
	return len(h.clients)
}

func (h *Hub) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	log.Info().Int("clients", h.add(conn)).Msg("Client connected")

	go func() {
		defer func() {
			log.Info().Int("clients", h.remove(conn)).Msg("Client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>Transcription events</title>
<style>
body { font-family: sans-serif; margin: 2em; }
.completed { color: #1a7f37; }
.failed { color: #cf222e; }
pre { background: #f6f8fa; padding: .5em; }
</style>
</head>
<body>
<h1>Transcription events</h1>
<div id="events"></div>
<script>
const list = document.getElementById("events");
const ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws");
ws.onmessage = (msg) => {
  const ev = JSON.parse(msg.data);
  const item = document.createElement("div");
  item.className = ev.eventType === "transcription.failed" ? "failed" : "completed";
  const title = document.createElement("strong");
  title.textContent = ev.eventType + " " + ev.runId + " (" + ev.kind + ")";
  const body = document.createElement("pre");
  body.textContent = JSON.stringify(ev, null, 2);
  item.append(title, body);
  list.prepend(item);
};
</script>
</body>
</html>
`
