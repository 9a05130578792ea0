package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
)

// Hub fans progress messages out to websocket clients.
type Hub struct {
	log        *slog.Logger
	upgrader   websocket.Upgrader
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	count      chan chan int
	done       chan struct{}
}

// NewHub creates a hub. Call Run before serving connections.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		log: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // local tool, no cross-origin policy
			},
		},
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		count:      make(chan chan int),
		done:       make(chan struct{}),
	}
}

// Run services the hub until ctx is done, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				client.Close()
				delete(h.clients, client)
			}
			return

		case client := <-h.register:
			h.clients[client] = true
			h.log.Debug("websocket client connected", "clients", len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.Close()
				h.log.Debug("websocket client disconnected", "clients", len(h.clients))
			}

		case reply := <-h.count:
			reply <- len(h.clients)

		case message := <-h.broadcast:
			for client := range h.clients {
				if err := client.WriteMessage(websocket.TextMessage, message); err != nil {
					delete(h.clients, client)
					client.Close()
				}
			}
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients(ctx context.Context) int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-ctx.Done():
		return 0
	case <-h.done:
		return 0
	}
}

// Publish marshals v and queues it for every client. Messages are dropped
// when the hub is backed up.
func (h *Hub) Publish(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Warn("failed to encode websocket message", "error", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
	}
}

// Forward publishes every value received from ch until it closes or ctx ends.
func Forward[T any](ctx context.Context, h *Hub, ch <-chan T) {
	for {
		select {
		case <-ctx.Done():
			return
		case v, ok := <-ch:
			if !ok {
				return
			}
			h.Publish(v)
		}
	}
}

// ServeHTTP upgrades the request to a websocket and registers the client.
// Clients only receive; anything they send is discarded.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// HandleDashboard serves a small page listing recent runs with live progress.
func HandleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	w.Write([]byte(dashboard))
}

const dashboard = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>descaleverify</title>
    <style>
        body { font-family: sans-serif; background: #0f172a; color: #f8fafc; margin: 2rem; }
        table { border-collapse: collapse; width: 100%; }
        td, th { border-bottom: 1px solid #475569; padding: 0.4rem; text-align: left; }
        progress { width: 12rem; }
    </style>
</head>
<body>
    <h1>Descale runs</h1>
    <div id="live"></div>
    <table>
        <thead><tr><th>id</th><th>input</th><th>kernel</th><th>status</th><th>frames</th><th>plot</th></tr></thead>
        <tbody id="runs"></tbody>
    </table>
    <script>
        const live = {};
        function render() {
            document.getElementById('live').innerHTML = Object.entries(live)
                .map(([id, p]) => id + ' <progress max="' + p.total + '" value="' + p.done + '"></progress> ' + p.done + '/' + p.total)
                .join('<br>');
        }
        function load() {
            fetch('/runs').then(r => r.json()).then(runs => {
                document.getElementById('runs').innerHTML = (runs || []).map(r =>
                    '<tr><td>' + r.id + '</td><td>' + r.input_path + '</td><td>' + r.kernel +
                    '</td><td>' + r.status + '</td><td>' + r.frames + '</td><td>' + (r.plot_path || '') + '</td></tr>').join('');
            });
        }
        const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws');
        ws.onmessage = ev => {
            const p = JSON.parse(ev.data);
            if (p.done === p.total) { delete live[p.job_id]; load(); } else { live[p.job_id] = p; }
            render();
        };
        load();
    </script>
</body>
</html>`
