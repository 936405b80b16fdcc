package transport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/gateway-fm/sealerbench/pkg/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}

		originURL, err := url.Parse(origin)
		if err != nil {
			return false
		}
		if originURL.Host == r.Host {
			return true
		}
		return originURL.Hostname() == "localhost" || originURL.Hostname() == "127.0.0.1"
	},
}

// HeadStream fans new head events out to websocket clients.
type HeadStream struct {
	logger *slog.Logger

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	// Broadcast channel
	broadcast chan types.HeadEvent

	done     chan struct{}
	stopOnce sync.Once
}

// NewHeadStream creates a HeadStream. Start must be called before Publish
// has any effect on clients.
func NewHeadStream(logger *slog.Logger) *HeadStream {
	if logger == nil {
		logger = slog.Default()
	}
	return &HeadStream{
		logger:    logger,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan types.HeadEvent, 64),
		done:      make(chan struct{}),
	}
}

// Handler returns the WebSocket HTTP handler.
func (hs *HeadStream) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hs.logger.Error("WebSocket upgrade failed", slog.String("error", err.Error()))
			return
		}

		hs.clientsMu.Lock()
		hs.clients[conn] = true
		total := len(hs.clients)
		hs.clientsMu.Unlock()
		hs.logger.Debug("WebSocket client connected", slog.Int("total_clients", total))

		defer func() {
			hs.clientsMu.Lock()
			delete(hs.clients, conn)
			total := len(hs.clients)
			hs.clientsMu.Unlock()
			conn.Close()
			hs.logger.Debug("WebSocket client disconnected", slog.Int("total_clients", total))
		}()

		// Read until the client goes away (handles ping/pong and close frames).
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					hs.logger.Debug("WebSocket read error", slog.String("error", err.Error()))
				}
				return
			}
		}
	}
}

// Publish queues ev for every client. A full queue drops the event.
func (hs *HeadStream) Publish(ev types.HeadEvent) {
	select {
	case hs.broadcast <- ev:
	default:
		hs.logger.Warn("head broadcast queue full, dropping", slog.Uint64("number", ev.Number))
	}
}

// Start begins the broadcasting goroutine.
func (hs *HeadStream) Start() {
	go hs.broadcastLoop()
}

// Stop stops broadcasting and disconnects every client.
func (hs *HeadStream) Stop() {
	hs.stopOnce.Do(func() {
		close(hs.done)

		hs.clientsMu.Lock()
		for conn := range hs.clients {
			conn.Close()
		}
		hs.clients = make(map[*websocket.Conn]bool)
		hs.clientsMu.Unlock()
	})
}

func (hs *HeadStream) broadcastLoop() {
	for {
		select {
		case <-hs.done:
			return
		case ev := <-hs.broadcast:
			hs.send(ev)
		}
	}
}

func (hs *HeadStream) send(ev types.HeadEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		hs.logger.Error("Failed to marshal head event", slog.String("error", err.Error()))
		return
	}

	hs.clientsMu.RLock()
	defer hs.clientsMu.RUnlock()

	for conn := range hs.clients {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			// the read loop removes the client
			hs.logger.Debug("Failed to write to WebSocket", slog.String("error", err.Error()))
		}
	}
}

// ClientCount returns the number of connected clients.
func (hs *HeadStream) ClientCount() int {
	hs.clientsMu.RLock()
	defer hs.clientsMu.RUnlock()
	return len(hs.clients)
}
