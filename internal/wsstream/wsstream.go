// Package wsstream streams internal/routerevents.Bus events to
// WebSocket clients, the transport behind the optional dashboard HTTP
// listener ("GET /dashboard/events"), enabled by the `dashboard`
// section of the config file. Server side: it upgrades
// incoming connections and pushes events out, rather than dialing an
// upstream feed.
package wsstream

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/patchboard/internal/routerevents"
)

// writeTimeout bounds how long a single event write may block before
// the connection is considered dead.
const writeTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The dashboard is an operator tool served from the same host as
	// the router project directory; no cross-origin browser client is
	// expected, so origin checking is left permissive.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler upgrades HTTP requests to WebSocket connections and streams
// every event published on bus to the client as newline-delimited
// JSON, until the client disconnects or the bus subscription is
// dropped.
type Handler struct {
	bus    *routerevents.Bus
	logger *slog.Logger
}

// NewHandler creates a streaming handler over bus.
func NewHandler(bus *routerevents.Bus, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{bus: bus, logger: logger}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("dashboard: upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events := h.bus.Subscribe(64)
	defer h.bus.Unsubscribe(events)

	// Discard anything the client sends; dashboard clients are
	// read-only subscribers. Also the only way to notice the client
	// closing the connection from its side.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("dashboard: write failed, dropping client", "error", err)
				return
			}
		case <-closed:
			return
		}
	}
}
