package live

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// writeTimeout bounds each frame write so a stalled client cannot pin
	// the write goroutine.
	writeTimeout = 10 * time.Second

	// pingInterval keeps intermediaries from reaping idle connections
	// during quiet periods.
	pingInterval = 30 * time.Second

	// maxReadSize caps client frames. Feed clients only ever send control
	// frames, so anything large is misbehaving.
	maxReadSize = 4 * 1024
)

// Handler upgrades HTTP connections to WebSocket and streams alert events
// from the Broadcaster until the client disconnects.
type Handler struct {
	bc       *Broadcaster
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a Handler backed by bc.
func NewHandler(bc *Broadcaster, log *slog.Logger) *Handler {
	return &Handler{
		bc:  bc,
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The feed is read-only and carries no credentials beyond the
			// JWT already checked by middleware, so any origin may connect.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP handles the upgrade and drives the connection lifecycle.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.log.Warn("live: upgrade failed", slog.Any("error", err))
		return
	}

	clientID := uuid.NewString()
	client := h.bc.Register(clientID)
	defer h.bc.Unregister(clientID)
	defer conn.Close()

	h.log.Info("live: client connected",
		slog.String("client_id", clientID),
		slog.String("remote_addr", conn.RemoteAddr().String()))

	// Reader goroutine: feed clients never send data frames, but the read
	// loop must run to process control frames and detect disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(maxReadSize)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return

		case frame, ok := <-client.Send():
			if !ok {
				// Broadcaster shut down; tell the client before closing.
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
					time.Now().Add(writeTimeout))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.log.Warn("live: write failed",
					slog.String("client_id", clientID), slog.Any("error", err))
				return
			}

		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
