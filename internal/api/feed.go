package api

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kaleo-labs/presale-service/internal/models"
)

// FeedHub pushes recorded purchases to websocket subscribers. It implements
// the ledger's Notifier interface; a slow or dead client is dropped rather
// than allowed to stall the broadcast.
type FeedHub struct {
	upgrader websocket.Upgrader
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewFeedHub creates a feed hub.
func NewFeedHub(logger *zap.Logger) *FeedHub {
	return &FeedHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser clients come from the landing page origin; same
			// posture as the CORS middleware.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:  logger.Named("feed"),
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// HandleFeed handles GET /api/v1/purchases/feed
// Upgrades the connection and streams purchase records until the client
// disconnects.
func (h *FeedHub) HandleFeed(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("Feed client connected", zap.Int("clients", count))

	// The feed is write-only; the read loop only detects disconnects.
	go func() {
		defer h.drop(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// NotifyPurchase broadcasts a purchase record to all subscribers.
func (h *FeedHub) NotifyPurchase(rec models.PurchaseRecord) {
	payload := summarize(&rec)

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		if err := conn.WriteJSON(payload); err != nil {
			h.logger.Debug("Dropping feed client", zap.Error(err))
			h.drop(conn)
		}
	}
}

// Close disconnects all subscribers.
func (h *FeedHub) Close() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for conn := range h.clients {
		conns = append(conns, conn)
	}
	h.clients = make(map[*websocket.Conn]struct{})
	h.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
}

func (h *FeedHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	_ = conn.Close()
}
