package api

import (
	"log"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/kinamba/erm-core/internal/feed"
	"github.com/kinamba/erm-core/internal/tokens"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for dev; restrict in prod
	},
}

// FeedHandler upgrades staff clients onto the live change feed.
type FeedHandler struct {
	Tokens *tokens.Manager
	Hub    *feed.Hub
}

func NewFeedHandler(tm *tokens.Manager, hub *feed.Hub) *FeedHandler {
	return &FeedHandler{Tokens: tm, Hub: hub}
}

// GET /api/v1/feed
func (h *FeedHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	// Auth via query param (standard for WS)
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	claims, err := h.Tokens.Validate(tokenStr)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WS Upgrade Failed: %v", err)
		return
	}

	log.Printf("WS Connected: Staff=%s", claims.StaffID)
	h.Hub.Attach(conn)
}
