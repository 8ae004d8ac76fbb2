package handlers

import (
	"log"
	"net/http"

	"github.com/acadeveia/server/internal/middleware"
	"github.com/acadeveia/server/internal/realtime"
	"github.com/gorilla/websocket"
)

// WSHandler upgrades authenticated requests and hands the connection to the hub
type WSHandler struct {
	hub      *realtime.Hub
	upgrader websocket.Upgrader
}

// NewWSHandler creates the /ws handler. Clients are bearer-authenticated, so any origin is accepted.
func NewWSHandler(hub *realtime.Hub) *WSHandler {
	return &WSHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.GetUser(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	h.hub.Attach(conn, *user)
	log.Printf("WebSocket connection established: user=%s", user.ID)
}
