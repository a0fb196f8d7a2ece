package handler

import (
	"net/http"

	"github.com/gorilla/websocket"

	"ppekiosk/internal/logger"
)

// Upgrader upgrades HTTP connections to WebSocket; CheckOrigin allows all origins.
var Upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Registrar is the event hub operator screens subscribe to.
type Registrar interface {
	Register(conn *websocket.Conn)
	Unregister(conn *websocket.Conn)
}

// WebsocketHandler upgrades operator screens and keeps them registered in the hub
// until they disconnect.
func WebsocketHandler(hub Registrar, logger *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		connection, err := Upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Error("WebSocket upgrade error: %v", err)
			return
		}

		hub.Register(connection)
		defer hub.Unregister(connection)

		logger.Info("Screen connected from %s", r.RemoteAddr)

		for {
			if _, _, err := connection.ReadMessage(); err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Info("Screen disconnected normally")
				} else {
					logger.Debug("Screen disconnected: %v", err)
				}
				return
			}
		}
	}
}
