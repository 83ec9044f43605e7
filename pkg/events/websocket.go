package events

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/quartzsched/quartz/pkg/log"
)

// WebSocketHandler upgrades HTTP connections and streams broker events
// to each client as they're published, so dashboards and other
// external collaborators can follow job/node/association activity
// without polling the read-only HTTP surface.
type WebSocketHandler struct {
	broker   *Broker
	upgrader websocket.Upgrader
}

// NewWebSocketHandler wraps broker for WebSocket delivery.
func NewWebSocketHandler(broker *Broker) *WebSocketHandler {
	return &WebSocketHandler{
		broker: broker,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// streamMessage is the envelope written to each WebSocket connection.
type streamMessage struct {
	Type      string    `json:"type"`
	Event     *Event    `json:"event,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ServeHTTP upgrades the connection and relays every broker event
// until the client disconnects or the broker stops.
func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithComponent("events").Error().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := h.broker.Subscribe()
	defer h.broker.Unsubscribe(sub)

	done := make(chan struct{})
	go h.drainClient(conn, done)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case event, ok := <-sub:
			if !ok {
				return
			}
			if err := conn.WriteJSON(streamMessage{Type: "event", Event: event, Timestamp: time.Now()}); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drainClient discards inbound frames (this is a one-way event feed)
// and signals done once the client goes away.
func (h *WebSocketHandler) drainClient(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
