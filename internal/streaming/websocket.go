package streaming

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const wsWriteTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// WSForwarder bridges a websocket connection onto the hub: each
// broadcast event is written as one JSON text frame. Write errors
// surface to the hub, which drops the subscriber.
type WSForwarder struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewWSForwarder(conn *websocket.Conn) *WSForwarder {
	return &WSForwarder{conn: conn}
}

func (f *WSForwarder) Send(event Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return f.conn.WriteJSON(event)
}

// Handler serves GET /tasks/{id}/stream as a websocket: upgrades,
// subscribes, and holds the connection until the client goes away.
func Handler(hub *Hub, logger *zap.Logger, taskIDFromRequest func(*http.Request) string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := taskIDFromRequest(r)
		if taskID == "" {
			http.Error(w, "task id required", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("Websocket upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close()

		forwarder := NewWSForwarder(conn)
		unsubscribe, err := hub.Subscribe(r.Context(), taskID, forwarder)
		if err != nil {
			_ = conn.WriteJSON(map[string]string{"error": err.Error()})
			return
		}
		defer unsubscribe()

		// Reads only pump control frames; any read error means the
		// client is gone.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}
