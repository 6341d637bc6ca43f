package observer

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	log "github.com/choongmanee/mtprecd/internal/mlog"
)

// WSHub fans Events out to every connected websocket client as JSON
// frames. It implements Observer and http.Handler, grounded on the
// teacher's gorilla/websocket dependency.
type WSHub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]chan Event
}

// NewWSHub builds an empty hub ready to be registered as an
// http.Handler and as an Observer.
func NewWSHub() *WSHub {
	return &WSHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]chan Event),
	}
}

// ServeHTTP upgrades the connection and registers it as an event sink
// until it disconnects or a write fails.
func (h *WSHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Supervisor.WithError(err).Warn("websocket upgrade failed")
		return
	}

	ch := make(chan Event, 32)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
		conn.Close()
	}()

	for ev := range ch {
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

// Publish fans out ev to every connected client. Slow clients are
// dropped rather than allowed to back-pressure the whole hub: a full
// channel means the client isn't draining its websocket, so its
// connection is closed.
func (h *WSHub) Publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		select {
		case ch <- ev:
		default:
			log.Supervisor.Warn("dropping slow websocket observer client")
			close(ch)
			delete(h.clients, conn)
			conn.Close()
		}
	}
}
