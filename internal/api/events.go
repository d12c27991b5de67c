package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/miraie-bridge/internal/events"
)

const (
	eventBuffer  = 64
	pingInterval = 25 * time.Second
	pongWait     = 60 * time.Second
	writeWait    = 5 * time.Second
)

// eventFilter narrows the stream to one account or device.
type eventFilter struct {
	account  string
	deviceID string
}

func (f eventFilter) match(ev events.Event) bool {
	if f.account != "" && ev.Account != f.account {
		return false
	}
	if f.deviceID != "" && ev.DeviceID != f.deviceID {
		return false
	}
	return true
}

// handleEvents upgrades to a WebSocket and streams bus events as JSON
// until the client goes away. ?account= and ?device= filter the stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	filter := eventFilter{
		account:  r.URL.Query().Get("account"),
		deviceID: r.URL.Query().Get("device"),
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	feed := s.bus.Subscribe(eventBuffer)
	defer s.bus.Unsubscribe(feed)

	s.logger.Debug("event stream opened", "remote", r.RemoteAddr)

	// The read side only services pongs and notices the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(1024)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			s.logger.Debug("event stream closed", "remote", r.RemoteAddr)
			return
		case ev, ok := <-feed:
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if !filter.match(ev) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
