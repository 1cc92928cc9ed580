package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const (
	streamWriteWait   = 10 * time.Second
	streamPingPeriod  = 30 * time.Second
	streamPongWait    = 60 * time.Second
	streamMaxMsgBytes = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleEventStream upgrades to a websocket and forwards bus events.
// ?types=a,b filters by event type; ?claim=<id> filters by subject.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "dependency-unavailable", "event stream not configured")
		return
	}

	var types []string
	if raw := r.URL.Query().Get("types"); raw != "" {
		types = strings.Split(raw, ",")
	}
	claimFilter := r.URL.Query().Get("claim")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	sub := s.deps.Bus.Subscribe(types...)
	defer s.deps.Bus.Unsubscribe(sub)

	// Read pump: discard client frames, surface disconnects.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(streamMaxMsgBytes)
		conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case event, ok := <-sub:
			if !ok {
				return
			}
			if claimFilter != "" && event.Subject != claimFilter {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-r.Context().Done():
			return
		}
	}
}
