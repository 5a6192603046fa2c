package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dialgrid/dialgrid/internal/events"
)

// WebSocket keepalive tuning. Pongs must arrive within wsPongWait of a ping
// or the client is considered gone.
const (
	wsPingInterval = 30 * time.Second
	wsPongWait     = 75 * time.Second
	wsReadLimit    = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Browser dashboards connect from their own origin; access control for
	// the stream lives at the network layer with the rest of the ops API.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEventsWS upgrades the connection and bridges a bus subscription onto
// it. Topics come from the comma-separated "topics" query parameter; a
// subscription including "supervisors" receives every event.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus unavailable")
		return
	}

	topics := splitTopics(r.URL.Query().Get("topics"))
	if len(topics) == 0 {
		writeError(w, http.StatusBadRequest, "topics query parameter is required")
		return
	}

	// Subscribe before the upgrade completes: anything published after the
	// client sees 101 is already queued for it.
	sub := s.deps.Bus.Subscribe(topics...)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		sub.Close()
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	s.logger.Info("event stream connected",
		"remote_addr", r.RemoteAddr, "topics", strings.Join(topics, ","))

	go s.serveEvents(conn, sub, r.RemoteAddr)
}

// serveEvents pumps subscription events to one client until it disconnects
// or stalls. Every write carries a deadline: a client that cannot drain
// within it is closed rather than allowed to back the pump up.
func (s *Server) serveEvents(conn *websocket.Conn, sub *events.Subscription, remoteAddr string) {
	defer func() {
		sub.Close()
		conn.Close()
		s.logger.Info("event stream disconnected",
			"remote_addr", remoteAddr, "dropped", sub.Dropped())
	}()

	// Reader goroutine: consumes control frames and detects the client
	// going away. Data frames from clients are ignored.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(wsReadLimit)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case ev := <-sub.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WSWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Warn("closing slow event stream client",
					"remote_addr", remoteAddr, "error", err)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(s.cfg.WSWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func splitTopics(raw string) []string {
	parts := strings.Split(raw, ",")
	topics := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			topics = append(topics, p)
		}
	}
	return topics
}
