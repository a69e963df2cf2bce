package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/breeze-rmm/devrestore/internal/logging"
	"github.com/breeze-rmm/devrestore/internal/oplog"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	streamBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleLogStream sends the log backlog after ?since=N, then every new entry
// as a JSON text message. Entries the subscription dropped while the client
// was slow are read back from the log, so the stream has no gaps.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	since, err := parseSince(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		log.Warn("websocket upgrade failed", logging.KeyError, err)
		return
	}
	defer conn.Close()

	// Subscribe before reading the backlog so nothing falls in between.
	entries, unsubscribe := s.logs.Subscribe(streamBuffer)
	defer unsubscribe()

	done := make(chan struct{})
	go readPump(conn, done)

	last := since
	for _, e := range s.logs.Since(since) {
		if err := writeEntry(conn, e); err != nil {
			return
		}
		last = e.Seq
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case e, ok := <-entries:
			if !ok {
				return
			}
			for _, m := range s.logs.Catchup(last, e) {
				if err := writeEntry(conn, m); err != nil {
					log.Debug("log stream write failed", logging.KeyError, err)
					return
				}
				last = m.Seq
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeEntry(conn *websocket.Conn, e oplog.Entry) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(e)
}

// readPump discards client messages and keeps the read deadline alive on
// pongs; it closes done when the client goes away.
func readPump(conn *websocket.Conn, done chan struct{}) {
	defer close(done)

	conn.SetReadLimit(1024)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("log stream read error", logging.KeyError, err)
			}
			return
		}
	}
}
