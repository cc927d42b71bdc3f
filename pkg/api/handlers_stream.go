package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const wsWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(_ *http.Request) bool { return true },
}

// handleProgressStream pushes a progress snapshot every poll interval
// until the run reaches a terminal status or the client goes away.
func (s *server) handleProgressStream(w http.ResponseWriter, r *http.Request) {
	id, ok := runIDParam(w, r)
	if !ok {
		return
	}

	if _, found, err := s.progressFor(r.Context(), id); err != nil || !found {
		writeJSON(w, http.StatusNotFound, errorResponse{"run not found"})

		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("Websocket upgrade failed")

		return
	}
	defer conn.Close()

	log := s.log.WithField("run_id", id)
	log.Debug("Progress stream opened")

	// Client frames are discarded; a read error means the peer is gone.
	closed := make(chan struct{})

	go func() {
		defer close(closed)

		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	for {
		p, found, err := s.progressFor(r.Context(), id)
		if err != nil || !found {
			closeStream(conn, websocket.CloseInternalServerErr, "progress unavailable")

			return
		}

		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))

		if err := conn.WriteJSON(p); err != nil {
			log.WithError(err).Debug("Progress stream write failed")

			return
		}

		if p.Status.Terminal() {
			closeStream(conn, websocket.CloseNormalClosure, string(p.Status))

			return
		}

		select {
		case <-ticker.C:
		case <-closed:
			return
		case <-s.runCtx.Done():
			closeStream(conn, websocket.CloseGoingAway, "server stopping")

			return
		}
	}
}

func closeStream(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)

	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteTimeout))
}
