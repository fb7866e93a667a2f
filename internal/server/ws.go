package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/avetel/proplens/internal/session"
	"github.com/avetel/proplens/pkg/models"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 4096
)

type wsInbound struct {
	Type string `json:"type"`
}

// handleStream upgrades to a websocket and relays the session's live events.
// The first frame is always a snapshot of the current session state, so late
// subscribers see where the run stands before deltas arrive.
func (s *Server) handleStream(c *gin.Context) {
	id := c.Param("id")
	sess, err := s.registry.Get(id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		} else {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		}
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Warn("websocket upgrade failed", "session_id", id, "error", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wsReadLimit)

	obs := s.hub.Attach(id)
	defer s.hub.Detach(id, obs)

	// Re-read after attaching so a terminal transition between the first
	// lookup and the attach is not lost.
	if fresh, err := s.registry.Get(id); err == nil {
		sess = fresh
	}
	if err := writeEvent(conn, snapshotEvent(sess)); err != nil {
		return
	}

	if sess.Status.Terminal() {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return
	}

	// Reader goroutine: detects pings and peer disconnect. All writes stay on
	// this goroutine, the connection supports only one concurrent writer.
	gone := make(chan struct{})
	pings := make(chan struct{}, 1)
	go func() {
		defer close(gone)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var in wsInbound
			if json.Unmarshal(data, &in) == nil && in.Type == "ping" {
				select {
				case pings <- struct{}{}:
				default:
				}
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case <-pings:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(gin.H{"type": "pong"}); err != nil {
				return
			}
		case ev, ok := <-obs.Events():
			if !ok {
				return
			}
			if err := writeEvent(conn, ev); err != nil {
				s.logger.Debug("websocket write failed", "session_id", id, "error", err)
				return
			}
			if ev.Type == models.EventCompleted || ev.Type == models.EventError {
				// Terminal event delivered, nothing more will follow.
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, ev models.Event) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(ev)
}

// snapshotEvent converts a registry snapshot into the event a subscriber
// would have seen had it been attached when the state was written.
func snapshotEvent(sess *models.AnalysisSession) models.Event {
	switch sess.Status {
	case models.StatusCompleted:
		return models.Event{
			Type:     models.EventCompleted,
			Stage:    sess.Stage,
			Progress: sess.Progress,
			Message:  sess.Message,
			Result:   sess.Result,
		}
	case models.StatusFailed:
		return models.Event{
			Type:     models.EventError,
			Stage:    sess.Stage,
			Progress: sess.Progress,
			Error:    sess.Error,
		}
	default:
		return models.Event{
			Type:     models.EventProgress,
			Stage:    sess.Stage,
			Progress: sess.Progress,
			Message:  sess.Message,
		}
	}
}
