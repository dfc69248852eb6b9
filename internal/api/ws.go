package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tutorchat/internal/coordinator"
	"tutorchat/internal/relay"
)

const maxInboundMessageSize = 64 * 1024

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(*http.Request) bool {
		return true // origin policy is enforced by the fronting proxy
	},
}

// inboundFrame is one chat message from a participant's socket.
type inboundFrame struct {
	Body string `json:"body"`
}

// handleJoinSession admits the caller through the coordinator first, so a
// rejected join gets a proper HTTP status instead of a dropped upgrade. The
// socket then becomes the participant handle: inbound frames are sends,
// outbound frames are relay events ending with the terminal closed event.
func (s *Server) handleJoinSession(w http.ResponseWriter, r *http.Request) {
	userID := userFromContext(r.Context())
	tutorialID := chi.URLParam(r, "tutorialID")

	participant, err := s.coord.Join(r.Context(), userID, tutorialID)
	if err != nil {
		s.writeCoordinatorError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.coord.Leave(r.Context(), participant)
		s.logger.Warn("websocket upgrade failed",
			zap.String("userID", userID), zap.Error(err))
		return
	}

	client := &wsClient{
		conn:         conn,
		participant:  participant,
		coord:        s.coord,
		logger:       s.logger,
		writeTimeout: s.cfg.WSWriteTimeout,
		pongTimeout:  s.cfg.WSPongTimeout,
	}
	go client.writePump()
	go client.readPump()
}

// wsClient pumps one participant's WebSocket. The write pump is the only
// writer on the connection; the read pump is the only reader.
type wsClient struct {
	conn         *websocket.Conn
	participant  *relay.Participant
	coord        *coordinator.Coordinator
	logger       *zap.Logger
	writeTimeout time.Duration
	pongTimeout  time.Duration
}

func (c *wsClient) writePump() {
	pingPeriod := c.pongTimeout * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case ev, ok := <-c.participant.Events():
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if !ok {
				// Channel drained after leave; close quietly.
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteJSON(ev); err != nil {
				return
			}
			if ev.Type == relay.EventClosed {
				// Terminal event delivered; end the stream on our side so the
				// client renders the closure rather than an abrupt drop.
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) readPump() {
	defer func() {
		// A transport disconnect is an implicit leave, never a session-wide
		// failure.
		c.coord.Leave(context.Background(), c.participant)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxInboundMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.pongTimeout))
	})

	for {
		var frame inboundFrame
		if err := c.conn.ReadJSON(&frame); err != nil {
			return
		}
		if frame.Body == "" {
			continue
		}

		err := c.coord.Send(context.Background(), c.participant, frame.Body)
		switch {
		case errors.Is(err, coordinator.ErrNotActive):
			return
		case errors.Is(err, relay.ErrRateLimited):
			c.logger.Warn("message rate limited",
				zap.String("userID", c.participant.UserID()),
				zap.String("tutorialID", c.participant.TutorialID()))
		case err != nil:
			c.logger.Warn("send failed",
				zap.String("userID", c.participant.UserID()), zap.Error(err))
		}
	}
}
