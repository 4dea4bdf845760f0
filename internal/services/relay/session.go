package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"collab-sync/internal/middleware"
	"collab-sync/internal/models"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBufferSize = 256
)

var (
	errSessionClosed  = errors.New("session closed")
	errSendBufferFull = errors.New("session send buffer full")
)

// Session is one websocket connection to a room.
type Session struct {
	*models.Session
	name    models.RoomName
	conn    *websocket.Conn
	hub     *Hub
	room    *hubRoom
	limiter *rate.Limiter
	canEdit bool
	logger  *slog.Logger

	send chan []byte
	done chan struct{}

	// clients are the awareness client ids announced on this session.
	// Guarded by room.mu.
	clients map[string]struct{}

	closeOnce sync.Once
	closeCode int
	closeText string
}

func newSession(h *Hub, conn *websocket.Conn, name models.RoomName, access Access) *Session {
	base := models.NewSession(name.String(), access.UserID, access.Role)
	_, _, canEdit := models.Capabilities(access.Role)
	return &Session{
		Session: base,
		name:    name,
		conn:    conn,
		hub:     h,
		limiter: newLimiter(h.cfg.MessageRate, h.cfg.MessageBurst),
		canEdit: canEdit,
		logger:  h.logger.With(slog.String("session", base.ID)),
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
		clients: make(map[string]struct{}),
	}
}

// enqueue hands data to the write pump without blocking.
func (s *Session) enqueue(data []byte) error {
	select {
	case <-s.done:
		return errSessionClosed
	default:
	}
	select {
	case s.send <- data:
		return nil
	default:
		return errSendBufferFull
	}
}

// close asks the write pump to flush what is queued and end the socket with
// code and reason. Only the first call counts.
func (s *Session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		s.closeCode = code
		s.closeText = reason
		close(s.done)
	})
}

// readPump feeds inbound frames to the hub until the socket fails.
func (s *Session) readPump(ctx context.Context) {
	defer func() {
		s.hub.leave(s)
		s.close(websocket.CloseNormalClosure, "")
	}()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.LastActiveAt = time.Now()
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("session socket error", slog.Any("error", err))
			}
			return
		}
		s.LastActiveAt = time.Now()
		_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))

		msgCtx, span := middleware.StartSpan(ctx, "Relay.ProcessFrame",
			attribute.String("session.id", s.ID),
			attribute.String("room.name", s.RoomName),
			attribute.Int("message.size", len(message)),
		)
		s.hub.handleFrame(msgCtx, s, message)
		span.End()
	}
}

// writePump is the only writer of the socket.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case message := <-s.send:
			if err := s.write(message); err != nil {
				s.close(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close(websocket.CloseAbnormalClosure, "")
				return
			}

		case <-s.done:
			for n := len(s.send); n > 0; n-- {
				if err := s.write(<-s.send); err != nil {
					return
				}
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(s.closeCode, s.closeText))
			return
		}
	}
}

func (s *Session) write(message []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, message)
}
