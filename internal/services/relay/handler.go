package relay

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"collab-sync/internal/middleware"
	"collab-sync/internal/models"
	"collab-sync/internal/telemetry"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

/*
PARTY ROUTE

  GET /parties/{party}/{room}?token=<jwt>

Unknown party → 404, bad room name → 400. Everything else is upgraded first
and refused afterwards with a close frame, so clients can tell a final
authorization decision (4403) from a network failure.
*/

// RoomPath is the mux route of the relay.
const RoomPath = "/parties/{party}/{room}"

// Tokens gate access, not origins.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Handler serves the party websocket route.
type Handler struct {
	hub    *Hub
	logger *slog.Logger
}

func NewHandler(hub *Hub) *Handler {
	return &Handler{
		hub:    hub,
		logger: hub.logger.With(slog.String("component", "relay_handler")),
	}
}

// Register mounts the route on r.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc(RoomPath, h.HandleRoomConnection).Methods(http.MethodGet)
}

// HandleRoomConnection upgrades a room connection and starts its pumps.
func (h *Handler) HandleRoomConnection(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if vars["party"] != h.hub.Party() {
		http.Error(w, "unknown party", http.StatusNotFound)
		return
	}
	name, err := models.ParseRoomName(vars["room"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx, span := middleware.StartSpan(r.Context(), "Relay.Connect",
		attribute.String("party", vars["party"]),
		attribute.String("room.name", name.String()),
	)
	defer span.End()

	access, denial := h.hub.authorize(name, r.URL.Query().Get("token"))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade websocket", slog.Any("error", err))
		middleware.AddSpanError(ctx, err)
		return
	}

	if denial != nil {
		telemetry.RelayDeniedSessions.WithLabelValues(denial.Reason).Inc()
		middleware.AddSpanEvent(ctx, "session.denied", attribute.String("reason", denial.Reason))
		h.logger.Info("connection refused",
			slog.String("room", name.String()),
			slog.Int("code", denial.Code),
			slog.String("reason", denial.Reason),
		)
		closeConn(conn, denial.Code, denial.Reason)
		return
	}

	s := newSession(h.hub, conn, name, access)
	span.SetAttributes(
		attribute.String("session.id", s.ID),
		attribute.String("user.id", s.UserID),
	)

	sessionCtx := context.WithoutCancel(ctx)
	if err := h.hub.join(sessionCtx, s); err != nil {
		closeConn(conn, websocket.CloseGoingAway, "server shutdown")
		return
	}

	go s.writePump()
	go s.readPump(sessionCtx)
}

func closeConn(conn *websocket.Conn, code int, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
	_ = conn.Close()
}
