package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"collab-sync/internal/models"
	"collab-sync/internal/party"
	"collab-sync/internal/services/relay"

	"github.com/gorilla/mux"
)

// maxPublishBody matches the relay's inbound frame limit
const maxPublishBody = 1 << 20

// Handler handles the relay's HTTP endpoints
type Handler struct {
	hub       RelayHub
	jwtSecret []byte
	logger    *slog.Logger
}

// NewHandler builds the admin handlers. With an empty secret every caller is
// treated as owner, matching the relay's open mode.
func NewHandler(hub RelayHub, jwtSecret []byte, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		hub:       hub,
		jwtSecret: jwtSecret,
		logger:    logger.With(slog.String("component", "api")),
	}
}

// RoomState is the current contents of an active room
type RoomState struct {
	Room     string                `json:"room"`
	Nodes    []any                 `json:"nodes"`
	Edges    []any                 `json:"edges"`
	Events   []models.SyncEnvelope `json:"events"`
	Presence models.PresenceMap    `json:"presence"`
}

// Health reports liveness plus active rooms and sessions
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stats := h.hub.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"rooms":         stats.Rooms,
		"sessions":      stats.Sessions,
		"persist_queue": stats.PersistQueue,
	})
}

// GetRoom returns the state of a room the relay currently holds
func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	name, err := models.ParseRoomName(mux.Vars(r)["room"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !h.authorizeOwner(w, r, name.ID) {
		return
	}

	room, ok := h.hub.Registry().Lookup(name.String())
	if !ok {
		http.Error(w, "room not active", http.StatusNotFound)
		return
	}

	snap := room.Snapshot()
	writeJSON(w, http.StatusOK, RoomState{
		Room:     name.String(),
		Nodes:    snap.Nodes,
		Edges:    snap.Edges,
		Events:   room.Envelopes(),
		Presence: room.PresenceMap(),
	})
}

// Publish forwards the request body to every session of a room
func (h *Handler) Publish(w http.ResponseWriter, r *http.Request) {
	name, err := models.ParseRoomName(mux.Vars(r)["room"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !h.authorizeOwner(w, r, name.ID) {
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPublishBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}

	delivered, err := h.hub.Publish(r.Context(), name.String(), body)
	switch {
	case errors.Is(err, relay.ErrInvalidMessage), errors.Is(err, models.ErrInvalidRoomName):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, relay.ErrHubClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	case err != nil:
		h.logger.Error("publish failed", slog.String("room", name.String()), slog.Any("error", err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"room":      name.String(),
		"delivered": delivered,
	})
}

// Revoke ends a user's access to a map and closes their sessions
func (h *Handler) Revoke(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	mapID, userID := vars["mapId"], vars["userId"]
	if strings.TrimSpace(mapID) == "" || strings.TrimSpace(userID) == "" {
		http.Error(w, "map id and user id are required", http.StatusBadRequest)
		return
	}
	if !h.authorizeOwner(w, r, mapID) {
		return
	}

	closed := h.hub.Revoke(r.Context(), mapID, userID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"map_id":          mapID,
		"user_id":         userID,
		"sessions_closed": closed,
	})
}

// authorizeOwner requires a bearer token granting the owner role on mapID.
// It writes the error response itself.
func (h *Handler) authorizeOwner(w http.ResponseWriter, r *http.Request, mapID string) bool {
	if len(h.jwtSecret) == 0 {
		return true
	}

	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		http.Error(w, "missing bearer token", http.StatusUnauthorized)
		return false
	}
	claims, err := party.VerifyClaims(token, h.jwtSecret)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return false
	}
	if claims.RoleFor(mapID) != models.RoleOwner {
		http.Error(w, models.CloseReasonOwnerOnly, http.StatusForbidden)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
