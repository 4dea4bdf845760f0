package api

import (
	"log/slog"

	"collab-sync/internal/middleware"
	"collab-sync/internal/services/relay"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes mounts the admin API, metrics and the party websocket route
func SetupRoutes(h *Handler, ws *relay.Handler, logger *slog.Logger) *mux.Router {
	r := mux.NewRouter()

	// Tracing first, then recovery, then CORS
	r.Use(middleware.Tracing(logger))
	r.Use(middleware.ErrorRecovery(logger))
	r.Use(middleware.CORS)

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", h.Health).Methods("GET")

	// Rooms
	api.HandleFunc("/rooms/{room}", h.GetRoom).Methods("GET")
	api.HandleFunc("/rooms/{room}/publish", h.Publish).Methods("POST")

	// Access
	api.HandleFunc("/maps/{mapId}/revoke/{userId}", h.Revoke).Methods("POST")

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// WebSocket route
	if ws != nil {
		ws.Register(r)
	}

	return r
}
