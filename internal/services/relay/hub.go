package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"collab-sync/internal/middleware"
	"collab-sync/internal/models"
	"collab-sync/internal/services/channel"
	"collab-sync/internal/services/collaboration"
	"collab-sync/internal/telemetry"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

/*
RELAY HUB

The server end of every room. Sessions join a room; their frames are applied
to a server-side registry and fanned out to the other sessions of the room.

  session frame → limiter → decode → apply to room → fan-out (sender skipped)
                                          │
                          graph observer / event cursor → persister

Sync channels (sync, cursor, presence, selected-nodes) carry frames. The side
channels (sharing, permissions) are written only by the server, through
Publish and Revoke.

Lock order: Hub.mu, then hubRoom.mu. Applying a frame and fanning it out
happen under hubRoom.mu, as does the greeting a joining session gets, so a
joiner never misses a frame nor sees one twice.
*/

// Errors returned by Publish.
var (
	ErrHubClosed      = errors.New("relay hub is closed")
	ErrInvalidMessage = errors.New("invalid message for channel")
)

// Config configures a Hub.
type Config struct {
	Party     string
	JWTSecret []byte

	// MessageRate and MessageBurst bound inbound frames per session.
	MessageRate  float64
	MessageBurst int
	// HistoryLimit caps the envelopes replayed to a joining session.
	HistoryLimit int

	Registry collaboration.Options

	// Stores and Persister are optional. Without them rooms live in memory
	// only.
	Envelopes EnvelopeStore
	Graphs    GraphStore
	Persister *Persister

	Logger *slog.Logger
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Rooms    int `json:"rooms"`
	Sessions int `json:"sessions"`
	// PersistQueue is -1 without a persister.
	PersistQueue int `json:"persist_queue"`
}

type revocation struct {
	at time.Time
}

// Hub owns every active room of the relay.
type Hub struct {
	cfg      Config
	logger   *slog.Logger
	registry *collaboration.Registry

	mu        sync.RWMutex
	rooms     map[string]*hubRoom
	revoked   map[string]map[string]revocation // mapID -> userID
	directory map[string]*channel.CollaboratorSnapshot
	closed    bool
}

// hubRoom is a room with at least one session.
type hubRoom struct {
	name    models.RoomName
	key     string
	room    *collaboration.Room
	release func()

	// ready loads the room once. joining counts sessions waiting on it;
	// both are guarded by Hub.mu.
	ready   sync.Once
	joining int

	mu       sync.Mutex
	stop     func()
	sessions map[*Session]struct{}
}

// NewHub builds a hub. Registry dialers are ignored: server rooms are
// local.
func NewHub(cfg Config) *Hub {
	if cfg.Party == "" {
		cfg.Party = "main"
	}
	if cfg.MessageRate <= 0 {
		cfg.MessageRate = 50
	}
	if cfg.MessageBurst <= 0 {
		cfg.MessageBurst = 100
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = collaboration.DefaultMaxRetained
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	regOpts := cfg.Registry
	regOpts.Dialer = nil
	if regOpts.ActorID == "" {
		regOpts.ActorID = "relay"
	}
	if regOpts.Logger == nil {
		regOpts.Logger = logger
	}

	return &Hub{
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "relay_hub")),
		registry:  collaboration.NewRegistry(regOpts),
		rooms:     make(map[string]*hubRoom),
		revoked:   make(map[string]map[string]revocation),
		directory: make(map[string]*channel.CollaboratorSnapshot),
	}
}

// Party returns the party name the hub serves.
func (h *Hub) Party() string {
	return h.cfg.Party
}

// Registry exposes the server-side rooms.
func (h *Hub) Registry() *collaboration.Registry {
	return h.registry
}

// Start runs the registry janitor.
func (h *Hub) Start() {
	h.registry.Start()
	h.logger.Info("✓ Relay hub started", slog.String("party", h.cfg.Party))
}

// Stats counts active rooms and sessions.
func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	st := Stats{Rooms: len(h.rooms), PersistQueue: -1}
	if h.cfg.Persister != nil {
		st.PersistQueue = h.cfg.Persister.QueueLength()
	}
	for _, hr := range h.rooms {
		hr.mu.Lock()
		st.Sessions += len(hr.sessions)
		hr.mu.Unlock()
	}
	return st
}

// SessionCount returns the sessions in room.
func (h *Hub) SessionCount(room string) int {
	h.mu.RLock()
	hr := h.rooms[room]
	h.mu.RUnlock()
	if hr == nil {
		return 0
	}
	hr.mu.Lock()
	defer hr.mu.Unlock()
	return len(hr.sessions)
}

// join adds s to its room and queues the greeting. The room is loaded
// outside the hub lock; joiners of a room still loading wait for it.
func (h *Hub) join(ctx context.Context, s *Session) error {
	key := s.name.String()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}
	hr := h.rooms[key]
	if hr == nil {
		hr = h.openRoom(s.name)
		h.rooms[key] = hr
	}
	hr.joining++
	h.mu.Unlock()

	h.prepare(ctx, hr)

	h.mu.Lock()
	defer h.mu.Unlock()
	hr.joining--
	if h.closed {
		return ErrHubClosed
	}

	hr.mu.Lock()
	defer hr.mu.Unlock()
	hr.sessions[s] = struct{}{}
	s.room = hr
	telemetry.RelaySessions.Inc()

	for _, msg := range h.greeting(hr, s) {
		if err := s.enqueue(msg); err != nil {
			h.logger.Warn("greeting not delivered", slog.String("session", s.ID), slog.Any("error", err))
			break
		}
	}

	h.logger.Info("session joined",
		slog.String("room", key),
		slog.String("session", s.ID),
		slog.String("user", s.UserID),
		slog.Int("sessions", len(hr.sessions)),
	)
	return nil
}

// openRoom leases the server-side room. Called with h.mu held.
func (h *Hub) openRoom(name models.RoomName) *hubRoom {
	key := name.String()
	room, release := h.registry.Acquire(key)
	return &hubRoom{
		name:     name,
		key:      key,
		room:     room,
		release:  release,
		stop:     func() {},
		sessions: make(map[*Session]struct{}),
	}
}

// prepare loads hr from the stores and starts persisting it, once per room.
// Called without h.mu.
func (h *Hub) prepare(ctx context.Context, hr *hubRoom) {
	hr.ready.Do(func() {
		if hr.name.Channel.ServerWritten() {
			return
		}
		h.hydrate(ctx, hr)
		if h.cfg.Persister != nil {
			stop := h.cfg.Persister.Observe(hr.key, hr.room.ObserveGraph, hr.room.SubscribeEvents)
			hr.mu.Lock()
			hr.stop = stop
			hr.mu.Unlock()
		}
	})
}

// hydrate loads graph records and recent envelopes into a fresh room.
func (h *Hub) hydrate(ctx context.Context, hr *hubRoom) {
	if hr.room.LogLen() > 0 || len(hr.room.Nodes())+len(hr.room.Edges()) > 0 {
		return
	}
	ctx, span := middleware.StartSpan(ctx, "Relay.Hydrate", attribute.String("room.name", hr.key))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if h.cfg.Graphs != nil {
		snap, err := h.cfg.Graphs.Load(ctx, hr.key)
		if err != nil {
			middleware.AddSpanError(ctx, err)
			h.logger.Warn("failed to load graph", slog.String("room", hr.key), slog.Any("error", err))
		} else if len(snap.Nodes)+len(snap.Edges) > 0 {
			hr.room.ApplyRemoteSnapshot(snap, 0)
		}
	}
	if h.cfg.Envelopes != nil {
		envs, err := h.cfg.Envelopes.Recent(ctx, hr.key, h.cfg.HistoryLimit)
		if err != nil {
			middleware.AddSpanError(ctx, err)
			h.logger.Warn("failed to load history", slog.String("room", hr.key), slog.Any("error", err))
			return
		}
		for _, env := range envs {
			hr.room.ApplyRemoteEnvelope(env)
		}
	}
}

// greeting is what a session receives on join. Called with hr.mu held.
func (h *Hub) greeting(hr *hubRoom, s *Session) [][]byte {
	var out [][]byte
	add := func(data []byte, err error) {
		if err != nil {
			h.logger.Error("failed to encode greeting", slog.String("room", hr.key), slog.Any("error", err))
			return
		}
		out = append(out, data)
	}

	switch hr.name.Channel {
	case models.ChannelPermissions:
		perm := models.PermissionFor(hr.name.ID, s.UserID, s.Role, time.Now().UTC().Format(time.RFC3339))
		add(channel.EncodePermissionMessage(channel.PermissionSnapshot{Permission: perm}))
		return out

	case models.ChannelSharing:
		if snap := h.directory[hr.key]; snap != nil {
			add(channel.EncodeCollaboratorMessage(*snap))
		}
		return out
	}

	snap := hr.room.Snapshot()
	if len(snap.Nodes)+len(snap.Edges) > 0 {
		add(models.Frame{Type: models.FrameSnapshot, Snapshot: &snap, Timestamp: hr.room.Meta().TimestampMs}.Encode())
	}

	envs := hr.room.Envelopes()
	if len(envs) > h.cfg.HistoryLimit {
		envs = envs[len(envs)-h.cfg.HistoryLimit:]
	}
	for i := range envs {
		add(models.Frame{Type: models.FrameEvent, Envelope: &envs[i]}.Encode())
	}

	for clientID, state := range hr.room.AwarenessStates() {
		add(models.Frame{Type: models.FrameAwareness, ClientID: clientID, State: state}.Encode())
	}
	return out
}

// leave removes s from its room. The last session out closes the room.
func (h *Hub) leave(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	hr := s.room
	if hr == nil || h.rooms[hr.key] != hr {
		return
	}

	hr.mu.Lock()
	if _, ok := hr.sessions[s]; !ok {
		hr.mu.Unlock()
		return
	}
	delete(hr.sessions, s)
	telemetry.RelaySessions.Dec()
	for clientID := range s.clients {
		hr.room.ApplyRemoteAwareness(clientID, nil)
		if data, err := (models.Frame{Type: models.FrameAwareness, ClientID: clientID}).Encode(); err == nil {
			hr.broadcastLocked(data, s, h.logger)
		}
	}
	remaining := len(hr.sessions)
	hr.mu.Unlock()

	h.logger.Info("session left",
		slog.String("room", hr.key),
		slog.String("session", s.ID),
		slog.Int("remaining", remaining),
	)

	if remaining == 0 && hr.joining == 0 {
		delete(h.rooms, hr.key)
		hr.close()
	}
}

func (hr *hubRoom) close() {
	hr.mu.Lock()
	stop := hr.stop
	hr.stop = func() {}
	hr.mu.Unlock()

	stop()
	hr.release()
}

// handleFrame applies one inbound frame and fans it out.
func (h *Hub) handleFrame(ctx context.Context, s *Session, data []byte) {
	hr := s.room
	if hr.name.Channel.ServerWritten() {
		h.drop(ctx, s, "read_only")
		return
	}
	if !s.limiter.Allow() {
		h.drop(ctx, s, "rate_limited")
		return
	}
	frame, ok := models.DecodeFrame(data)
	if !ok {
		h.drop(ctx, s, "malformed")
		return
	}
	if (frame.Type == models.FrameGraph || frame.Type == models.FrameSnapshot) && !s.canEdit {
		h.drop(ctx, s, "forbidden")
		return
	}

	data = h.stampActor(s, &frame, data)

	hr.mu.Lock()
	defer hr.mu.Unlock()

	if !hr.room.ApplyFrame(frame) {
		h.drop(ctx, s, "rejected")
		return
	}
	if frame.Type == models.FrameAwareness {
		if len(frame.State) > 0 {
			s.clients[frame.ClientID] = struct{}{}
		} else {
			delete(s.clients, frame.ClientID)
		}
	}

	telemetry.RelayFrames.WithLabelValues(string(frame.Type)).Inc()
	hr.broadcastLocked(data, s, h.logger)
}

// stampActor replaces the actor of an edit with the session's verified user
// and returns the re-encoded frame. Without a JWT secret identities are
// unverified and the client's actor is kept.
func (h *Hub) stampActor(s *Session, frame *models.Frame, data []byte) []byte {
	if len(h.cfg.JWTSecret) == 0 {
		return data
	}
	switch frame.Type {
	case models.FrameGraph:
		if frame.ActorID == s.UserID {
			return data
		}
		frame.ActorID = s.UserID
	case models.FrameSnapshot:
		if frame.Snapshot == nil || frame.Snapshot.ActorID == s.UserID {
			return data
		}
		snap := *frame.Snapshot
		snap.ActorID = s.UserID
		frame.Snapshot = &snap
	default:
		return data
	}

	out, err := frame.Encode()
	if err != nil {
		h.logger.Error("failed to re-encode frame", slog.String("session", s.ID), slog.Any("error", err))
		return data
	}
	return out
}

func (h *Hub) drop(ctx context.Context, s *Session, reason string) {
	telemetry.RelayDroppedFrames.WithLabelValues(reason).Inc()
	middleware.AddSpanEvent(ctx, "frame.dropped", attribute.String("reason", reason))
	h.logger.Debug("frame dropped", slog.String("session", s.ID), slog.String("reason", reason))
}

// broadcastLocked queues data on every session except sender. Sessions that
// cannot keep up are closed. Called with hr.mu held.
func (hr *hubRoom) broadcastLocked(data []byte, sender *Session, logger *slog.Logger) int {
	sent := 0
	for s := range hr.sessions {
		if s == sender {
			continue
		}
		switch err := s.enqueue(data); {
		case err == nil:
			sent++
		case errors.Is(err, errSendBufferFull):
			telemetry.RelayDroppedFrames.WithLabelValues("slow_session").Inc()
			logger.Warn("⚠️  session buffer full, closing connection", slog.String("session", s.ID))
			s.close(websocket.CloseTryAgainLater, "slow consumer")
		}
	}
	return sent
}

// Publish sends a server message to every session of room and returns how
// many it reached. Frames on sync channels are applied to the room first.
// Collaborator messages also update the list greeted to later joiners.
func (h *Hub) Publish(ctx context.Context, room string, data []byte) (int, error) {
	name, err := models.ParseRoomName(room)
	if err != nil {
		return 0, err
	}
	_, span := middleware.StartSpan(ctx, "Relay.Publish", attribute.String("room.name", room))
	defer span.End()

	var frame models.Frame
	switch name.Channel {
	case models.ChannelSharing:
		msg, ok := channel.ParseCollaboratorMessage(data)
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrInvalidMessage, name.Channel)
		}
		h.mu.Lock()
		h.directory[room] = applyDirectory(h.directory[room], msg)
		h.mu.Unlock()
	case models.ChannelPermissions:
		if _, ok := channel.ParsePermissionMessage(data); !ok {
			return 0, fmt.Errorf("%w: %s", ErrInvalidMessage, name.Channel)
		}
	default:
		f, ok := models.DecodeFrame(data)
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrInvalidMessage, name.Channel)
		}
		frame = f
	}

	h.mu.RLock()
	if h.closed {
		h.mu.RUnlock()
		return 0, ErrHubClosed
	}
	hr := h.rooms[room]
	h.mu.RUnlock()
	if hr == nil {
		return 0, nil
	}
	h.prepare(ctx, hr)

	hr.mu.Lock()
	defer hr.mu.Unlock()
	if hr.room.Closed() {
		return 0, nil
	}
	if !name.Channel.ServerWritten() && !hr.room.ApplyFrame(frame) {
		return 0, fmt.Errorf("%w: frame rejected by room", ErrInvalidMessage)
	}
	return hr.broadcastLocked(data, nil, h.logger), nil
}

// Revoke ends userID's access to mapID: the user's permission sessions get a
// revoked message, then every session of the user on that map is closed with
// 4403 access_revoked. Tokens issued before the revocation are refused from
// now on. It returns the number of sessions closed.
func (h *Hub) Revoke(ctx context.Context, mapID, userID string) int {
	_, span := middleware.StartSpan(ctx, "Relay.Revoke",
		attribute.String("map.id", mapID),
		attribute.String("user.id", userID),
	)
	defer span.End()

	now := time.Now()
	msg, err := channel.EncodePermissionMessage(channel.PermissionRevoked{
		MapID:        mapID,
		TargetUserID: userID,
		Reason:       models.CloseReasonAccessRevoked,
		RevokedAt:    now.UTC().Format(time.RFC3339),
	})
	if err != nil {
		h.logger.Error("failed to encode revocation", slog.Any("error", err))
	}

	h.mu.Lock()
	if h.revoked[mapID] == nil {
		h.revoked[mapID] = make(map[string]revocation)
	}
	h.revoked[mapID][userID] = revocation{at: now}

	var targets []*Session
	for _, hr := range h.rooms {
		if hr.name.ID != mapID {
			continue
		}
		hr.mu.Lock()
		for s := range hr.sessions {
			if s.UserID != userID {
				continue
			}
			if hr.name.Channel == models.ChannelPermissions && msg != nil {
				_ = s.enqueue(msg)
			}
			targets = append(targets, s)
		}
		hr.mu.Unlock()
	}
	h.mu.Unlock()

	for _, s := range targets {
		s.close(models.CloseCodeForbidden, models.CloseReasonAccessRevoked)
	}
	h.logger.Info("access revoked",
		slog.String("map", mapID),
		slog.String("user", userID),
		slog.Int("sessions", len(targets)),
	)
	return len(targets)
}

// Shutdown closes every session and room.
func (h *Hub) Shutdown() {
	h.logger.Info("🛑 Shutting down relay hub...")

	h.mu.Lock()
	h.closed = true
	rooms := h.rooms
	h.rooms = make(map[string]*hubRoom)
	h.mu.Unlock()

	for _, hr := range rooms {
		hr.mu.Lock()
		for s := range hr.sessions {
			s.close(websocket.CloseGoingAway, "server shutdown")
			telemetry.RelaySessions.Dec()
		}
		hr.sessions = make(map[*Session]struct{})
		hr.mu.Unlock()
		hr.close()
	}
	h.registry.Shutdown()
	h.logger.Info("✓ Relay hub shutdown complete")
}

func newLimiter(perSecond float64, burst int) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}
