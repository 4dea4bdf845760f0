package collaboration

import (
	"log/slog"
	"sync"
	"time"

	"collab-sync/internal/models"
	"collab-sync/internal/party"
)

/*
ROOM REGISTRY

One Room per room name, created lazily and reference counted.

  Ensure  → get or create, refcount unchanged (single-shot work)
  Acquire → get or create, refcount + 1 (anything that keeps observing)
  Release → refcount - 1; at zero the transport is closed and state freed

Rooms only ever touched through Ensure have no lease holder. They are evicted
by the idle sweep once they have been unused for IdleTTL.
*/

// DefaultIdleTTL is how long a lease-less room survives without use.
const DefaultIdleTTL = 5 * time.Minute

// Options configures a Registry.
type Options struct {
	// Dialer opens the transport for a room. Nil keeps rooms local-only,
	// which is what the relay and tests use.
	Dialer TransportDialer

	// ActorID is stamped on the Meta of local mutations.
	ActorID string

	// MaxRetained bounds each room's event log (see ComputePruneCount).
	MaxRetained int

	// IdleTTL evicts rooms with no lease after this long unused. Zero
	// disables eviction.
	IdleTTL time.Duration

	// Backoff between transport redials.
	BaseDelay time.Duration
	MaxDelay  time.Duration

	Logger *slog.Logger
}

type roomEntry struct {
	room     *Room
	refs     int
	lastUsed time.Time
}

// Registry owns every Room of the process.
type Registry struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	rooms map[string]*roomEntry

	done     chan struct{}
	stopOnce sync.Once
}

// NewRegistry creates an empty registry.
func NewRegistry(opts Options) *Registry {
	if opts.MaxRetained <= 0 {
		opts.MaxRetained = DefaultMaxRetained
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = party.DefaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = party.DefaultMaxDelay
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		opts:   opts,
		logger: logger.With(slog.String("component", "room_registry")),
		now:    time.Now,
		rooms:  make(map[string]*roomEntry),
		done:   make(chan struct{}),
	}
}

// ActorID returns the actor stamped on local mutations.
func (r *Registry) ActorID() string {
	return r.opts.ActorID
}

// Ensure returns the room, creating it if needed, without taking a lease.
func (r *Registry) Ensure(name string) *Room {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entryLocked(name).room
}

// Acquire returns the room and takes a lease on it. The returned func
// releases that lease exactly once, so it can be deferred.
func (r *Registry) Acquire(name string) (*Room, func()) {
	r.mu.Lock()
	entry := r.entryLocked(name)
	entry.refs++
	room := entry.room
	r.mu.Unlock()

	var once sync.Once
	return room, func() {
		once.Do(func() { r.release(name, room) })
	}
}

// Release drops one lease on the named room.
func (r *Registry) Release(name string) {
	r.release(name, nil)
}

// release drops a lease. When room is set, the lease only counts against
// that instance, so a stale release cannot hit a recreated room.
func (r *Registry) release(name string, room *Room) {
	r.mu.Lock()
	entry, ok := r.rooms[name]
	if !ok || (room != nil && entry.room != room) {
		r.mu.Unlock()
		return
	}
	if entry.refs <= 0 {
		r.mu.Unlock()
		r.logger.Warn("release without lease", slog.String("room", name))
		return
	}

	entry.refs--
	entry.lastUsed = r.now()
	if entry.refs > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.rooms, name)
	r.mu.Unlock()

	entry.room.destroy()
	r.logger.Debug("room destroyed", slog.String("room", name))
}

// RefCount returns the number of leases held on a room.
func (r *Registry) RefCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.rooms[name]; ok {
		return entry.refs
	}
	return 0
}

// Lookup returns a live room without creating it.
func (r *Registry) Lookup(name string) (*Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.rooms[name]
	if !ok {
		return nil, false
	}
	return entry.room, true
}

// Len returns the number of live rooms.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

func (r *Registry) entryLocked(name string) *roomEntry {
	entry, ok := r.rooms[name]
	if !ok {
		entry = &roomEntry{room: newRoom(name, r.opts, r.logger)}
		r.rooms[name] = entry
		entry.room.connect(r.opts)
		r.logger.Debug("room created", slog.String("room", name))
	}
	entry.lastUsed = r.now()
	return entry
}

// Start runs the idle sweep until Shutdown.
func (r *Registry) Start() {
	ttl := r.opts.IdleTTL
	if ttl <= 0 {
		return
	}
	interval := ttl / 2
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	if interval < time.Second {
		interval = time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-r.done:
				return
			case <-ticker.C:
				if n := r.SweepIdle(); n > 0 {
					r.logger.Debug("evicted idle rooms", slog.Int("count", n))
				}
			}
		}
	}()
}

// SweepIdle destroys lease-less rooms unused for longer than IdleTTL and
// returns how many it removed.
func (r *Registry) SweepIdle() int {
	ttl := r.opts.IdleTTL
	if ttl <= 0 {
		return 0
	}
	now := r.now()

	r.mu.Lock()
	var stale []*Room
	for name, entry := range r.rooms {
		if entry.refs == 0 && now.Sub(entry.lastUsed) >= ttl {
			stale = append(stale, entry.room)
			delete(r.rooms, name)
		}
	}
	r.mu.Unlock()

	for _, room := range stale {
		room.destroy()
	}
	return len(stale)
}

// Shutdown stops the sweep and destroys every room.
func (r *Registry) Shutdown() {
	r.stopOnce.Do(func() { close(r.done) })

	r.mu.Lock()
	rooms := make([]*Room, 0, len(r.rooms))
	for _, entry := range r.rooms {
		rooms = append(rooms, entry.room)
	}
	r.rooms = make(map[string]*roomEntry)
	r.mu.Unlock()

	for _, room := range rooms {
		room.destroy()
	}
}

// Single-shot operations take no lease. Observers hold one until they
// unsubscribe.

// ApplyMutation applies a local graph mutation to the named room.
func (r *Registry) ApplyMutation(room, event string, payload any) bool {
	return r.Ensure(room).ApplyMutation(event, payload)
}

// ReplaceSnapshot reconciles the named room with a whole graph.
func (r *Registry) ReplaceSnapshot(room string, snap models.GraphSnapshot) {
	r.Ensure(room).ReplaceSnapshot(snap)
}

// Append adds a sync event to the named room's log.
func (r *Registry) Append(room, event string, payload any) models.SyncEnvelope {
	return r.Ensure(room).Append(event, payload)
}

// SetPresence publishes presence for identity in the named room.
func (r *Registry) SetPresence(room, identity string, p models.PresenceRecord) {
	r.Ensure(room).SetPresence(identity, p)
}

// ClearPresence announces this connection's departure from the named room.
func (r *Registry) ClearPresence(room string) {
	r.Ensure(room).ClearPresence()
}

// ObserveGraph registers h for graph changes. The returned func unsubscribes
// and releases the lease.
func (r *Registry) ObserveGraph(room string, h func(models.GraphChange)) func() {
	rm, release := r.Acquire(room)
	return leased(rm.ObserveGraph(h), release)
}

// SubscribeEvents registers h for envelopes appended from now on.
func (r *Registry) SubscribeEvents(room string, h func(models.SyncEnvelope)) func() {
	rm, release := r.Acquire(room)
	return leased(rm.SubscribeEvents(h), release)
}

// SubscribePresence registers h for the room's presence map.
func (r *Registry) SubscribePresence(room string, h func(models.PresenceMap)) func() {
	rm, release := r.Acquire(room)
	return leased(rm.SubscribePresence(h), release)
}

func leased(unsubscribe, release func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			unsubscribe()
			release()
		})
	}
}
