package collaboration

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"collab-sync/internal/models"

	"github.com/google/uuid"
)

// ErrRoomClosed is returned for work submitted to a destroyed room.
var ErrRoomClosed = errors.New("room closed")

/*
ROOM TRANSACTIONS

Every write to a room (graph maps, meta, event log, awareness) happens inside
transact, under the room mutex. Notifications produced by a transaction are
queued and delivered after the mutex is released, by whichever goroutine is
already draining the queue. That gives:

  - observers never see a change without its meta (both written under one lock)
  - delivery order == apply order across graph, log and presence
  - handlers may call back into the room; their notifications queue behind
    the current one instead of deadlocking
*/

type graphObserver struct {
	id      uint64
	handler func(models.GraphChange)
}

type presenceObserver struct {
	id      uint64
	handler func(models.PresenceMap)
}

// logCursor is one event log subscriber: events before pos were delivered.
type logCursor struct {
	pos     int
	handler func(models.SyncEnvelope)
}

// Room is the shared in-memory document of one room name.
type Room struct {
	name        string
	actorID     string
	maxRetained int
	logger      *slog.Logger
	clientID    string

	mu     sync.Mutex
	closed bool

	nodes map[string]models.GraphRecord
	edges map[string]models.GraphRecord
	meta  models.Meta

	log     []models.SyncEnvelope
	cursors map[uint64]*logCursor

	localState   map[string]any
	remoteStates map[string]map[string]any

	graphObservers    map[uint64]graphObserver
	presenceObservers map[uint64]presenceObserver
	nextID            uint64

	pending  []func()
	flushing bool

	link *roomLink
}

func newRoom(name string, opts Options, logger *slog.Logger) *Room {
	return &Room{
		name:              name,
		actorID:           opts.ActorID,
		maxRetained:       opts.MaxRetained,
		logger:            logger.With(slog.String("room", name)),
		clientID:          uuid.NewString(),
		nodes:             make(map[string]models.GraphRecord),
		edges:             make(map[string]models.GraphRecord),
		cursors:           make(map[uint64]*logCursor),
		localState:        map[string]any{},
		remoteStates:      make(map[string]map[string]any),
		graphObservers:    make(map[uint64]graphObserver),
		presenceObservers: make(map[uint64]presenceObserver),
	}
}

// Name returns the room name.
func (r *Room) Name() string {
	return r.name
}

// ClientID is this process's awareness id in the room. It changes with
// every room instance, like a connection id.
func (r *Room) ClientID() string {
	return r.clientID
}

// Closed reports whether the room was destroyed.
func (r *Room) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Nodes returns a copy of the node map.
func (r *Room) Nodes() map[string]models.GraphRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyRecords(r.nodes)
}

// Edges returns a copy of the edge map.
func (r *Room) Edges() map[string]models.GraphRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return copyRecords(r.edges)
}

// Node returns one node.
func (r *Room) Node(id string) (models.GraphRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.nodes[id]
	return rec.Clone(), ok
}

// Edge returns one edge.
func (r *Room) Edge(id string) (models.GraphRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.edges[id]
	return rec.Clone(), ok
}

// Meta returns the meta of the last applied mutation.
func (r *Room) Meta() models.Meta {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.meta
}

// Snapshot returns the current graph as a snapshot, records sorted by id.
func (r *Room) Snapshot() models.GraphSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return models.GraphSnapshot{
		Nodes:   sortedRecords(r.nodes),
		Edges:   sortedRecords(r.edges),
		ActorID: r.meta.ActorID,
		Event:   r.meta.Event,
	}
}

// transact runs fn under the room lock and then delivers whatever fn queued.
// It returns ErrRoomClosed without running fn once the room is destroyed.
func (r *Room) transact(fn func()) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRoomClosed
	}
	fn()
	r.mu.Unlock()

	r.flush()
	return nil
}

// enqueue schedules a delivery. Callers hold r.mu.
func (r *Room) enqueue(d func()) {
	r.pending = append(r.pending, d)
}

// flush drains the delivery queue. Only one goroutine drains at a time;
// others return immediately and their work is picked up by the drainer.
func (r *Room) flush() {
	r.mu.Lock()
	if r.flushing {
		r.mu.Unlock()
		return
	}
	r.flushing = true

	for len(r.pending) > 0 {
		d := r.pending[0]
		r.pending[0] = nil
		r.pending = r.pending[1:]

		r.mu.Unlock()
		r.safeCall("delivery", d)
		r.mu.Lock()
	}

	r.pending = nil
	r.flushing = false
	r.mu.Unlock()
}

// safeCall runs fn and contains a panic to this one call.
func (r *Room) safeCall(what string, fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("subscriber panicked",
				slog.String("delivery", what),
				slog.String("panic", fmt.Sprint(rec)),
			)
		}
	}()
	fn()
}

func (r *Room) nextSubscriberID() uint64 {
	r.nextID++
	return r.nextID
}

// send forwards a frame on the room transport. Callers hold r.mu so frames
// leave in apply order.
func (r *Room) send(frame models.Frame) {
	if r.link == nil {
		return
	}
	data, err := frame.Encode()
	if err != nil {
		r.logger.Debug("dropping unencodable frame", slog.String("type", string(frame.Type)), slog.Any("error", err))
		return
	}
	r.link.send(data)
}

// HandleFrame applies one frame received from the transport. It reports
// false for frames it could not parse or apply.
func (r *Room) HandleFrame(data []byte) bool {
	frame, ok := models.DecodeFrame(data)
	if !ok {
		r.logger.Debug("dropping malformed frame", slog.Int("size", len(data)))
		return false
	}
	return r.ApplyFrame(frame)
}

// ApplyFrame applies an already decoded frame as a remote change.
func (r *Room) ApplyFrame(frame models.Frame) bool {
	switch frame.Type {
	case models.FrameGraph:
		return r.ApplyRemoteMutation(frame.Event, frame.Payload, frame.ActorID, frame.Timestamp)
	case models.FrameSnapshot:
		if frame.Snapshot == nil {
			return false
		}
		return r.ApplyRemoteSnapshot(*frame.Snapshot, frame.Timestamp)
	case models.FrameEvent:
		if frame.Envelope == nil {
			return false
		}
		return r.ApplyRemoteEnvelope(*frame.Envelope)
	case models.FrameAwareness:
		return r.ApplyRemoteAwareness(frame.ClientID, frame.State)
	default:
		return false
	}
}

// destroy closes the transport and frees all state. Pending deliveries are
// dropped.
func (r *Room) destroy() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	link := r.link
	r.link = nil
	r.nodes = make(map[string]models.GraphRecord)
	r.edges = make(map[string]models.GraphRecord)
	r.log = nil
	r.cursors = make(map[uint64]*logCursor)
	r.localState = map[string]any{}
	r.remoteStates = make(map[string]map[string]any)
	r.graphObservers = make(map[uint64]graphObserver)
	r.presenceObservers = make(map[uint64]presenceObserver)
	r.pending = nil
	r.mu.Unlock()

	if link != nil {
		link.close()
	}
}

func copyRecords(in map[string]models.GraphRecord) map[string]models.GraphRecord {
	out := make(map[string]models.GraphRecord, len(in))
	for id, rec := range in {
		out[id] = rec.Clone()
	}
	return out
}

func sortedRecords(in map[string]models.GraphRecord) []any {
	ids := make([]string, 0, len(in))
	for id := range in {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, map[string]any(in[id].Clone()))
	}
	return out
}
