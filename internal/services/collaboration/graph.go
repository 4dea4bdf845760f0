package collaboration

import (
	"encoding/json"
	"log/slog"
	"sort"
	"time"

	"collab-sync/internal/models"
)

// DefaultSnapshotEvent is the meta event written by a snapshot that names none.
const DefaultSnapshotEvent = "snapshot:replace"

type mutation struct {
	entity models.Entity
	action models.Action
}

var mutationTable = map[string]mutation{
	models.EventNodeCreate: {models.EntityNode, models.ActionAdd},
	models.EventNodeUpdate: {models.EntityNode, models.ActionUpdate},
	models.EventNodeDelete: {models.EntityNode, models.ActionDelete},
	models.EventEdgeCreate: {models.EntityEdge, models.ActionAdd},
	models.EventEdgeUpdate: {models.EntityEdge, models.ActionUpdate},
	models.EventEdgeDelete: {models.EntityEdge, models.ActionDelete},
}

// stableFields keep their existing value through a merge.
var stableFields = []string{models.FieldUserID, models.FieldCreatedAt}

// LookupMutation maps a graph event name to the entity and action it applies.
func LookupMutation(event string) (models.Entity, models.Action, bool) {
	m, ok := mutationTable[event]
	return m.entity, m.action, ok
}

// MutationID returns the record id a mutation payload carries, taken from
// id or data.id the same way ApplyMutation reads it.
func MutationID(payload any) (string, bool) {
	id, _, _, ok := extractMutation(payload)
	return id, ok
}

// MergeRecords overlays incoming on existing. A non-empty user_id or
// created_at on the existing record always survives.
func MergeRecords(existing, incoming models.GraphRecord) models.GraphRecord {
	merged := make(models.GraphRecord, len(existing)+len(incoming))
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range incoming {
		merged[k] = v
	}
	for _, field := range stableFields {
		if v, ok := existing[field]; ok && hasValue(v) {
			merged[field] = v
		}
	}
	return merged
}

func hasValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case string:
		return val != ""
	default:
		return true
	}
}

// asObject accepts in-memory objects only; it never decodes.
func asObject(v any) (map[string]any, bool) {
	switch val := v.(type) {
	case map[string]any:
		return val, val != nil
	case models.GraphRecord:
		return map[string]any(val), val != nil
	case models.PresenceRecord:
		return map[string]any(val), val != nil
	default:
		return nil, false
	}
}

// extractMutation pulls the record id and body out of a mutation payload.
// The id comes from payload.id or payload.data.id; the body is payload.data
// when it is an object, otherwise the payload itself.
func extractMutation(payload any) (string, models.GraphRecord, map[string]any, bool) {
	obj, ok := toRecord(payload)
	if !ok {
		return "", nil, nil, false
	}
	data, hasData := asObject(obj["data"])

	id, ok := nonEmptyString(obj[models.FieldID])
	if !ok && hasData {
		id, ok = nonEmptyString(data[models.FieldID])
	}
	if !ok {
		return "", nil, nil, false
	}

	body := obj
	if hasData {
		body = data
	}
	rec := models.GraphRecord(body).Clone()
	rec[models.FieldID] = id
	return id, rec, obj, true
}

// indexRecords builds an id-keyed map from snapshot entries, discarding
// anything that is not an object with a non-empty string id.
func indexRecords(entries []any) map[string]models.GraphRecord {
	out := make(map[string]models.GraphRecord, len(entries))
	for _, entry := range entries {
		obj, ok := toRecord(entry)
		if !ok {
			continue
		}
		id, ok := nonEmptyString(obj[models.FieldID])
		if !ok {
			continue
		}
		out[id] = models.GraphRecord(obj).Clone()
	}
	return out
}

func (r *Room) recordsFor(entity models.Entity) map[string]models.GraphRecord {
	if entity == models.EntityEdge {
		return r.edges
	}
	return r.nodes
}

// ApplyMutation applies a local node/edge mutation and forwards it on the
// transport. It returns false for unknown events, payloads without an id and
// destroyed rooms.
func (r *Room) ApplyMutation(event string, payload any) bool {
	return r.applyMutation(event, payload, r.actorID, time.Now().UnixMilli(), true)
}

// ApplyRemoteMutation applies a mutation received from the transport. It is
// not forwarded again.
func (r *Room) ApplyRemoteMutation(event string, payload any, actorID string, ts int64) bool {
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	return r.applyMutation(event, payload, actorID, ts, false)
}

func (r *Room) applyMutation(event string, payload any, actorID string, ts int64, local bool) bool {
	entity, action, ok := LookupMutation(event)
	if !ok {
		return false
	}
	id, body, obj, ok := extractMutation(payload)
	if !ok {
		r.logger.Debug("ignoring mutation without id", slog.String("event", event))
		return false
	}

	err := r.transact(func() {
		r.meta = models.Meta{Event: event, ActorID: actorID, TimestampMs: ts}
		records := r.recordsFor(entity)
		old, existed := records[id]

		if action == models.ActionDelete {
			if existed {
				delete(records, id)
				r.notifyGraphLocked(entity, models.ActionDelete, id, nil, old)
			}
		} else {
			merged := MergeRecords(old, body)
			merged[models.FieldID] = id
			records[id] = merged

			act := models.ActionAdd
			if existed {
				act = models.ActionUpdate
			}
			r.notifyGraphLocked(entity, act, id, merged, old)
		}

		if local {
			raw, err := json.Marshal(obj)
			if err != nil {
				return
			}
			r.send(models.Frame{
				Type:      models.FrameGraph,
				Event:     event,
				Payload:   raw,
				ActorID:   actorID,
				Timestamp: ts,
			})
		}
	})
	return err == nil
}

// ReplaceSnapshot reconciles the room with a whole graph and forwards the
// snapshot on the transport.
func (r *Room) ReplaceSnapshot(snap models.GraphSnapshot) {
	if snap.ActorID == "" {
		snap.ActorID = r.actorID
	}
	r.replaceSnapshot(snap, time.Now().UnixMilli(), true)
}

// ApplyRemoteSnapshot reconciles with a snapshot received from the transport.
func (r *Room) ApplyRemoteSnapshot(snap models.GraphSnapshot, ts int64) bool {
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	return r.replaceSnapshot(snap, ts, false)
}

func (r *Room) replaceSnapshot(snap models.GraphSnapshot, ts int64, local bool) bool {
	event := snap.Event
	if event == "" {
		event = DefaultSnapshotEvent
	}
	nodes := indexRecords(snap.Nodes)
	edges := indexRecords(snap.Edges)

	err := r.transact(func() {
		r.meta = models.Meta{
			Event:       event,
			ActorID:     snap.ActorID,
			TimestampMs: ts,
			SkipHistory: snap.SkipHistoryOnce,
		}
		r.reconcileLocked(models.EntityNode, nodes)
		r.reconcileLocked(models.EntityEdge, edges)

		if local {
			out := models.GraphSnapshot{
				Nodes:           sortedRecords(nodes),
				Edges:           sortedRecords(edges),
				ActorID:         snap.ActorID,
				Event:           event,
				SkipHistoryOnce: snap.SkipHistoryOnce,
			}
			r.send(models.Frame{Type: models.FrameSnapshot, Snapshot: &out, Timestamp: ts})
		}
	})
	return err == nil
}

// reconcileLocked deletes keys missing from incoming and writes merged
// records that differ from the current value.
func (r *Room) reconcileLocked(entity models.Entity, incoming map[string]models.GraphRecord) {
	records := r.recordsFor(entity)

	var removed []string
	for id := range records {
		if _, ok := incoming[id]; !ok {
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	for _, id := range removed {
		old := records[id]
		delete(records, id)
		r.notifyGraphLocked(entity, models.ActionDelete, id, nil, old)
	}

	ids := make([]string, 0, len(incoming))
	for id := range incoming {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		old, existed := records[id]
		merged := MergeRecords(old, incoming[id])
		merged[models.FieldID] = id
		if existed && stableEqual(old, merged) {
			continue
		}
		records[id] = merged

		act := models.ActionAdd
		if existed {
			act = models.ActionUpdate
		}
		r.notifyGraphLocked(entity, act, id, merged, old)
	}
}

// ObserveGraph registers h for every changed key. It does not replay the
// current graph.
func (r *Room) ObserveGraph(h func(models.GraphChange)) func() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return func() {}
	}
	id := r.nextSubscriberID()
	r.graphObservers[id] = graphObserver{id: id, handler: h}
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.graphObservers, id)
		r.mu.Unlock()
	}
}

// notifyGraphLocked queues one change for the observers registered right
// now. Actor and timestamp come from the meta written in this transaction.
func (r *Room) notifyGraphLocked(entity models.Entity, action models.Action, id string, value, old models.GraphRecord) {
	if len(r.graphObservers) == 0 {
		return
	}
	change := models.GraphChange{
		Entity:      entity,
		Action:      action,
		ID:          id,
		Value:       value.Clone(),
		OldValue:    old.Clone(),
		ActorID:     r.meta.ActorID,
		TimestampMs: r.meta.TimestampMs,
	}

	observers := make([]graphObserver, 0, len(r.graphObservers))
	for _, o := range r.graphObservers {
		observers = append(observers, o)
	}
	sort.Slice(observers, func(i, j int) bool { return observers[i].id < observers[j].id })

	r.enqueue(func() {
		for _, o := range observers {
			if !r.observingGraph(o.id) {
				continue
			}
			handler := o.handler
			r.safeCall("graph", func() { handler(change) })
		}
	})
}

func (r *Room) observingGraph(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.graphObservers[id]
	return ok
}
