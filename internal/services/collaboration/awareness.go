package collaboration

import (
	"sort"

	"collab-sync/internal/models"
)

// ToPresenceMap groups every connection state exposing presence.id under
// that id. Two connections of one user produce two entries. States are
// visited in client id order so the result is deterministic.
func ToPresenceMap(states map[string]map[string]any) models.PresenceMap {
	clients := make([]string, 0, len(states))
	for client := range states {
		clients = append(clients, client)
	}
	sort.Strings(clients)

	out := make(models.PresenceMap)
	for _, client := range clients {
		presence, ok := asObject(states[client][models.PresenceKey])
		if !ok {
			continue
		}
		id, ok := nonEmptyString(presence[models.FieldID])
		if !ok {
			continue
		}
		out[id] = append(out[id], models.PresenceRecord(cloneState(presence)))
	}
	return out
}

// SetPresence merges {presence: p} into the local connection state, keeping
// sibling fields. The record's id defaults to identity.
func (r *Room) SetPresence(identity string, p models.PresenceRecord) {
	rec := cloneState(p)
	if _, ok := nonEmptyString(rec[models.FieldID]); !ok && identity != "" {
		rec[models.FieldID] = identity
	}
	_ = r.transact(func() {
		state := cloneState(r.localState)
		state[models.PresenceKey] = rec
		r.setLocalStateLocked(state)
	})
}

// SetLocalField sets a sibling field (e.g. "cursor") on the local state.
func (r *Room) SetLocalField(key string, value any) {
	_ = r.transact(func() {
		state := cloneState(r.localState)
		if value == nil {
			delete(state, key)
		} else {
			state[key] = value
		}
		r.setLocalStateLocked(state)
	})
}

// ClearPresence empties the local state, which peers read as a departure.
func (r *Room) ClearPresence() {
	_ = r.transact(func() {
		r.setLocalStateLocked(map[string]any{})
	})
}

// LocalState returns a copy of this connection's awareness state.
func (r *Room) LocalState() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneState(r.localState)
}

// PresenceMap returns the current presence of every known connection.
func (r *Room) PresenceMap() models.PresenceMap {
	r.mu.Lock()
	defer r.mu.Unlock()
	return ToPresenceMap(r.awarenessStatesLocked())
}

// AwarenessStates returns every known connection state keyed by client id,
// the local one included when not empty.
func (r *Room) AwarenessStates() map[string]map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.awarenessStatesLocked()
}

// ApplyRemoteAwareness records a peer's state. An empty state removes it.
func (r *Room) ApplyRemoteAwareness(clientID string, state map[string]any) bool {
	if clientID == "" || clientID == r.clientID {
		return false
	}
	err := r.transact(func() {
		_, known := r.remoteStates[clientID]
		if len(state) == 0 {
			if !known {
				return
			}
			delete(r.remoteStates, clientID)
		} else {
			r.remoteStates[clientID] = cloneState(state)
		}
		r.notifyPresenceLocked()
	})
	return err == nil
}

// SubscribePresence calls h with the current presence map right away and
// again after every change.
func (r *Room) SubscribePresence(h func(models.PresenceMap)) func() {
	var id uint64
	err := r.transact(func() {
		id = r.nextSubscriberID()
		r.presenceObservers[id] = presenceObserver{id: id, handler: h}
		current := ToPresenceMap(r.awarenessStatesLocked())
		r.enqueue(func() {
			if r.observingPresence(id) {
				r.safeCall("presence", func() { h(current) })
			}
		})
	})
	if err != nil {
		return func() {}
	}

	return func() {
		r.mu.Lock()
		delete(r.presenceObservers, id)
		r.mu.Unlock()
	}
}

// localAwarenessFrame is what a fresh transport announces on open.
func (r *Room) localAwarenessFrame() (models.Frame, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || len(r.localState) == 0 {
		return models.Frame{}, false
	}
	return models.Frame{
		Type:     models.FrameAwareness,
		ClientID: r.clientID,
		State:    cloneState(r.localState),
	}, true
}

func (r *Room) setLocalStateLocked(state map[string]any) {
	r.localState = state
	r.notifyPresenceLocked()
	r.send(models.Frame{
		Type:     models.FrameAwareness,
		ClientID: r.clientID,
		State:    cloneState(state),
	})
}

func (r *Room) awarenessStatesLocked() map[string]map[string]any {
	states := make(map[string]map[string]any, len(r.remoteStates)+1)
	for client, state := range r.remoteStates {
		states[client] = cloneState(state)
	}
	if len(r.localState) > 0 {
		states[r.clientID] = cloneState(r.localState)
	}
	return states
}

func (r *Room) notifyPresenceLocked() {
	if len(r.presenceObservers) == 0 {
		return
	}
	current := ToPresenceMap(r.awarenessStatesLocked())

	observers := make([]presenceObserver, 0, len(r.presenceObservers))
	for _, o := range r.presenceObservers {
		observers = append(observers, o)
	}
	sort.Slice(observers, func(i, j int) bool { return observers[i].id < observers[j].id })

	r.enqueue(func() {
		for _, o := range observers {
			if !r.observingPresence(o.id) {
				continue
			}
			handler := o.handler
			r.safeCall("presence", func() { handler(current) })
		}
	})
}

func (r *Room) observingPresence(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.presenceObservers[id]
	return ok
}
