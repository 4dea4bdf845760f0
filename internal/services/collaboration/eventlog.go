package collaboration

import (
	"log/slog"

	"collab-sync/internal/models"
	"collab-sync/internal/telemetry"
)

// DefaultMaxRetained is how many envelopes a room keeps once every
// subscriber has consumed them.
const DefaultMaxRetained = 200

// ComputePruneCount returns how many envelopes may be dropped from the head
// of a log of total entries. It never passes the slowest cursor; with no
// cursors the whole excess over maxRetained goes.
func ComputePruneCount(total, maxRetained int, cursors []int) int {
	excess := total - maxRetained
	if excess <= 0 {
		return 0
	}
	bound := total
	for i, c := range cursors {
		if i == 0 || c < bound {
			bound = c
		}
	}
	if bound < 0 {
		bound = 0
	}
	if excess < bound {
		return excess
	}
	return bound
}

// Append adds an envelope at the tail of the log and forwards it on the
// transport. A destroyed room returns the envelope without storing it.
func (r *Room) Append(event string, payload any) models.SyncEnvelope {
	env := models.NewEnvelope(event, payload)
	err := r.transact(func() {
		r.appendLocked(env)
		r.send(models.Frame{Type: models.FrameEvent, Envelope: &env})
	})
	if err != nil {
		r.logger.Debug("append on closed room", slog.String("event", event))
	}
	return env
}

// ApplyRemoteEnvelope appends an envelope received from the transport,
// keeping its id. Envelopes already in the retained log are ignored.
func (r *Room) ApplyRemoteEnvelope(env models.SyncEnvelope) bool {
	if env.ID == "" || env.Event == "" {
		return false
	}
	applied := false
	err := r.transact(func() {
		for i := len(r.log) - 1; i >= 0; i-- {
			if r.log[i].ID == env.ID {
				return
			}
		}
		r.appendLocked(env)
		applied = true
	})
	return err == nil && applied
}

func (r *Room) appendLocked(env models.SyncEnvelope) {
	r.log = append(r.log, env)
	for id := range r.cursors {
		r.enqueueLogDelivery(id)
	}
	if len(r.cursors) == 0 {
		r.pruneLocked()
	}
}

// SubscribeEvents registers h with a cursor at the current end of the log.
// Earlier envelopes are not replayed.
func (r *Room) SubscribeEvents(h func(models.SyncEnvelope)) func() {
	var id uint64
	err := r.transact(func() {
		id = r.nextSubscriberID()
		r.cursors[id] = &logCursor{pos: len(r.log), handler: h}
		r.enqueueLogDelivery(id)
	})
	if err != nil {
		return func() {}
	}

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if _, ok := r.cursors[id]; !ok {
			return
		}
		delete(r.cursors, id)
		r.pruneLocked()
	}
}

func (r *Room) enqueueLogDelivery(id uint64) {
	r.enqueue(func() { r.deliverLog(id) })
}

// deliverLog hands a subscriber everything between its cursor and the
// current end of the log, then prunes.
func (r *Room) deliverLog(id uint64) {
	r.mu.Lock()
	c, ok := r.cursors[id]
	if !ok || r.closed {
		r.mu.Unlock()
		return
	}
	var batch []models.SyncEnvelope
	if c.pos < len(r.log) {
		batch = append(batch, r.log[c.pos:]...)
		c.pos = len(r.log)
	}
	handler := c.handler
	r.mu.Unlock()

	for _, env := range batch {
		env := env
		r.safeCall("event", func() { handler(env) })
	}

	r.mu.Lock()
	if !r.closed {
		r.pruneLocked()
	}
	r.mu.Unlock()
}

// pruneLocked drops consumed envelopes beyond maxRetained from the head and
// shifts every cursor down by the same amount.
func (r *Room) pruneLocked() {
	cursors := make([]int, 0, len(r.cursors))
	for _, c := range r.cursors {
		cursors = append(cursors, c.pos)
	}
	n := ComputePruneCount(len(r.log), r.maxRetained, cursors)
	if n <= 0 {
		return
	}

	r.log = append([]models.SyncEnvelope(nil), r.log[n:]...)
	for _, c := range r.cursors {
		c.pos -= n
		if c.pos < 0 {
			c.pos = 0
		}
	}
	telemetry.EventLogPruned.Add(float64(n))
}

// Envelopes returns a copy of the retained log.
func (r *Room) Envelopes() []models.SyncEnvelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.SyncEnvelope(nil), r.log...)
}

// LogLen returns the number of retained envelopes.
func (r *Room) LogLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.log)
}
