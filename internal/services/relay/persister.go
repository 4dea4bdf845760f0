package relay

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"collab-sync/internal/models"
	"collab-sync/internal/telemetry"
)

/*
PERSISTENCE WORKER POOL

Room observers run inside the room's delivery loop, so they must never block
on the database. They hand jobs to a fixed pool of workers instead.

Jobs are sharded by room name: every job of one room lands on the same
worker, so an upsert and a later delete of the same record are written in
the order they happened.

  graph observer ─┐
                  ├─→ shard(room) → worker i → GraphStore / EnvelopeStore
  event cursor  ──┘

A full queue drops the job and counts it. Rooms keep working without the
database; only the durable copy falls behind.
*/

// EnvelopeStore persists sync envelopes per room.
type EnvelopeStore interface {
	Store(ctx context.Context, room string, env models.SyncEnvelope) error
	// Recent returns up to limit envelopes, oldest first.
	Recent(ctx context.Context, room string, limit int) ([]models.SyncEnvelope, error)
	// DeleteOld keeps the newest keep envelopes of room.
	DeleteOld(ctx context.Context, room string, keep int) (int64, error)
}

// GraphStore persists the latest value of every node and edge.
type GraphStore interface {
	Upsert(ctx context.Context, room string, entity models.Entity, id string, data models.GraphRecord, actorID string) error
	Delete(ctx context.Context, room string, entity models.Entity, id string) error
	Load(ctx context.Context, room string) (models.GraphSnapshot, error)
}

// ErrPersisterClosed is returned by Submit after Shutdown.
var ErrPersisterClosed = errors.New("persister is shutting down")

// ErrQueueFull is returned by Submit when the room's worker is backed up.
var ErrQueueFull = errors.New("persist queue full")

const (
	jobChange   = "graph"
	jobEnvelope = "envelope"

	// trimEvery is how many stored envelopes of a room pass between trims.
	trimEvery = 50
	opTimeout = 5 * time.Second
)

// PersistJob is one write for the store.
type PersistJob struct {
	Room     string
	Change   *models.GraphChange
	Envelope *models.SyncEnvelope
}

func (j PersistJob) kind() string {
	if j.Change != nil {
		return jobChange
	}
	return jobEnvelope
}

// PersisterConfig configures NewPersister.
type PersisterConfig struct {
	Envelopes EnvelopeStore
	Graphs    GraphStore
	Workers   int
	QueueSize int
	// Retain is how many envelopes per room the store keeps. Zero keeps all.
	Retain int
	Logger *slog.Logger
}

// Persister writes room changes to the stores in the background.
type Persister struct {
	envelopes EnvelopeStore
	graphs    GraphStore
	retain    int
	logger    *slog.Logger

	queues []chan PersistJob
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
	stored map[string]int
}

// NewPersister builds the pool. Call Start before submitting.
func NewPersister(cfg PersisterConfig) *Persister {
	workers := cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &Persister{
		envelopes: cfg.Envelopes,
		graphs:    cfg.Graphs,
		retain:    cfg.Retain,
		logger:    logger.With(slog.String("component", "persister")),
		queues:    make([]chan PersistJob, workers),
		stored:    make(map[string]int),
	}
	for i := range p.queues {
		p.queues[i] = make(chan PersistJob, queueSize)
	}
	return p
}

// Start spawns the workers.
func (p *Persister) Start() {
	p.logger.Info("🔧 Starting persistence workers", slog.Int("workers", len(p.queues)))
	for i, q := range p.queues {
		p.wg.Add(1)
		go p.worker(i, q)
	}
}

// Submit queues a job without blocking.
func (p *Persister) Submit(job PersistJob) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPersisterClosed
	}

	select {
	case p.queues[p.shard(job.Room)] <- job:
		return nil
	default:
		telemetry.PersistJobs.WithLabelValues(job.kind(), "dropped").Inc()
		return ErrQueueFull
	}
}

// Observe persists every graph change and envelope of room. It returns a
// func that stops observing.
func (p *Persister) Observe(room string, observeGraph func(func(models.GraphChange)) func(), subscribeEvents func(func(models.SyncEnvelope)) func()) func() {
	var stops []func()
	if p.graphs != nil {
		stops = append(stops, observeGraph(func(c models.GraphChange) {
			change := c
			if err := p.Submit(PersistJob{Room: room, Change: &change}); err != nil {
				p.logger.Warn("graph change not persisted", slog.String("room", room), slog.Any("error", err))
			}
		}))
	}
	if p.envelopes != nil {
		stops = append(stops, subscribeEvents(func(env models.SyncEnvelope) {
			e := env
			if err := p.Submit(PersistJob{Room: room, Envelope: &e}); err != nil {
				p.logger.Warn("envelope not persisted", slog.String("room", room), slog.Any("error", err))
			}
		}))
	}
	return func() {
		for _, stop := range stops {
			stop()
		}
	}
}

// Shutdown stops accepting jobs, lets the workers drain their queues and
// waits for them.
func (p *Persister) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Info("✓ Persistence workers stopped")
}

// QueueLength is the number of jobs waiting across all workers.
func (p *Persister) QueueLength() int {
	n := 0
	for _, q := range p.queues {
		n += len(q)
	}
	return n
}

func (p *Persister) shard(room string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(room))
	return int(h.Sum32() % uint32(len(p.queues)))
}

func (p *Persister) worker(id int, jobs <-chan PersistJob) {
	defer p.wg.Done()

	for job := range jobs {
		if err := p.process(job); err != nil {
			telemetry.PersistJobs.WithLabelValues(job.kind(), "error").Inc()
			p.logger.Error("persist failed",
				slog.Int("worker", id),
				slog.String("room", job.Room),
				slog.Any("error", err),
			)
			continue
		}
		telemetry.PersistJobs.WithLabelValues(job.kind(), "ok").Inc()
	}
}

func (p *Persister) process(job PersistJob) error {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	if c := job.Change; c != nil {
		if p.graphs == nil {
			return nil
		}
		if c.Action == models.ActionDelete {
			return p.graphs.Delete(ctx, job.Room, c.Entity, c.ID)
		}
		return p.graphs.Upsert(ctx, job.Room, c.Entity, c.ID, c.Value, c.ActorID)
	}

	if job.Envelope == nil || p.envelopes == nil {
		return nil
	}
	if err := p.envelopes.Store(ctx, job.Room, *job.Envelope); err != nil {
		return err
	}
	if p.retain <= 0 || !p.countStored(job.Room) {
		return nil
	}
	if _, err := p.envelopes.DeleteOld(ctx, job.Room, p.retain); err != nil {
		return fmt.Errorf("trim %s: %w", job.Room, err)
	}
	return nil
}

// countStored bumps the per-room counter and reports whether a trim is due.
func (p *Persister) countStored(room string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stored[room]++
	if p.stored[room] < trimEvery {
		return false
	}
	p.stored[room] = 0
	return true
}
