package collaboration

import (
	"testing"
	"time"

	"collab-sync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_EnsureDoesNotLease(t *testing.T) {
	reg := newTestRegistry(t, Options{})

	a := reg.Ensure(testRoom)
	b := reg.Ensure(testRoom)

	assert.Same(t, a, b)
	assert.Equal(t, 0, reg.RefCount(testRoom))
	assert.Equal(t, 1, reg.Len())
}

func TestRegistry_AcquireReleaseLifecycle(t *testing.T) {
	reg := newTestRegistry(t, Options{})

	room, release1 := reg.Acquire(testRoom)
	_, release2 := reg.Acquire(testRoom)
	require.Equal(t, 2, reg.RefCount(testRoom))

	require.True(t, room.ApplyMutation("node:create", map[string]any{"id": "n1"}))

	release1()
	release1() // second call is a no-op
	assert.Equal(t, 1, reg.RefCount(testRoom))
	assert.False(t, room.Closed())

	release2()
	assert.True(t, room.Closed())
	_, ok := reg.Lookup(testRoom)
	assert.False(t, ok)
	assert.Empty(t, room.Nodes())

	fresh := reg.Ensure(testRoom)
	assert.NotSame(t, room, fresh)
	assert.Empty(t, fresh.Nodes())
}

func TestRegistry_StaleReleaseDoesNotTouchNewRoom(t *testing.T) {
	reg := newTestRegistry(t, Options{})

	_, release := reg.Acquire(testRoom)
	release()

	_, releaseNew := reg.Acquire(testRoom)
	defer releaseNew()

	release()
	assert.Equal(t, 1, reg.RefCount(testRoom))
}

func TestRegistry_ClosedRoomRejectsWork(t *testing.T) {
	reg := newTestRegistry(t, Options{})

	room, release := reg.Acquire(testRoom)
	release()

	assert.False(t, room.ApplyMutation("node:create", map[string]any{"id": "n1"}))
	room.Append("chat", "hi")
	assert.Equal(t, 0, room.LogLen())
}

func TestRegistry_SweepIdleEvictsOnlyUnleasedRooms(t *testing.T) {
	reg := newTestRegistry(t, Options{IdleTTL: time.Minute})

	now := time.Unix(1_700_000_000, 0)
	reg.now = func() time.Time { return now }

	oneShot := reg.Ensure("mind-map:m1:sync")
	_, release := reg.Acquire("mind-map:m2:sync")
	defer release()

	now = now.Add(30 * time.Second)
	assert.Equal(t, 0, reg.SweepIdle())

	now = now.Add(31 * time.Second)
	assert.Equal(t, 1, reg.SweepIdle())
	assert.True(t, oneShot.Closed())

	_, ok := reg.Lookup("mind-map:m2:sync")
	assert.True(t, ok)
}

func TestRegistry_EnsureRefreshesIdleClock(t *testing.T) {
	reg := newTestRegistry(t, Options{IdleTTL: time.Minute})

	now := time.Unix(1_700_000_000, 0)
	reg.now = func() time.Time { return now }

	reg.Ensure(testRoom)
	now = now.Add(50 * time.Second)
	reg.Ensure(testRoom)
	now = now.Add(50 * time.Second)

	assert.Equal(t, 0, reg.SweepIdle())
}

func TestRegistry_ZeroIdleTTLNeverEvicts(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	reg.Ensure(testRoom)
	assert.Equal(t, 0, reg.SweepIdle())
}

func TestRegistry_ObserverUnsubscribeReleasesLease(t *testing.T) {
	reg := newTestRegistry(t, Options{})

	unsubGraph := reg.ObserveGraph(testRoom, func(models.GraphChange) {})
	unsubEvents := reg.SubscribeEvents(testRoom, func(models.SyncEnvelope) {})
	require.Equal(t, 2, reg.RefCount(testRoom))

	unsubGraph()
	unsubGraph()
	assert.Equal(t, 1, reg.RefCount(testRoom))

	unsubEvents()
	_, ok := reg.Lookup(testRoom)
	assert.False(t, ok)
}

func TestRegistry_ShutdownDestroysRooms(t *testing.T) {
	reg := NewRegistry(Options{Logger: quietLogger()})
	a := reg.Ensure("mind-map:a:sync")
	b, _ := reg.Acquire("mind-map:b:sync")

	reg.Shutdown()

	assert.True(t, a.Closed())
	assert.True(t, b.Closed())
	assert.Equal(t, 0, reg.Len())
}
