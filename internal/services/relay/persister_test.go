package relay

import (
	"testing"

	"collab-sync/internal/models"
	"collab-sync/internal/services/channel"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPersister_WritesAndDrainsOnShutdown(t *testing.T) {
	stores := &fakeStores{}
	p := NewPersister(PersisterConfig{Envelopes: stores, Graphs: stores, Workers: 3, Logger: quietLogger()})
	p.Start()

	change := func(action models.Action, id string) PersistJob {
		return PersistJob{Room: syncRoom, Change: &models.GraphChange{
			Entity: models.EntityEdge, Action: action, ID: id, Value: models.GraphRecord{"id": id},
		}}
	}
	require.NoError(t, p.Submit(change(models.ActionAdd, "e1")))
	require.NoError(t, p.Submit(change(models.ActionUpdate, "e2")))
	require.NoError(t, p.Submit(change(models.ActionDelete, "e1")))
	env := models.NewEnvelope("chat", "hi")
	require.NoError(t, p.Submit(PersistJob{Room: syncRoom, Envelope: &env}))

	p.Shutdown()

	upserts, deletes, stored := stores.writes()
	assert.Equal(t, []string{"edge/e1", "edge/e2"}, upserts)
	assert.Equal(t, []string{"edge/e1"}, deletes)
	assert.Equal(t, 1, stored)

	assert.ErrorIs(t, p.Submit(change(models.ActionAdd, "e3")), ErrPersisterClosed)
	p.Shutdown()
}

func TestPersister_QueueFullDropsJob(t *testing.T) {
	p := NewPersister(PersisterConfig{Graphs: &fakeStores{}, Workers: 1, QueueSize: 1, Logger: quietLogger()})
	job := PersistJob{Room: syncRoom, Change: &models.GraphChange{Entity: models.EntityNode, ID: "n1"}}

	require.NoError(t, p.Submit(job))
	assert.Equal(t, 1, p.QueueLength())
	assert.ErrorIs(t, p.Submit(job), ErrQueueFull)
	p.Shutdown()
}

func TestPersister_TrimsStoredEnvelopes(t *testing.T) {
	stores := &fakeStores{}
	p := NewPersister(PersisterConfig{Envelopes: stores, Workers: 1, QueueSize: 2 * trimEvery, Retain: 10, Logger: quietLogger()})
	p.Start()

	for i := 0; i < trimEvery+1; i++ {
		env := models.NewEnvelope("chat", i)
		require.NoError(t, p.Submit(PersistJob{Room: syncRoom, Envelope: &env}))
	}
	p.Shutdown()

	stores.mu.Lock()
	defer stores.mu.Unlock()
	assert.Len(t, stores.stored, trimEvery+1)
	assert.Equal(t, []int{10}, stores.trims)
}

func TestPersister_ShardsByRoom(t *testing.T) {
	p := NewPersister(PersisterConfig{Workers: 4})
	for _, room := range []string{syncRoom, "mind-map:m2:sync", "mind-map:m3:cursor"} {
		first := p.shard(room)
		assert.Equal(t, first, p.shard(room))
		assert.True(t, first >= 0 && first < 4)
	}
}

func TestApplyDirectory(t *testing.T) {
	c := func(share string) models.Collaborator {
		return models.Collaborator{ShareID: share, MapID: "m1", UserID: "u-" + share, Role: models.RoleViewer}
	}

	dir := applyDirectory(nil, channel.CollaboratorUpsert{MapID: "m1", OccurredAt: "t1", Collaborator: c("s1")})
	require.NotNil(t, dir)
	assert.Len(t, dir.Collaborators, 1)

	dir = applyDirectory(dir, channel.CollaboratorSnapshot{MapID: "m1", OccurredAt: "t2", Collaborators: []models.Collaborator{c("s2"), c("s3")}})
	assert.Equal(t, []string{"s2", "s3"}, shareIDs(dir))

	updated := c("s3")
	updated.Role = models.RoleEditor
	dir = applyDirectory(dir, channel.CollaboratorUpsert{MapID: "m1", OccurredAt: "t3", Collaborator: updated})
	assert.Equal(t, []string{"s2", "s3"}, shareIDs(dir))
	assert.Equal(t, models.RoleEditor, dir.Collaborators[1].Role)
	assert.Equal(t, "t3", dir.OccurredAt)

	before := dir
	dir = applyDirectory(dir, channel.CollaboratorRemove{MapID: "m1", OccurredAt: "t4", RemovedIDs: []string{"s2", "missing"}})
	assert.Equal(t, []string{"s3"}, shareIDs(dir))
	assert.Equal(t, []string{"s2", "s3"}, shareIDs(before), "earlier lists are not mutated")
}

func shareIDs(dir *channel.CollaboratorSnapshot) []string {
	out := make([]string, 0, len(dir.Collaborators))
	for _, c := range dir.Collaborators {
		out = append(out, c.ShareID)
	}
	return out
}
