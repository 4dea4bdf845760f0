package collaboration

import (
	"testing"

	"collab-sync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToPresenceMap_GroupsTabsByIdentity(t *testing.T) {
	states := map[string]map[string]any{
		"tab-a": {"presence": map[string]any{"id": "u1", "name": "Ada", "tab": "a"}},
		"tab-b": {"presence": map[string]any{"id": "u1", "name": "Ada", "tab": "b"}},
		"other": {"presence": models.PresenceRecord{"id": "u2"}},
		"bare":  {"cursor": map[string]any{"x": 1}},
		"noid":  {"presence": map[string]any{"name": "ghost"}},
		"badid": {"presence": map[string]any{"id": 7}},
		"flat":  {"presence": "u3"},
	}

	got := ToPresenceMap(states)

	require.Len(t, got, 2)
	require.Len(t, got["u1"], 2)
	assert.Equal(t, "a", got["u1"][0]["tab"])
	assert.Equal(t, "b", got["u1"][1]["tab"])
	assert.Len(t, got["u2"], 1)
}

func TestSetPresence_StampsIdentityAndKeepsSiblings(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	room := reg.Ensure(testRoom)

	room.SetLocalField("cursor", map[string]any{"x": 10, "y": 20})
	room.SetPresence("u1", models.PresenceRecord{"name": "Ada"})

	state := room.LocalState()
	assert.Equal(t, map[string]any{"x": 10, "y": 20}, state["cursor"])
	assert.Equal(t, map[string]any{"id": "u1", "name": "Ada"}, state["presence"])

	room.SetPresence("u1", models.PresenceRecord{"id": "explicit", "name": "Ada"})
	assert.Contains(t, room.PresenceMap(), "explicit")
}

func TestClearPresence_RemovesLocalEntry(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	room := reg.Ensure(testRoom)

	room.SetPresence("u1", models.PresenceRecord{"name": "Ada"})
	require.Contains(t, room.PresenceMap(), "u1")

	room.ClearPresence()
	assert.Empty(t, room.PresenceMap())
	assert.Empty(t, room.LocalState())
}

func TestSubscribePresence_ImmediateThenOnChange(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	room := reg.Ensure(testRoom)
	room.SetPresence("u1", models.PresenceRecord{"tab": "local"})

	var snapshots []models.PresenceMap
	unsubscribe := reg.SubscribePresence(testRoom, func(m models.PresenceMap) {
		snapshots = append(snapshots, m)
	})

	require.Len(t, snapshots, 1)
	assert.Len(t, snapshots[0]["u1"], 1)

	// a second tab of the same user joins through the transport
	require.True(t, room.ApplyRemoteAwareness("peer-1", map[string]any{
		"presence": map[string]any{"id": "u1", "tab": "remote"},
	}))
	require.Len(t, snapshots, 2)
	assert.Len(t, snapshots[1]["u1"], 2)

	// empty state = the peer left
	require.True(t, room.ApplyRemoteAwareness("peer-1", nil))
	require.Len(t, snapshots, 3)
	assert.Len(t, snapshots[2]["u1"], 1)

	unsubscribe()
	room.ClearPresence()
	assert.Len(t, snapshots, 3)
	assert.Equal(t, 0, reg.RefCount(testRoom))
}

func TestApplyRemoteAwareness_IgnoresOwnClientAndUnknownDepartures(t *testing.T) {
	reg := newTestRegistry(t, Options{})
	room := reg.Ensure(testRoom)

	calls := 0
	defer room.SubscribePresence(func(models.PresenceMap) { calls++ })()
	require.Equal(t, 1, calls)

	assert.False(t, room.ApplyRemoteAwareness(room.ClientID(), map[string]any{"presence": map[string]any{"id": "x"}}))
	assert.False(t, room.ApplyRemoteAwareness("", map[string]any{"presence": map[string]any{"id": "x"}}))
	assert.True(t, room.ApplyRemoteAwareness("never-seen", nil))

	assert.Equal(t, 1, calls)
	assert.Empty(t, room.AwarenessStates())
}
