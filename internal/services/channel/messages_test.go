package channel

import (
	"encoding/json"
	"testing"

	"collab-sync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCollaboratorMessage_Rejects(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "not json", data: `{{`},
		{name: "array", data: `[1,2]`},
		{name: "no type", data: `{"mapId":"m1"}`},
		{name: "unknown type", data: `{"type":"rename","mapId":"m1","occurredAt":"t"}`},
		{name: "snapshot without collaborators", data: `{"type":"snapshot","mapId":"m1","occurredAt":"t"}`},
		{name: "snapshot with bad entry", data: `{"type":"snapshot","mapId":"m1","occurredAt":"t","collaborators":[{"shareId":"s1"}]}`},
		{name: "upsert missing flag", data: `{"type":"upsert","mapId":"m1","occurredAt":"t","collaborator":{"shareId":"s1","mapId":"m1","userId":"u1","role":"viewer","canView":true,"canComment":false,"isAnonymous":false,"createdAt":"t","updatedAt":"t"}}`},
		{name: "upsert wrong field type", data: `{"type":"upsert","mapId":"m1","occurredAt":"t","collaborator":{"shareId":1}}`},
		{name: "remove without ids", data: `{"type":"remove","mapId":"m1","occurredAt":"t"}`},
		{name: "remove with empty id", data: `{"type":"remove","mapId":"m1","occurredAt":"t","removedIds":[""]}`},
		{name: "missing map id", data: `{"type":"remove","occurredAt":"t","removedIds":["s1"]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, ok := ParseCollaboratorMessage([]byte(tt.data))
			assert.False(t, ok)
			assert.Nil(t, msg)
		})
	}
}

func TestParseCollaboratorMessage_SnapshotFields(t *testing.T) {
	data := `{"type":"snapshot","mapId":"m1","occurredAt":"2024-05-01T10:00:00Z","collaborators":[` +
		collaboratorJSON("s1", "u1") + `,` + collaboratorJSON("s2", "u2") + `]}`

	msg, ok := ParseCollaboratorMessage([]byte(data))
	require.True(t, ok)
	assert.Equal(t, models.CollaboratorMessageSnapshot, msg.CollaboratorMessageType())

	snap := msg.(CollaboratorSnapshot)
	assert.Equal(t, "m1", snap.MapID)
	require.Len(t, snap.Collaborators, 2)

	c := snap.Collaborators[0]
	assert.Equal(t, "s1", c.ShareID)
	assert.Equal(t, "editor", c.Role)
	assert.True(t, c.CanView)
	assert.False(t, c.CanEdit)
	require.NotNil(t, c.DisplayName)
	assert.Equal(t, "Ada", *c.DisplayName)
	assert.Nil(t, c.Email)
	assert.False(t, c.IsAnonymous)
}

func TestParseCollaboratorMessage_EmptySnapshot(t *testing.T) {
	msg, ok := ParseCollaboratorMessage([]byte(`{"type":"snapshot","mapId":"m1","occurredAt":"t","collaborators":[]}`))
	require.True(t, ok)
	assert.Empty(t, msg.(CollaboratorSnapshot).Collaborators)
}

func TestParsePermissionMessage(t *testing.T) {
	update, ok := ParsePermissionMessage([]byte(`{"type":"update","mapId":"m1","targetUserId":"u1","role":"viewer","canView":true,"canComment":false,"canEdit":false,"updatedAt":"t"}`))
	require.True(t, ok)
	u, isUpdate := update.(PermissionUpdate)
	require.True(t, isUpdate)
	assert.Equal(t, "viewer", u.Role)
	assert.False(t, u.CanComment)

	revoked, ok := ParsePermissionMessage([]byte(`{"type":"revoked","mapId":"m1","targetUserId":"u1","reason":"access_revoked","revokedAt":"t"}`))
	require.True(t, ok)
	assert.Equal(t, PermissionRevoked{MapID: "m1", TargetUserID: "u1", Reason: "access_revoked", RevokedAt: "t"}, revoked)

	_, ok = ParsePermissionMessage([]byte(`{"type":"revoked","mapId":"m1","targetUserId":"u1","reason":"expired","revokedAt":"t"}`))
	assert.False(t, ok)

	_, ok = ParsePermissionMessage([]byte(`{"type":"update","mapId":"m1","targetUserId":"u1","role":"viewer","canView":true,"updatedAt":"t"}`))
	assert.False(t, ok)
}

func TestEncodePermissionMessage_RoundTrips(t *testing.T) {
	in := PermissionRevoked{MapID: "m1", TargetUserID: "u1", Reason: models.CloseReasonAccessRevoked, RevokedAt: "t"}

	data, err := EncodePermissionMessage(in)
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	assert.Equal(t, "revoked", fields["type"])

	out, ok := ParsePermissionMessage(data)
	require.True(t, ok)
	assert.Equal(t, in, out)
}

func TestEncodePermissionMessage_EmbeddedPermission(t *testing.T) {
	in := PermissionSnapshot{Permission: models.Permission{
		MapID: "m1", TargetUserID: "u1", Role: models.RoleOwner,
		CanView: true, CanComment: true, CanEdit: true, UpdatedAt: "t",
	}}

	data, err := EncodePermissionMessage(in)
	require.NoError(t, err)

	out, ok := ParsePermissionMessage(data)
	require.True(t, ok)
	assert.Equal(t, in, out)
}

func TestIsTerminalClose(t *testing.T) {
	assert.True(t, IsTerminalClose(4403, "owner_only"))
	assert.True(t, IsTerminalClose(4403, "access_revoked"))
	assert.False(t, IsTerminalClose(4403, "something_else"))
	assert.False(t, IsTerminalClose(1011, "owner_only"))
	assert.False(t, IsTerminalClose(1000, ""))
}
