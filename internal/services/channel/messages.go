package channel

import (
	"encoding/json"

	"collab-sync/internal/models"

	"github.com/go-playground/validator/v10"
)

/*
SIDE CHANNEL MESSAGES

Both side channels send JSON objects discriminated on "type". Parsing is two
steps: read the discriminator, then decode into the wire struct of that
variant and validate it. Only a valid wire struct is turned into the public
variant, so handlers never see a half-filled message.

  sharing:     snapshot | upsert | remove
  permissions: snapshot | update | revoked
*/

var messageValidate = validator.New()

// CollaboratorMessage is one of CollaboratorSnapshot, CollaboratorUpsert or
// CollaboratorRemove.
type CollaboratorMessage interface {
	CollaboratorMessageType() string
	isCollaboratorMessage()
}

// CollaboratorSnapshot is the full collaborator list of a map.
type CollaboratorSnapshot struct {
	MapID         string                `json:"mapId"`
	OccurredAt    string                `json:"occurredAt"`
	Collaborators []models.Collaborator `json:"collaborators"`
}

// CollaboratorUpsert adds or replaces one collaborator.
type CollaboratorUpsert struct {
	MapID        string              `json:"mapId"`
	OccurredAt   string              `json:"occurredAt"`
	Collaborator models.Collaborator `json:"collaborator"`
}

// CollaboratorRemove drops collaborators by share id.
type CollaboratorRemove struct {
	MapID      string   `json:"mapId"`
	OccurredAt string   `json:"occurredAt"`
	RemovedIDs []string `json:"removedIds"`
}

func (CollaboratorSnapshot) CollaboratorMessageType() string {
	return models.CollaboratorMessageSnapshot
}
func (CollaboratorUpsert) CollaboratorMessageType() string { return models.CollaboratorMessageUpsert }
func (CollaboratorRemove) CollaboratorMessageType() string { return models.CollaboratorMessageRemove }

func (CollaboratorSnapshot) isCollaboratorMessage() {}
func (CollaboratorUpsert) isCollaboratorMessage()   {}
func (CollaboratorRemove) isCollaboratorMessage()   {}

// PermissionMessage is one of PermissionSnapshot, PermissionUpdate or
// PermissionRevoked.
type PermissionMessage interface {
	PermissionMessageType() string
	isPermissionMessage()
}

// PermissionSnapshot is the caller's current access, sent on connect.
type PermissionSnapshot struct {
	models.Permission
}

// PermissionUpdate is a change of the caller's access.
type PermissionUpdate struct {
	models.Permission
}

// PermissionRevoked ends the caller's access to a map.
type PermissionRevoked struct {
	MapID        string `json:"mapId"`
	TargetUserID string `json:"targetUserId"`
	Reason       string `json:"reason"`
	RevokedAt    string `json:"revokedAt"`
}

func (PermissionSnapshot) PermissionMessageType() string { return models.PermissionMessageSnapshot }
func (PermissionUpdate) PermissionMessageType() string   { return models.PermissionMessageUpdate }
func (PermissionRevoked) PermissionMessageType() string  { return models.PermissionMessageRevoked }

func (PermissionSnapshot) isPermissionMessage() {}
func (PermissionUpdate) isPermissionMessage()   {}
func (PermissionRevoked) isPermissionMessage()  {}

// Wire forms. Pointers mark fields that must be present even when false.

type wireCollaborator struct {
	ShareID     string  `json:"shareId" validate:"required"`
	MapID       string  `json:"mapId" validate:"required"`
	UserID      string  `json:"userId" validate:"required"`
	Role        string  `json:"role" validate:"required"`
	CanView     *bool   `json:"canView" validate:"required"`
	CanComment  *bool   `json:"canComment" validate:"required"`
	CanEdit     *bool   `json:"canEdit" validate:"required"`
	DisplayName *string `json:"displayName"`
	FullName    *string `json:"fullName"`
	Email       *string `json:"email"`
	AvatarURL   *string `json:"avatarUrl"`
	IsAnonymous *bool   `json:"isAnonymous" validate:"required"`
	CreatedAt   string  `json:"createdAt" validate:"required"`
	UpdatedAt   string  `json:"updatedAt" validate:"required"`
}

func (w wireCollaborator) collaborator() models.Collaborator {
	return models.Collaborator{
		ShareID:     w.ShareID,
		MapID:       w.MapID,
		UserID:      w.UserID,
		Role:        w.Role,
		CanView:     *w.CanView,
		CanComment:  *w.CanComment,
		CanEdit:     *w.CanEdit,
		DisplayName: w.DisplayName,
		FullName:    w.FullName,
		Email:       w.Email,
		AvatarURL:   w.AvatarURL,
		IsAnonymous: *w.IsAnonymous,
		CreatedAt:   w.CreatedAt,
		UpdatedAt:   w.UpdatedAt,
	}
}

type wireCollaboratorSnapshot struct {
	MapID         string             `json:"mapId" validate:"required"`
	OccurredAt    string             `json:"occurredAt" validate:"required"`
	Collaborators []wireCollaborator `json:"collaborators" validate:"required,dive"`
}

type wireCollaboratorUpsert struct {
	MapID        string            `json:"mapId" validate:"required"`
	OccurredAt   string            `json:"occurredAt" validate:"required"`
	Collaborator *wireCollaborator `json:"collaborator" validate:"required"`
}

type wireCollaboratorRemove struct {
	MapID      string   `json:"mapId" validate:"required"`
	OccurredAt string   `json:"occurredAt" validate:"required"`
	RemovedIDs []string `json:"removedIds" validate:"required,dive,required"`
}

type wirePermission struct {
	MapID        string `json:"mapId" validate:"required"`
	TargetUserID string `json:"targetUserId" validate:"required"`
	Role         string `json:"role" validate:"required"`
	CanView      *bool  `json:"canView" validate:"required"`
	CanComment   *bool  `json:"canComment" validate:"required"`
	CanEdit      *bool  `json:"canEdit" validate:"required"`
	UpdatedAt    string `json:"updatedAt" validate:"required"`
}

func (w wirePermission) permission() models.Permission {
	return models.Permission{
		MapID:        w.MapID,
		TargetUserID: w.TargetUserID,
		Role:         w.Role,
		CanView:      *w.CanView,
		CanComment:   *w.CanComment,
		CanEdit:      *w.CanEdit,
		UpdatedAt:    w.UpdatedAt,
	}
}

type wirePermissionRevoked struct {
	MapID        string `json:"mapId" validate:"required"`
	TargetUserID string `json:"targetUserId" validate:"required"`
	Reason       string `json:"reason" validate:"required,eq=access_revoked"`
	RevokedAt    string `json:"revokedAt" validate:"required"`
}

// decodeValid unmarshals data into dst and validates it.
func decodeValid(data []byte, dst any) bool {
	if err := json.Unmarshal(data, dst); err != nil {
		return false
	}
	return messageValidate.Struct(dst) == nil
}

func messageType(data []byte) (string, bool) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil || head.Type == "" {
		return "", false
	}
	return head.Type, true
}

// ParseCollaboratorMessage returns the variant carried by data, or false
// when data is not a well-formed collaborator message.
func ParseCollaboratorMessage(data []byte) (CollaboratorMessage, bool) {
	typ, ok := messageType(data)
	if !ok {
		return nil, false
	}

	switch typ {
	case models.CollaboratorMessageSnapshot:
		var w wireCollaboratorSnapshot
		if !decodeValid(data, &w) {
			return nil, false
		}
		out := CollaboratorSnapshot{
			MapID:         w.MapID,
			OccurredAt:    w.OccurredAt,
			Collaborators: make([]models.Collaborator, 0, len(w.Collaborators)),
		}
		for _, c := range w.Collaborators {
			out.Collaborators = append(out.Collaborators, c.collaborator())
		}
		return out, true

	case models.CollaboratorMessageUpsert:
		var w wireCollaboratorUpsert
		if !decodeValid(data, &w) {
			return nil, false
		}
		return CollaboratorUpsert{
			MapID:        w.MapID,
			OccurredAt:   w.OccurredAt,
			Collaborator: w.Collaborator.collaborator(),
		}, true

	case models.CollaboratorMessageRemove:
		var w wireCollaboratorRemove
		if !decodeValid(data, &w) {
			return nil, false
		}
		return CollaboratorRemove{
			MapID:      w.MapID,
			OccurredAt: w.OccurredAt,
			RemovedIDs: w.RemovedIDs,
		}, true

	default:
		return nil, false
	}
}

// ParsePermissionMessage returns the variant carried by data, or false when
// data is not a well-formed permission message.
func ParsePermissionMessage(data []byte) (PermissionMessage, bool) {
	typ, ok := messageType(data)
	if !ok {
		return nil, false
	}

	switch typ {
	case models.PermissionMessageSnapshot, models.PermissionMessageUpdate:
		var w wirePermission
		if !decodeValid(data, &w) {
			return nil, false
		}
		if typ == models.PermissionMessageSnapshot {
			return PermissionSnapshot{Permission: w.permission()}, true
		}
		return PermissionUpdate{Permission: w.permission()}, true

	case models.PermissionMessageRevoked:
		var w wirePermissionRevoked
		if !decodeValid(data, &w) {
			return nil, false
		}
		return PermissionRevoked{
			MapID:        w.MapID,
			TargetUserID: w.TargetUserID,
			Reason:       w.Reason,
			RevokedAt:    w.RevokedAt,
		}, true

	default:
		return nil, false
	}
}

// EncodeCollaboratorMessage marshals a variant with its "type" field.
func EncodeCollaboratorMessage(m CollaboratorMessage) ([]byte, error) {
	return encodeTagged(m.CollaboratorMessageType(), m)
}

// EncodePermissionMessage marshals a variant with its "type" field.
func EncodePermissionMessage(m PermissionMessage) ([]byte, error) {
	return encodeTagged(m.PermissionMessageType(), m)
}

func encodeTagged(typ string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	tag, _ := json.Marshal(typ)
	fields["type"] = tag
	return json.Marshal(fields)
}

// IsTerminalClose reports whether a close is a final authorization decision
// (4403 owner_only or access_revoked).
func IsTerminalClose(code int, reason string) bool {
	if code != models.CloseCodeForbidden {
		return false
	}
	return reason == models.CloseReasonOwnerOnly || reason == models.CloseReasonAccessRevoked
}
