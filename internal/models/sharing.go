package models

// Message types on the collaborator (sharing) channel.
const (
	CollaboratorMessageSnapshot = "snapshot"
	CollaboratorMessageUpsert   = "upsert"
	CollaboratorMessageRemove   = "remove"
)

// Message types on the permissions channel.
const (
	PermissionMessageSnapshot = "snapshot"
	PermissionMessageUpdate   = "update"
	PermissionMessageRevoked  = "revoked"
)

// Close codes and reasons the server uses to end a channel for good.
const (
	CloseCodeForbidden       = 4403
	CloseReasonOwnerOnly     = "owner_only"
	CloseReasonAccessRevoked = "access_revoked"
)

// Roles a user may hold on a map.
const (
	RoleOwner     = "owner"
	RoleEditor    = "editor"
	RoleCommenter = "commenter"
	RoleViewer    = "viewer"
)

// Collaborator is one share of a map.
type Collaborator struct {
	ShareID     string  `json:"shareId"`
	MapID       string  `json:"mapId"`
	UserID      string  `json:"userId"`
	Role        string  `json:"role"`
	CanView     bool    `json:"canView"`
	CanComment  bool    `json:"canComment"`
	CanEdit     bool    `json:"canEdit"`
	DisplayName *string `json:"displayName"`
	FullName    *string `json:"fullName"`
	Email       *string `json:"email"`
	AvatarURL   *string `json:"avatarUrl"`
	IsAnonymous bool    `json:"isAnonymous"`
	CreatedAt   string  `json:"createdAt"`
	UpdatedAt   string  `json:"updatedAt"`
}

// Permission is a user's effective access to a map.
type Permission struct {
	MapID        string `json:"mapId"`
	TargetUserID string `json:"targetUserId"`
	Role         string `json:"role"`
	CanView      bool   `json:"canView"`
	CanComment   bool   `json:"canComment"`
	CanEdit      bool   `json:"canEdit"`
	UpdatedAt    string `json:"updatedAt"`
}

// Capabilities returns the view/comment/edit flags a role grants. Unknown
// roles grant nothing.
func Capabilities(role string) (canView, canComment, canEdit bool) {
	switch role {
	case RoleOwner, RoleEditor:
		return true, true, true
	case RoleCommenter:
		return true, true, false
	case RoleViewer:
		return true, false, false
	default:
		return false, false, false
	}
}

// PermissionFor builds the permission a role grants userID on mapID.
func PermissionFor(mapID, userID, role, updatedAt string) Permission {
	view, comment, edit := Capabilities(role)
	return Permission{
		MapID:        mapID,
		TargetUserID: userID,
		Role:         role,
		CanView:      view,
		CanComment:   comment,
		CanEdit:      edit,
		UpdatedAt:    updatedAt,
	}
}
