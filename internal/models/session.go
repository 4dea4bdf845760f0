package models

import (
	"time"

	"github.com/segmentio/ksuid"
)

// Session describes one websocket connection held by the relay.
type Session struct {
	ID           string    `json:"id"`
	RoomName     string    `json:"room_name"`
	UserID       string    `json:"user_id"`
	Role         string    `json:"role,omitempty"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// AnonymousUser is the identity given to connections the relay does not
// authenticate.
const AnonymousUser = "anonymous"

func NewSession(roomName, userID, role string) *Session {
	now := time.Now()
	return &Session{
		ID:           ksuid.New().String(),
		RoomName:     roomName,
		UserID:       userID,
		Role:         role,
		ConnectedAt:  now,
		LastActiveAt: now,
	}
}
