package api

import (
	"context"

	"collab-sync/internal/services/collaboration"
	"collab-sync/internal/services/relay"
)

/*
CONSUMER-DRIVEN INTERFACES

The handlers only need this much of the relay hub, so the interface lives
here next to its consumer rather than in the relay package.
*/

// RelayHub is what the admin endpoints call on the relay
type RelayHub interface {
	Stats() relay.Stats
	Publish(ctx context.Context, room string, data []byte) (int, error)
	Revoke(ctx context.Context, mapID, userID string) int
	Registry() *collaboration.Registry
}
