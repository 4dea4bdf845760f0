package models

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidRoomName is returned when a room name is not "<collection>:<id>:<channel>".
var ErrInvalidRoomName = errors.New("invalid room name")

// Channel is the last segment of a room name.
type Channel string

const (
	ChannelSync          Channel = "sync"
	ChannelCursor        Channel = "cursor"
	ChannelPresence      Channel = "presence"
	ChannelSelectedNodes Channel = "selected-nodes"
	ChannelSharing       Channel = "sharing"
	ChannelPermissions   Channel = "permissions"
)

// CollectionMindMap is the collection used by every room in this system.
const CollectionMindMap = "mind-map"

var knownChannels = map[Channel]bool{
	ChannelSync:          true,
	ChannelCursor:        true,
	ChannelPresence:      true,
	ChannelSelectedNodes: true,
	ChannelSharing:       true,
	ChannelPermissions:   true,
}

// Valid reports whether c is one of the channels the server hosts.
func (c Channel) Valid() bool {
	return knownChannels[c]
}

// RoomName identifies a room, e.g. mind-map:<mapId>:sync.
type RoomName struct {
	Collection string
	ID         string
	Channel    Channel
}

// NewRoomName builds a room name for the given collection, id and channel.
func NewRoomName(collection, id string, channel Channel) RoomName {
	return RoomName{Collection: collection, ID: id, Channel: channel}
}

// MapRoom is shorthand for a mind-map room.
func MapRoom(mapID string, channel Channel) RoomName {
	return NewRoomName(CollectionMindMap, mapID, channel)
}

// ParseRoomName splits "<collection>:<id>:<channel>". The id segment may
// itself contain colons; collection and channel may not.
func ParseRoomName(s string) (RoomName, error) {
	first := strings.Index(s, ":")
	last := strings.LastIndex(s, ":")
	if first <= 0 || last == first || last == len(s)-1 {
		return RoomName{}, fmt.Errorf("%w: %q", ErrInvalidRoomName, s)
	}

	name := RoomName{
		Collection: s[:first],
		ID:         s[first+1 : last],
		Channel:    Channel(s[last+1:]),
	}
	if name.ID == "" {
		return RoomName{}, fmt.Errorf("%w: empty id in %q", ErrInvalidRoomName, s)
	}
	if !name.Channel.Valid() {
		return RoomName{}, fmt.Errorf("%w: unknown channel %q", ErrInvalidRoomName, name.Channel)
	}
	return name, nil
}

func (r RoomName) String() string {
	return r.Collection + ":" + r.ID + ":" + string(r.Channel)
}

// ServerWritten reports whether only the server publishes on the channel.
// Clients of these channels receive collaborator or permission messages
// instead of sync frames.
func (c Channel) ServerWritten() bool {
	return c == ChannelSharing || c == ChannelPermissions
}
