package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

/*
SYNC EVENT LOG

Arbitrary sync events travel as envelopes. An envelope is appended at the tail
of a room's log and never reordered. Ids are KSUIDs so they sort by creation
time, which is what the relay relies on when it replays history to a late
joiner.

Flow:
  Client appends → envelope frame → relay appends + persists → fan-out
  → other clients append the same envelope (same id)
*/

// SyncEnvelope is one entry of a room's event log.
type SyncEnvelope struct {
	ID        string `json:"id"`
	Event     string `json:"event"`
	Payload   any    `json:"payload"`
	Timestamp int64  `json:"timestamp"` // unix ms
}

// NewEnvelope stamps a fresh id and the current time.
func NewEnvelope(event string, payload any) SyncEnvelope {
	return SyncEnvelope{
		ID:        ksuid.New().String(),
		Event:     event,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
}

// StoredEnvelope is the persisted form of a SyncEnvelope.
type StoredEnvelope struct {
	RoomName  string    `gorm:"type:varchar(255);primaryKey;index:idx_room_time,priority:1" json:"room_name"`
	ID        string    `gorm:"type:varchar(64);primaryKey" json:"id"`
	Event     string    `gorm:"type:varchar(255);not null" json:"event"`
	Payload   []byte    `gorm:"type:jsonb" json:"-"`
	Timestamp int64     `gorm:"not null" json:"timestamp"`
	CreatedAt time.Time `gorm:"index:idx_room_time,priority:2" json:"created_at"`
}

// BeforeCreate generates a KSUID when the envelope has none
func (e *StoredEnvelope) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = ksuid.New().String()
	}
	return nil
}

// TableName override
func (StoredEnvelope) TableName() string {
	return "sync_envelopes"
}

// StoredGraphRecord is the latest persisted value of one node or edge.
type StoredGraphRecord struct {
	RoomName  string    `gorm:"type:varchar(255);primaryKey" json:"room_name"`
	Entity    Entity    `gorm:"type:varchar(16);primaryKey" json:"entity"`
	RecordID  string    `gorm:"type:varchar(255);primaryKey" json:"record_id"`
	Data      []byte    `gorm:"type:jsonb;not null" json:"-"`
	ActorID   string    `gorm:"type:varchar(255)" json:"actor_id"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime" json:"updated_at"`
}

// TableName override
func (StoredGraphRecord) TableName() string {
	return "graph_records"
}
