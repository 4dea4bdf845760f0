package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"collab-sync/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

/*
SYNC ENVELOPE PERSISTENCE

The relay stores every envelope it accepts so a restarted server can replay
recent history to joining clients.

Query patterns:
- Store:     insert, ignoring an envelope id the room already has
- Recent:    newest N of a room, returned oldest first
- DeleteOld: keep the newest N of a room
*/

// EnvelopeRepositoryImpl stores sync envelopes
type EnvelopeRepositoryImpl struct {
	db *gorm.DB
}

// NewEnvelopeRepository creates a new envelope repository
func NewEnvelopeRepository(db *gorm.DB) *EnvelopeRepositoryImpl {
	return &EnvelopeRepositoryImpl{db: db}
}

// Store persists one envelope of room
func (r *EnvelopeRepositoryImpl) Store(ctx context.Context, room string, env models.SyncEnvelope) error {
	row, err := envelopeRow(room, env)
	if err != nil {
		return err
	}

	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("failed to store envelope: %w", err)
	}

	return nil
}

// Recent returns up to limit envelopes of room, oldest first
func (r *EnvelopeRepositoryImpl) Recent(ctx context.Context, room string, limit int) ([]models.SyncEnvelope, error) {
	var rows []models.StoredEnvelope

	err := r.db.WithContext(ctx).
		Where("room_name = ?", room).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to get recent envelopes: %w", err)
	}

	out := make([]models.SyncEnvelope, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		env, err := rowEnvelope(rows[i])
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

// DeleteOld removes everything but the newest keep envelopes of room
func (r *EnvelopeRepositoryImpl) DeleteOld(ctx context.Context, room string, keep int) (int64, error) {
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&models.StoredEnvelope{}).
		Where("room_name = ?", room).
		Count(&count).Error; err != nil {
		return 0, fmt.Errorf("failed to count envelopes: %w", err)
	}

	if count <= int64(keep) {
		return 0, nil
	}

	// Oldest envelope that survives
	var cutoff models.StoredEnvelope
	if err := r.db.WithContext(ctx).
		Where("room_name = ?", room).
		Order("created_at ASC").
		Offset(int(count - int64(keep))).
		First(&cutoff).Error; err != nil {
		return 0, fmt.Errorf("failed to find cutoff envelope: %w", err)
	}

	result := r.db.WithContext(ctx).
		Where("room_name = ? AND created_at < ?", room, cutoff.CreatedAt).
		Delete(&models.StoredEnvelope{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete old envelopes: %w", result.Error)
	}

	return result.RowsAffected, nil
}

func envelopeRow(room string, env models.SyncEnvelope) (models.StoredEnvelope, error) {
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return models.StoredEnvelope{}, fmt.Errorf("failed to encode envelope payload: %w", err)
	}
	return models.StoredEnvelope{
		RoomName:  room,
		ID:        env.ID,
		Event:     env.Event,
		Payload:   payload,
		Timestamp: env.Timestamp,
	}, nil
}

func rowEnvelope(row models.StoredEnvelope) (models.SyncEnvelope, error) {
	var payload any
	if len(row.Payload) > 0 {
		if err := json.Unmarshal(row.Payload, &payload); err != nil {
			return models.SyncEnvelope{}, fmt.Errorf("failed to decode envelope %s: %w", row.ID, err)
		}
	}
	return models.SyncEnvelope{
		ID:        row.ID,
		Event:     row.Event,
		Payload:   payload,
		Timestamp: row.Timestamp,
	}, nil
}
