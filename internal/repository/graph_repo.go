package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"collab-sync/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

/*
GRAPH RECORD PERSISTENCE

One row per node or edge of a room, holding its latest merged value. The
relay loads a room's rows when the room becomes active and writes every
change its observers see.

  (room_name, entity, record_id) → data, actor_id, updated_at
*/

// GraphRepositoryImpl stores graph records
type GraphRepositoryImpl struct {
	db *gorm.DB
}

// NewGraphRepository creates a new graph repository
func NewGraphRepository(db *gorm.DB) *GraphRepositoryImpl {
	return &GraphRepositoryImpl{db: db}
}

// Upsert writes the latest value of one record
func (r *GraphRepositoryImpl) Upsert(ctx context.Context, room string, entity models.Entity, id string, data models.GraphRecord, actorID string) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode %s %s: %w", entity, id, err)
	}

	row := &models.StoredGraphRecord{
		RoomName: room,
		Entity:   entity,
		RecordID: id,
		Data:     encoded,
		ActorID:  actorID,
	}

	err = r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "room_name"}, {Name: "entity"}, {Name: "record_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"data", "actor_id", "updated_at"}),
		}).
		Create(row).Error
	if err != nil {
		return fmt.Errorf("failed to upsert %s %s: %w", entity, id, err)
	}

	return nil
}

// Delete removes one record. Deleting a missing record is not an error.
func (r *GraphRepositoryImpl) Delete(ctx context.Context, room string, entity models.Entity, id string) error {
	err := r.db.WithContext(ctx).
		Where("room_name = ? AND entity = ? AND record_id = ?", room, entity, id).
		Delete(&models.StoredGraphRecord{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", entity, id, err)
	}
	return nil
}

// Load returns every record of room as a snapshot
func (r *GraphRepositoryImpl) Load(ctx context.Context, room string) (models.GraphSnapshot, error) {
	var rows []models.StoredGraphRecord

	err := r.db.WithContext(ctx).
		Where("room_name = ?", room).
		Find(&rows).Error
	if err != nil {
		return models.GraphSnapshot{}, fmt.Errorf("failed to load graph: %w", err)
	}

	return snapshotFromRows(rows)
}

// snapshotFromRows sorts records by id within each entity so loads are
// deterministic.
func snapshotFromRows(rows []models.StoredGraphRecord) (models.GraphSnapshot, error) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].RecordID < rows[j].RecordID })

	snap := models.GraphSnapshot{Nodes: []any{}, Edges: []any{}}
	for _, row := range rows {
		var record map[string]any
		if err := json.Unmarshal(row.Data, &record); err != nil {
			return models.GraphSnapshot{}, fmt.Errorf("failed to decode %s %s: %w", row.Entity, row.RecordID, err)
		}
		if record == nil {
			record = make(map[string]any)
		}
		record[models.FieldID] = row.RecordID

		switch row.Entity {
		case models.EntityNode:
			snap.Nodes = append(snap.Nodes, record)
		case models.EntityEdge:
			snap.Edges = append(snap.Edges, record)
		}
	}
	return snap, nil
}
