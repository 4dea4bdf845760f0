package relay

import (
	"collab-sync/internal/models"
	"collab-sync/internal/services/channel"
)

// applyDirectory folds a published collaborator message into the list a
// sharing room greets new sessions with. Upserts and removals before any
// snapshot start from an empty list.
func applyDirectory(cur *channel.CollaboratorSnapshot, msg channel.CollaboratorMessage) *channel.CollaboratorSnapshot {
	switch m := msg.(type) {
	case channel.CollaboratorSnapshot:
		out := m
		out.Collaborators = append([]models.Collaborator(nil), m.Collaborators...)
		return &out

	case channel.CollaboratorUpsert:
		out := cloneDirectory(cur, m.MapID, m.OccurredAt)
		for i, c := range out.Collaborators {
			if c.ShareID == m.Collaborator.ShareID {
				out.Collaborators[i] = m.Collaborator
				return out
			}
		}
		out.Collaborators = append(out.Collaborators, m.Collaborator)
		return out

	case channel.CollaboratorRemove:
		out := cloneDirectory(cur, m.MapID, m.OccurredAt)
		removed := make(map[string]bool, len(m.RemovedIDs))
		for _, id := range m.RemovedIDs {
			removed[id] = true
		}
		kept := out.Collaborators[:0]
		for _, c := range out.Collaborators {
			if !removed[c.ShareID] {
				kept = append(kept, c)
			}
		}
		out.Collaborators = kept
		return out
	}
	return cur
}

func cloneDirectory(cur *channel.CollaboratorSnapshot, mapID, occurredAt string) *channel.CollaboratorSnapshot {
	out := &channel.CollaboratorSnapshot{MapID: mapID, OccurredAt: occurredAt, Collaborators: []models.Collaborator{}}
	if cur != nil {
		out.Collaborators = append(out.Collaborators, cur.Collaborators...)
	}
	return out
}
