package models

// Entity is the kind of graph record a mutation targets.
type Entity string

const (
	EntityNode Entity = "node"
	EntityEdge Entity = "edge"
)

// Action is what a mutation does to a record.
type Action string

const (
	ActionAdd    Action = "add"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Graph mutation event names accepted by the merge engine.
const (
	EventNodeCreate = "node:create"
	EventNodeUpdate = "node:update"
	EventNodeDelete = "node:delete"
	EventEdgeCreate = "edge:create"
	EventEdgeUpdate = "edge:update"
	EventEdgeDelete = "edge:delete"
)

// Fields that identify who created a record and when. A partial update must
// not clobber them.
const (
	FieldID        = "id"
	FieldUserID    = "user_id"
	FieldCreatedAt = "created_at"
)

// GraphRecord is a node or an edge. Records are schemaless; the only field the
// sync core relies on is "id", which always equals the record's map key.
type GraphRecord map[string]any

// ID returns the record's id when it is a non-empty string.
func (r GraphRecord) ID() (string, bool) {
	id, ok := r[FieldID].(string)
	return id, ok && id != ""
}

// Clone returns a shallow copy of the record.
func (r GraphRecord) Clone() GraphRecord {
	if r == nil {
		return nil
	}
	out := make(GraphRecord, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// GraphChange is the normalized notification observers receive for one key.
// ActorID and TimestampMs come from the room Meta written in the same
// transaction as the change.
type GraphChange struct {
	Entity      Entity      `json:"entity"`
	Action      Action      `json:"action"`
	ID          string      `json:"id"`
	Value       GraphRecord `json:"value"`
	OldValue    GraphRecord `json:"oldValue"`
	ActorID     string      `json:"actorId,omitempty"`
	TimestampMs int64       `json:"timestampMs"`
}

// Meta records the most recent mutation applied to a room.
type Meta struct {
	Event       string `json:"event"`
	ActorID     string `json:"actorId,omitempty"`
	TimestampMs int64  `json:"timestampMs"`
	SkipHistory bool   `json:"skipHistory,omitempty"`
}

// GraphSnapshot is a whole-graph replacement. Nodes and Edges are kept as
// loosely typed values because malformed entries are discarded, not rejected.
type GraphSnapshot struct {
	Nodes           []any  `json:"nodes"`
	Edges           []any  `json:"edges"`
	ActorID         string `json:"actorId,omitempty"`
	Event           string `json:"event,omitempty"`
	SkipHistoryOnce bool   `json:"skipHistoryOnce,omitempty"`
}
