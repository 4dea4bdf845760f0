package models

import "encoding/json"

// FrameType discriminates frames exchanged between a room transport and the relay.
type FrameType string

const (
	FrameGraph     FrameType = "graph"
	FrameSnapshot  FrameType = "snapshot"
	FrameEvent     FrameType = "event"
	FrameAwareness FrameType = "awareness"
)

// Frame is the JSON unit carried on a sync room socket.
//
//	graph:     Event + Payload + ActorID + Timestamp
//	snapshot:  Snapshot + Timestamp
//	event:     Envelope
//	awareness: ClientID + State (empty state = the client left)
type Frame struct {
	Type      FrameType       `json:"type"`
	Event     string          `json:"event,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	ActorID   string          `json:"actorId,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Snapshot  *GraphSnapshot  `json:"snapshot,omitempty"`
	Envelope  *SyncEnvelope   `json:"envelope,omitempty"`
	ClientID  string          `json:"clientId,omitempty"`
	State     map[string]any  `json:"state,omitempty"`
}

// Encode marshals the frame.
func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// DecodeFrame parses a frame and reports false for anything that is not a
// JSON object with a known type.
func DecodeFrame(data []byte) (Frame, bool) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, false
	}
	switch f.Type {
	case FrameGraph, FrameSnapshot, FrameEvent, FrameAwareness:
		return f, true
	default:
		return Frame{}, false
	}
}
