package collaboration

import (
	"encoding/json"
	"fmt"

	"collab-sync/internal/models"
)

// nonEmptyString coerces v to a string when it is a non-empty string.
func nonEmptyString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok && s != ""
}

// stableString renders v as canonical JSON. encoding/json sorts map keys, so
// two maps with the same content render identically whatever their insertion
// order, and 1 and 1.0 render the same.
func stableString(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return string(b)
}

// stableEqual is an order-independent deep equality.
func stableEqual(a, b any) bool {
	return stableString(a) == stableString(b)
}

// toRecord coerces a payload into a JSON object. Maps are used as-is, raw
// JSON is decoded, anything else goes through a JSON round trip.
func toRecord(v any) (map[string]any, bool) {
	switch val := v.(type) {
	case nil:
		return nil, false
	case map[string]any:
		return val, val != nil
	case models.GraphRecord:
		return map[string]any(val), val != nil
	case models.PresenceRecord:
		return map[string]any(val), val != nil
	case json.RawMessage:
		return decodeObject(val)
	case []byte:
		return decodeObject(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, false
		}
		return decodeObject(b)
	}
}

func decodeObject(data []byte) (map[string]any, bool) {
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil || out == nil {
		return nil, false
	}
	return out, true
}

func cloneState(state map[string]any) map[string]any {
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = v
	}
	return out
}
