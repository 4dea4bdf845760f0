package models

// PresenceRecord is the ephemeral presence object a connection publishes under
// the "presence" key of its awareness state. It carries at least an "id" naming
// the logical identity (usually the user id).
type PresenceRecord map[string]any

// PresenceMap groups presence records by logical identity. One identity may
// have several entries, one per live connection (e.g. two browser tabs).
type PresenceMap map[string][]PresenceRecord

// PresenceKey is the awareness state field holding the PresenceRecord.
const PresenceKey = "presence"
