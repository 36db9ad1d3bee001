package models

import "time"

// DefaultRetentionDays applies to contexts created without an explicit value.
const DefaultRetentionDays = 90

// UserContext is a user's accumulated, encrypted AI interaction state.
// There is exactly one live row per owner.
type UserContext struct {
	ID                    string
	OwnerID               string
	ContextVersion        int
	EncryptedPayload      []byte
	SizeBytes             int
	LastUpdated           time.Time
	LastAccessed          time.Time
	AccessCount           int64
	ConversationCount     int64
	MoodEntriesProcessed  int64
	DreamEntriesProcessed int64
	TherapyNotesProcessed int64
	RetentionDays         int
	CreatedAt             time.Time
}

func (c *UserContext) Owner() string { return c.OwnerID }

// Clone returns a deep copy so cached snapshots cannot be mutated by callers.
func (c *UserContext) Clone() *UserContext {
	if c == nil {
		return nil
	}
	cp := *c
	if c.EncryptedPayload != nil {
		cp.EncryptedPayload = append([]byte(nil), c.EncryptedPayload...)
	}
	return &cp
}

// Snapshot is the audit representation; the payload is reduced to its size.
func (c *UserContext) Snapshot() map[string]any {
	return map[string]any{
		"id":                      c.ID,
		"owner_id":                c.OwnerID,
		"context_version":         c.ContextVersion,
		"size_bytes":              c.SizeBytes,
		"access_count":            c.AccessCount,
		"conversation_count":      c.ConversationCount,
		"mood_entries_processed":  c.MoodEntriesProcessed,
		"dream_entries_processed": c.DreamEntriesProcessed,
		"therapy_notes_processed": c.TherapyNotesProcessed,
		"retention_days":          c.RetentionDays,
		"last_updated":            c.LastUpdated,
		"last_accessed":           c.LastAccessed,
	}
}
