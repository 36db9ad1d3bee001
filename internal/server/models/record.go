package models

import "time"

// RecordKind classifies tenant records. The payload is opaque to the server.
type RecordKind string

const (
	KindMood    RecordKind = "mood"
	KindDream   RecordKind = "dream"
	KindTherapy RecordKind = "therapy"
	KindChat    RecordKind = "chat"
	KindContext RecordKind = "context"
)

// Valid reports whether k is a known kind.
func (k RecordKind) Valid() bool {
	switch k {
	case KindMood, KindDream, KindTherapy, KindChat, KindContext:
		return true
	}
	return false
}

// Record is a generic tenant row (mood, dream, therapy, chat entries).
// OwnerID never changes after creation.
type Record struct {
	ID        string
	OwnerID   string
	Kind      RecordKind
	Payload   []byte
	CreatedAt time.Time
	UpdatedAt time.Time
	IsDeleted bool
	DeletedAt *time.Time
}

func (r *Record) Owner() string { return r.OwnerID }

// Snapshot is the audit representation. Payload bytes are reduced to a size.
func (r *Record) Snapshot() map[string]any {
	return map[string]any{
		"id":           r.ID,
		"owner_id":     r.OwnerID,
		"kind":         string(r.Kind),
		"payload_size": len(r.Payload),
		"created_at":   r.CreatedAt,
		"updated_at":   r.UpdatedAt,
		"is_deleted":   r.IsDeleted,
		"deleted_at":   r.DeletedAt,
	}
}
