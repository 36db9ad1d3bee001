package models

import "time"

// MessageType is the author side of a conversation message.
type MessageType string

const (
	MessageUser      MessageType = "user"
	MessageAssistant MessageType = "assistant"
)

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	return t == MessageUser || t == MessageAssistant
}

// Message is one entry of a conversation log. For a fixed (OwnerID,
// SessionID) sequence numbers start at 1 and strictly increase; soft-deleted
// messages keep their number.
type Message struct {
	ID               string
	OwnerID          string
	SessionID        string
	SequenceNumber   int64
	MessageType      MessageType
	EncryptedPayload []byte
	TokenCount       *int
	CreatedAt        time.Time
	IsDeleted        bool
	DeletedAt        *time.Time
}

func (m *Message) Owner() string { return m.OwnerID }

// Snapshot is the audit representation; the payload is reduced to its size.
func (m *Message) Snapshot() map[string]any {
	return map[string]any{
		"id":              m.ID,
		"owner_id":        m.OwnerID,
		"session_id":      m.SessionID,
		"sequence_number": m.SequenceNumber,
		"message_type":    string(m.MessageType),
		"payload_size":    len(m.EncryptedPayload),
		"token_count":     m.TokenCount,
		"created_at":      m.CreatedAt,
		"is_deleted":      m.IsDeleted,
		"deleted_at":      m.DeletedAt,
	}
}

// SessionSummary lists a conversation session and its live message count.
type SessionSummary struct {
	SessionID    string
	MessageCount int64
	LastSequence int64
	LastActivity time.Time
}
