package models

import "time"

// Envelope is an opaque ciphertext the server stores but cannot decrypt.
// Ciphertext is write-once; when StorageKey is set the bytes live in object
// storage and Ciphertext is empty in the row.
type Envelope struct {
	ID                string
	OwnerID           string
	Ciphertext        []byte
	EncryptionVersion int
	KeyID             *string
	EntryType         string
	StorageKey        *string
	SizeBytes         int
	CreatedAt         time.Time
	IsDeleted         bool
	DeletedAt         *time.Time
}

// EnvelopeMeta is the non-secret metadata supplied with a ciphertext.
type EnvelopeMeta struct {
	EncryptionVersion int
	KeyID             *string
	EntryType         string
}

func (e *Envelope) Owner() string { return e.OwnerID }

// Snapshot never includes ciphertext.
func (e *Envelope) Snapshot() map[string]any {
	return map[string]any{
		"id":                 e.ID,
		"owner_id":           e.OwnerID,
		"encryption_version": e.EncryptionVersion,
		"key_id":             e.KeyID,
		"entry_type":         e.EntryType,
		"offloaded":          e.StorageKey != nil,
		"size_bytes":         e.SizeBytes,
		"created_at":         e.CreatedAt,
		"is_deleted":         e.IsDeleted,
		"deleted_at":         e.DeletedAt,
	}
}
