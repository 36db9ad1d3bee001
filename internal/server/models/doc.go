// Package models defines the rows persisted by the vault server. Every
// tenant-owned model exposes Owner() so the isolation layer can re-check
// visibility on whatever a backend returns.
package models

// Owned is implemented by every tenant-scoped row.
type Owned interface {
	Owner() string
}

// Table names, shared by repositories and audit rows.
const (
	TableRecords   = "records"
	TableEnvelopes = "encrypted_envelopes"
	TableContexts  = "user_contexts"
	TableMessages  = "conversation_messages"
	TableAudit     = "audit_log"
)
