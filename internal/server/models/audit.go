package models

import (
	"encoding/json"
	"time"
)

// Operation is the audited action.
type Operation string

const (
	OpCreate Operation = "CREATE"
	OpRead   Operation = "READ"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Anomaly reasons.
const (
	ReasonRapidQueries = "rapid_queries"
	ReasonBulkAccess   = "bulk_access"
)

// AuditRecord is one append-only audit row. Only Suspicious and
// SuspiciousReasons are ever updated after insert.
type AuditRecord struct {
	ID                string
	PrincipalID       *string
	TableName         string
	Operation         Operation
	RecordID          *string
	OldData           json.RawMessage
	NewData           json.RawMessage
	Timestamp         time.Time
	DurationMS        *int64
	Suspicious        bool
	SuspiciousReasons []string
	IPAddress         *string
	UserAgent         *string
	SessionID         *string
}

// Owner lets a principal's own audit history pass the visibility predicate.
func (a *AuditRecord) Owner() string {
	if a.PrincipalID == nil {
		return ""
	}
	return *a.PrincipalID
}

// HasReason reports whether reason is already recorded.
func (a *AuditRecord) HasReason(reason string) bool {
	for _, r := range a.SuspiciousReasons {
		if r == reason {
			return true
		}
	}
	return false
}

// AuditRollup is one row of the per-(principal, table, operation, day) view.
type AuditRollup struct {
	PrincipalID *string
	TableName   string
	Operation   Operation
	Day         time.Time
	Count       int64
}

// PrincipalCount is a per-principal audit row count used by the detector.
type PrincipalCount struct {
	PrincipalID string
	Count       int64
}
