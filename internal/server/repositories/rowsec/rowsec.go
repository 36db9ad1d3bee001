// Package rowsec turns a visibility predicate into SQL arguments. Every
// Postgres query on a tenant table carries the clause
//
//	(owner_id = $n OR $m)
//
// with $n the principal id and $m the admin flag. An invalid predicate never
// reaches the database.
package rowsec

import (
	"github.com/TheRealHZL/MentalHealth-sub001/internal/common"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/principal"
)

// Args returns the owner id and the unrestricted flag for the visibility
// clause, or common.ErrNoPrincipal for an unset predicate.
func Args(p principal.Predicate) (string, bool, error) {
	if !p.Valid() {
		return "", false, common.ErrNoPrincipal
	}
	return p.OwnerID(), p.Unrestricted(), nil
}

// RequireUnrestricted guards privileged queries (audit scans, retention).
func RequireUnrestricted(p principal.Predicate) error {
	if !p.Valid() {
		return common.ErrNoPrincipal
	}
	if !p.Unrestricted() {
		return common.ErrAccessDenied
	}
	return nil
}

// CheckWrite verifies that a row about to be written is owned by someone the
// predicate allows.
func CheckWrite(p principal.Predicate, ownerID string) error {
	if !p.Valid() {
		return common.ErrNoPrincipal
	}
	if !p.Allows(ownerID) {
		return common.ErrOwnershipMismatch
	}
	return nil
}
