package principal

// Predicate is the row visibility rule for one scope: owner_id equals the
// principal id, or everything for admin scopes. The zero value matches no
// row, so a repository handed an unset Predicate returns nothing.
type Predicate struct {
	valid   bool
	all     bool
	ownerID string
}

// Valid reports whether the predicate came from an active scope.
func (p Predicate) Valid() bool { return p.valid }

// Unrestricted reports admin visibility.
func (p Predicate) Unrestricted() bool { return p.valid && p.all }

// OwnerID is the principal id the predicate filters on. Empty for system scopes.
func (p Predicate) OwnerID() string { return p.ownerID }

// Allows reports whether a row owned by ownerID is visible.
func (p Predicate) Allows(ownerID string) bool {
	if !p.valid {
		return false
	}
	if p.all {
		return true
	}
	return ownerID != "" && ownerID == p.ownerID
}
