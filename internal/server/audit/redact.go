package audit

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Redactor pseudonymises client metadata before it reaches the audit log.
// Equal inputs map to equal outputs under one key, so rows stay correlatable
// without storing raw addresses. A nil Redactor passes values through.
type Redactor struct {
	key []byte
}

// NewRedactor returns nil for an empty key.
func NewRedactor(key string) (*Redactor, error) {
	if key == "" {
		return nil, nil
	}
	if len(key) > blake2b.Size {
		return nil, fmt.Errorf("audit hash key longer than %d bytes", blake2b.Size)
	}
	return &Redactor{key: []byte(key)}, nil
}

func (r *Redactor) Redact(v string) string {
	if r == nil || v == "" {
		return v
	}
	h, err := blake2b.New256(r.key)
	if err != nil {
		return ""
	}
	h.Write([]byte(v))
	return "h:" + hex.EncodeToString(h.Sum(nil))[:32]
}
