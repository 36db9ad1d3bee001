// Package memory is an in-process backend with the same visibility rules as
// the Postgres repositories. A unit of work runs against a private copy of
// the state which replaces the live state only when the unit succeeds and
// its context is still alive, so failed or cancelled units leave no trace.
//
// It is meant for tests and development. Writers are serialised on one lock,
// so a privileged audit scan blocks every mutation while it runs.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/models"
)

// ErrReadOnly is returned for writes attempted inside View.
var ErrReadOnly = errors.New("write in read-only unit of work")

type state struct {
	records   map[string]models.Record
	envelopes map[string]models.Envelope
	contexts  map[string]models.UserContext
	messages  map[string]models.Message

	// audit is shared with the live state until a unit rewrites existing
	// rows; appends land past the live length and stay invisible until commit.
	audit      []models.AuditRecord
	auditOwned bool
}

func newState() *state {
	return &state{
		records:   map[string]models.Record{},
		envelopes: map[string]models.Envelope{},
		contexts:  map[string]models.UserContext{},
		messages:  map[string]models.Message{},
	}
}

func (s *state) clone() *state {
	cp := &state{
		records:   make(map[string]models.Record, len(s.records)),
		envelopes: make(map[string]models.Envelope, len(s.envelopes)),
		contexts:  make(map[string]models.UserContext, len(s.contexts)),
		messages:  make(map[string]models.Message, len(s.messages)),
		audit:     s.audit,
	}
	for k, v := range s.records {
		cp.records[k] = v
	}
	for k, v := range s.envelopes {
		cp.envelopes[k] = v
	}
	for k, v := range s.contexts {
		cp.contexts[k] = v
	}
	for k, v := range s.messages {
		cp.messages[k] = v
	}
	return cp
}

// ownAudit gives the unit its own copy of the audit rows before they are
// modified in place.
func (s *state) ownAudit() {
	if s.auditOwned {
		return
	}
	s.audit = append([]models.AuditRecord(nil), s.audit...)
	s.auditOwned = true
}

// Store holds the live state. Writers are serialised; readers share.
type Store struct {
	mu sync.RWMutex
	st *state
}

func NewStore() *Store {
	return &Store{st: newState()}
}

// Update runs fn on a copy of the state and publishes the copy on success.
func (s *Store) Update(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	next := s.st.clone()
	if err := fn(ctx, &Tx{st: next}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.st = next
	return nil
}

// View runs fn on the live state; writes fail with ErrReadOnly.
func (s *Store) View(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx, &Tx{st: s.st, readOnly: true})
}

// Tx is the repository set for one unit of work.
type Tx struct {
	st       *state
	readOnly bool
}

func (t *Tx) Records() *RecordRepository     { return &RecordRepository{tx: t} }
func (t *Tx) Envelopes() *EnvelopeRepository { return &EnvelopeRepository{tx: t} }
func (t *Tx) Contexts() *ContextRepository   { return &ContextRepository{tx: t} }
func (t *Tx) Messages() *MessageRepository   { return &MessageRepository{tx: t} }
func (t *Tx) Audit() *AuditRepository        { return &AuditRepository{tx: t} }

func (t *Tx) writable() error {
	if t.readOnly {
		return ErrReadOnly
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
