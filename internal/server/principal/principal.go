// Package principal binds a verified identity to one logical operation.
//
// A Scope is created per request or background job, passed explicitly down the
// call chain and released on every exit path. Nothing in this package is
// process-global: two operations never share a Scope.
//
// Normal binding (Bind) never yields admin visibility, whatever the incoming
// Principal claims. Admin scopes come only from BindAdmin and BindSystem,
// which are reserved for trusted server code (maintenance jobs, the anomaly
// detector, operator tooling) and must never be fed request-derived input.
package principal

import (
	"context"
	"strings"
	"sync/atomic"

	"github.com/TheRealHZL/MentalHealth-sub001/internal/common"
	"github.com/google/uuid"
)

// Principal is a verified identity.
type Principal struct {
	ID      string
	Role    string
	IsAdmin bool
}

// ClientInfo is request metadata copied into audit rows.
type ClientInfo struct {
	IPAddress string
	UserAgent string
	SessionID string
}

// Scope is the binding of one principal to one logical operation.
type Scope struct {
	principal   Principal
	admin       bool
	system      string
	operationID string
	client      ClientInfo
	released    atomic.Bool
}

// Option customises a Scope at bind time.
type Option func(*Scope)

// WithClientInfo records the caller's address and user agent.
func WithClientInfo(ip, userAgent string) Option {
	return func(s *Scope) {
		s.client.IPAddress = ip
		s.client.UserAgent = userAgent
	}
}

// WithSession records the client session id.
func WithSession(id string) Option {
	return func(s *Scope) { s.client.SessionID = id }
}

// Bind creates a normal scope. p.IsAdmin is ignored: request-derived input can
// never widen visibility.
func Bind(p Principal, opts ...Option) (*Scope, error) {
	if strings.TrimSpace(p.ID) == "" {
		return nil, common.ErrUnauthenticated
	}
	p.IsAdmin = false
	return newScope(p, false, "", opts), nil
}

// BindAdmin creates an admin scope for a verified operator. Trusted code paths only.
func BindAdmin(p Principal, opts ...Option) (*Scope, error) {
	if strings.TrimSpace(p.ID) == "" {
		return nil, common.ErrUnauthenticated
	}
	p.IsAdmin = true
	return newScope(p, true, "", opts), nil
}

// BindSystem creates an admin scope for a background job. Audit rows written
// under it carry no principal id.
func BindSystem(job string) *Scope {
	return newScope(Principal{Role: "system", IsAdmin: true}, true, job, nil)
}

func newScope(p Principal, admin bool, system string, opts []Option) *Scope {
	s := &Scope{
		principal:   p,
		admin:       admin,
		system:      system,
		operationID: uuid.NewString(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Release ends the scope. It is idempotent and safe on a nil scope.
func (s *Scope) Release() {
	if s == nil {
		return
	}
	s.released.Store(true)
}

// Active reports whether the scope can still be used.
func (s *Scope) Active() bool {
	return s != nil && !s.released.Load()
}

// Principal returns the bound identity, or ErrUnauthenticated for a nil or
// released scope.
func (s *Scope) Principal() (Principal, error) {
	if !s.Active() {
		return Principal{}, common.ErrUnauthenticated
	}
	return s.principal, nil
}

// IsAdmin reports admin visibility. Always false for a nil or released scope.
func (s *Scope) IsAdmin() bool {
	return s.Active() && s.admin
}

// IsSystem reports whether the scope belongs to a background job.
func (s *Scope) IsSystem() bool {
	return s.Active() && s.system != ""
}

// Job is the background job name for system scopes.
func (s *Scope) Job() string {
	if s == nil {
		return ""
	}
	return s.system
}

// OperationID identifies the unit of work in logs.
func (s *Scope) OperationID() string {
	if s == nil {
		return ""
	}
	return s.operationID
}

// Client returns the request metadata given at bind time.
func (s *Scope) Client() ClientInfo {
	if s == nil {
		return ClientInfo{}
	}
	return s.client
}

// PrincipalID returns the id to store in audit rows, nil for system scopes
// and for scopes that are no longer active.
func (s *Scope) PrincipalID() *string {
	if !s.Active() || s.principal.ID == "" {
		return nil
	}
	id := s.principal.ID
	return &id
}

// Predicate derives the visibility predicate. It fails closed with
// common.ErrNoPrincipal when nothing usable is bound.
func (s *Scope) Predicate() (Predicate, error) {
	if !s.Active() {
		return Predicate{}, common.ErrNoPrincipal
	}
	if s.admin {
		return Predicate{valid: true, all: true, ownerID: s.principal.ID}, nil
	}
	if s.principal.ID == "" {
		return Predicate{}, common.ErrNoPrincipal
	}
	return Predicate{valid: true, ownerID: s.principal.ID}, nil
}

type ctxKey struct{}

// WithScope hands a scope from the transport edge to a handler.
func WithScope(ctx context.Context, s *Scope) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the scope attached by WithScope, or ErrUnauthenticated.
func FromContext(ctx context.Context) (*Scope, error) {
	s, ok := ctx.Value(ctxKey{}).(*Scope)
	if !ok || !s.Active() {
		return nil, common.ErrUnauthenticated
	}
	return s, nil
}
