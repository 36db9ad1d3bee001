package repomanager

import (
	"context"

	"github.com/TheRealHZL/MentalHealth-sub001/internal/common"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/principal"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/auditlog"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/contexts"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/envelopes"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/memory"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/messages"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/repositories/records"
)

// MemoryManager runs units of work on an in-process store. Writers are
// serialised, so units must not start another unit of work themselves.
type MemoryManager struct {
	store *memory.Store
}

func NewMemoryManager() *MemoryManager {
	return &MemoryManager{store: memory.NewStore()}
}

func (m *MemoryManager) Run(ctx context.Context, pred principal.Predicate, fn UnitFunc) error {
	if !pred.Valid() {
		return common.ErrNoPrincipal
	}
	return m.store.Update(ctx, func(ctx context.Context, tx *memory.Tx) error {
		return fn(ctx, memoryRepositories{tx: tx})
	})
}

func (m *MemoryManager) View(ctx context.Context, pred principal.Predicate, fn UnitFunc) error {
	if !pred.Valid() {
		return common.ErrNoPrincipal
	}
	return m.store.View(ctx, func(ctx context.Context, tx *memory.Tx) error {
		return fn(ctx, memoryRepositories{tx: tx})
	})
}

func (m *MemoryManager) RunMigrations(context.Context) error { return nil }

func (m *MemoryManager) Close() error { return nil }

type memoryRepositories struct {
	tx *memory.Tx
}

func (r memoryRepositories) Records() records.Repository     { return r.tx.Records() }
func (r memoryRepositories) Envelopes() envelopes.Repository { return r.tx.Envelopes() }
func (r memoryRepositories) Contexts() contexts.Repository   { return r.tx.Contexts() }
func (r memoryRepositories) Messages() messages.Repository   { return r.tx.Messages() }
func (r memoryRepositories) Audit() auditlog.Repository      { return r.tx.Audit() }
