package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/TheRealHZL/MentalHealth-sub001/internal/common"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/logging"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/audit"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/cache"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/isolation"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/metrics"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/models"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/principal"
	"github.com/google/uuid"
)

const DefaultContextTTL = 15 * time.Minute

// keyState serialises cache fills and invalidations for one owner. gen is
// bumped by every invalidation so a load that overlapped a write does not
// cache what it read. refs is guarded by ContextService.mu; an idle state
// that is not bypassed is dropped.
type keyState struct {
	mu       sync.Mutex
	gen      uint64
	bypassed bool
	refs     int
}

// ContextService manages the per-user AI context behind a read-through cache.
// Storage is the source of truth; the cache only ever holds a snapshot that
// was current when no write was in flight.
type ContextService struct {
	guard         *isolation.Guard
	cache         cache.Cache
	ttl           time.Duration
	retentionDays int
	logger        logging.Logger
	metrics       *metrics.Metrics
	now           func() time.Time

	mu   sync.Mutex
	keys map[string]*keyState
}

type ContextOptions struct {
	TTL           time.Duration
	RetentionDays int
	Metrics       *metrics.Metrics
}

func NewContextService(guard *isolation.Guard, c cache.Cache, logger logging.Logger, opts ContextOptions) *ContextService {
	if opts.TTL <= 0 {
		opts.TTL = DefaultContextTTL
	}
	if opts.RetentionDays <= 0 {
		opts.RetentionDays = models.DefaultRetentionDays
	}
	if c == nil {
		c = cache.NewMemoryCache()
	}
	return &ContextService{
		guard:         guard,
		cache:         c,
		ttl:           opts.TTL,
		retentionDays: opts.RetentionDays,
		logger:        logger.With("module", "contexts"),
		metrics:       opts.Metrics,
		now:           time.Now,
		keys:          map[string]*keyState{},
	}
}

func (s *ContextService) acquire(ownerID string) *keyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[ownerID]
	if !ok {
		k = &keyState{}
		s.keys[ownerID] = k
	}
	k.refs++
	return k
}

// release must not be called with k.mu held.
func (s *ContextService) release(ownerID string, k *keyState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k.refs--
	if k.refs > 0 {
		return
	}
	k.mu.Lock()
	idle := !k.bypassed
	k.mu.Unlock()
	if idle {
		delete(s.keys, ownerID)
	}
}

// Load returns ownerID's context, creating an empty one on first use. Only
// the owner may load it: loading counts as an access and is persisted.
func (s *ContextService) Load(ctx context.Context, scope *principal.Scope, ownerID string) (*models.UserContext, error) {
	if err := s.guard.CheckOwner(ctx, scope, models.TableContexts, models.OpRead, ownerID); err != nil {
		return nil, err
	}
	k := s.acquire(ownerID)
	defer s.release(ownerID, k)

	k.mu.Lock()
	gen, bypassed := k.gen, k.bypassed
	k.mu.Unlock()

	if !bypassed {
		uc, err := s.cache.Get(ctx, ownerID)
		switch {
		case err == nil && uc.OwnerID == ownerID:
			s.metrics.CacheHit()
			s.guard.Observe(scope, models.TableContexts, audit.Entry{RecordID: uc.ID})
			return uc, nil
		case err == nil, errors.Is(err, cache.ErrMiss):
			s.metrics.CacheMiss()
		default:
			s.metrics.CacheError()
			s.logger.Warn(ctx, "context cache read failed, using storage", "error", err)
		}
	}

	uc, err := s.update(ctx, scope, ownerID, models.OpRead, func(c *models.UserContext) {
		c.AccessCount++
		c.LastAccessed = s.now().UTC()
	})
	if err != nil {
		return nil, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.gen == gen && !k.bypassed {
		if err := s.cache.Set(ctx, ownerID, uc, s.ttl); err != nil {
			s.metrics.CacheError()
			s.logger.Warn(ctx, "context cache fill failed", "error", err)
		}
	}
	return uc.Clone(), nil
}

// Save replaces the encrypted payload and bumps the context version.
func (s *ContextService) Save(ctx context.Context, scope *principal.Scope, ownerID string, payload []byte) (*models.UserContext, error) {
	return s.write(ctx, scope, ownerID, func(c *models.UserContext) {
		c.EncryptedPayload = append([]byte(nil), payload...)
		c.SizeBytes = len(payload)
		c.ContextVersion++
		c.LastUpdated = s.now().UTC()
	})
}

// RecordProcessed adds n to the counter matching kind.
func (s *ContextService) RecordProcessed(ctx context.Context, scope *principal.Scope, ownerID string, kind models.RecordKind, n int64) (*models.UserContext, error) {
	if n <= 0 {
		return nil, common.ErrInvalidArgument
	}
	var apply func(*models.UserContext)
	switch kind {
	case models.KindMood:
		apply = func(c *models.UserContext) { c.MoodEntriesProcessed += n }
	case models.KindDream:
		apply = func(c *models.UserContext) { c.DreamEntriesProcessed += n }
	case models.KindTherapy:
		apply = func(c *models.UserContext) { c.TherapyNotesProcessed += n }
	default:
		return nil, common.ErrInvalidArgument
	}
	return s.write(ctx, scope, ownerID, func(c *models.UserContext) {
		apply(c)
		c.LastUpdated = s.now().UTC()
	})
}

// IncrementConversations counts one more conversation for ownerID.
func (s *ContextService) IncrementConversations(ctx context.Context, scope *principal.Scope, ownerID string) (*models.UserContext, error) {
	return s.write(ctx, scope, ownerID, func(c *models.UserContext) {
		c.ConversationCount++
		c.LastUpdated = s.now().UTC()
	})
}

// Delete erases ownerID's stored context.
func (s *ContextService) Delete(ctx context.Context, scope *principal.Scope, ownerID string) error {
	if err := s.guard.CheckOwner(ctx, scope, models.TableContexts, models.OpDelete, ownerID); err != nil {
		return err
	}
	err := s.guard.Mutate(ctx, scope, models.TableContexts, models.OpDelete, func(ctx context.Context, tx isolation.Tx) ([]audit.Entry, error) {
		current, err := tx.Repos.Contexts().GetByOwner(ctx, tx.Pred, ownerID)
		if err != nil {
			return nil, err
		}
		if err := tx.Repos.Contexts().Delete(ctx, tx.Pred, ownerID); err != nil {
			return nil, err
		}
		return []audit.Entry{{Operation: models.OpDelete, RecordID: current.ID, Old: current.Snapshot()}}, nil
	})
	if err != nil {
		return err
	}
	s.invalidate(ctx, ownerID)
	return nil
}

// Bypassed reports whether ownerID's cache entry is being skipped after a
// failed invalidation.
func (s *ContextService) Bypassed(ownerID string) bool {
	k := s.acquire(ownerID)
	defer s.release(ownerID, k)
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.bypassed
}

func (s *ContextService) write(ctx context.Context, scope *principal.Scope, ownerID string, apply func(*models.UserContext)) (*models.UserContext, error) {
	if err := s.guard.CheckOwner(ctx, scope, models.TableContexts, models.OpUpdate, ownerID); err != nil {
		return nil, err
	}
	uc, err := s.update(ctx, scope, ownerID, models.OpUpdate, apply)
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, ownerID)
	return uc, nil
}

// update loads or creates the owner's row, applies fn and writes it back in
// one unit of work. op labels the audit entry for the change.
func (s *ContextService) update(ctx context.Context, scope *principal.Scope, ownerID string, op models.Operation, fn func(*models.UserContext)) (*models.UserContext, error) {
	var result *models.UserContext
	err := s.guard.Mutate(ctx, scope, models.TableContexts, op, func(ctx context.Context, tx isolation.Tx) ([]audit.Entry, error) {
		var entries []audit.Entry
		repo := tx.Repos.Contexts()

		current, err := repo.GetByOwner(ctx, tx.Pred, ownerID)
		if errors.Is(err, common.ErrNotFound) {
			now := s.now().UTC()
			fresh := &models.UserContext{
				ID:             uuid.NewString(),
				OwnerID:        ownerID,
				ContextVersion: 1,
				LastUpdated:    now,
				LastAccessed:   now,
				RetentionDays:  s.retentionDays,
				CreatedAt:      now,
			}
			created, err := repo.Insert(ctx, tx.Pred, fresh)
			if err != nil {
				return nil, err
			}
			if created {
				entries = append(entries, audit.Entry{Operation: models.OpCreate, RecordID: fresh.ID, New: fresh.Snapshot()})
			}
			current, err = repo.GetByOwner(ctx, tx.Pred, ownerID)
		}
		if err != nil {
			return nil, err
		}
		if err := tx.Owns(current.OwnerID); err != nil {
			return nil, err
		}

		before := current.Snapshot()
		next := current.Clone()
		fn(next)
		if err := repo.Update(ctx, tx.Pred, next); err != nil {
			return nil, err
		}
		result = next
		entries = append(entries, audit.Entry{Operation: op, RecordID: next.ID, Old: before, New: next.Snapshot()})
		return entries, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *ContextService) invalidate(ctx context.Context, ownerID string) {
	k := s.acquire(ownerID)
	defer s.release(ownerID, k)
	k.mu.Lock()
	defer k.mu.Unlock()
	k.gen++
	if err := s.cache.Del(ctx, ownerID); err != nil {
		k.bypassed = true
		s.metrics.CacheError()
		s.logger.Warn(ctx, "context cache invalidation failed, bypassing cache", "error", err)
		return
	}
	k.bypassed = false
}
