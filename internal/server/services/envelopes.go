package services

import (
	"context"
	"fmt"
	"time"

	"github.com/TheRealHZL/MentalHealth-sub001/internal/common"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/logging"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/audit"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/blobstore"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/isolation"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/models"
	"github.com/TheRealHZL/MentalHealth-sub001/internal/server/principal"
	"github.com/google/uuid"
)

// EnvelopeStore persists client-encrypted payloads. The server never holds
// key material; it checks envelope metadata for shape only.
type EnvelopeStore struct {
	guard       *isolation.Guard
	blobs       blobstore.Store
	inlineLimit int
	logger      logging.Logger
	now         func() time.Time
}

// NewEnvelopeStore returns a store that keeps ciphertexts larger than
// inlineLimit bytes in blobs. A nil blobs or a non-positive limit keeps
// everything inline.
func NewEnvelopeStore(guard *isolation.Guard, blobs blobstore.Store, inlineLimit int, logger logging.Logger) *EnvelopeStore {
	return &EnvelopeStore{
		guard:       guard,
		blobs:       blobs,
		inlineLimit: inlineLimit,
		logger:      logger.With("module", "envelopes"),
		now:         time.Now,
	}
}

func validateEnvelope(ciphertext []byte, meta models.EnvelopeMeta) error {
	switch {
	case len(ciphertext) == 0:
		return fmt.Errorf("%w: empty ciphertext", common.ErrEncryptionOpaque)
	case meta.EncryptionVersion <= 0:
		return fmt.Errorf("%w: encryption version must be positive", common.ErrEncryptionOpaque)
	case meta.EntryType == "":
		return fmt.Errorf("%w: missing entry type", common.ErrEncryptionOpaque)
	case meta.KeyID != nil && *meta.KeyID == "":
		return fmt.Errorf("%w: empty key id", common.ErrEncryptionOpaque)
	}
	return nil
}

func (s *EnvelopeStore) offload(size int) bool {
	return s.blobs != nil && s.inlineLimit > 0 && size > s.inlineLimit
}

// Put stores ciphertext for ownerID and returns the new envelope id.
func (s *EnvelopeStore) Put(ctx context.Context, scope *principal.Scope, ownerID string, ciphertext []byte, meta models.EnvelopeMeta) (string, error) {
	if err := validateEnvelope(ciphertext, meta); err != nil {
		return "", err
	}
	if err := s.guard.CheckOwner(ctx, scope, models.TableEnvelopes, models.OpCreate, ownerID); err != nil {
		return "", err
	}

	env := &models.Envelope{
		ID:                uuid.NewString(),
		OwnerID:           ownerID,
		EncryptionVersion: meta.EncryptionVersion,
		KeyID:             meta.KeyID,
		EntryType:         meta.EntryType,
		SizeBytes:         len(ciphertext),
		CreatedAt:         s.now().UTC(),
	}
	if s.offload(len(ciphertext)) {
		key := blobstore.RandomKey()
		if err := s.blobs.Put(ctx, key, ciphertext); err != nil {
			return "", err
		}
		env.StorageKey = &key
	} else {
		env.Ciphertext = append([]byte(nil), ciphertext...)
	}

	err := s.guard.Mutate(ctx, scope, models.TableEnvelopes, models.OpCreate, func(ctx context.Context, tx isolation.Tx) ([]audit.Entry, error) {
		if err := tx.Repos.Envelopes().Insert(ctx, tx.Pred, env); err != nil {
			return nil, err
		}
		return []audit.Entry{{Operation: models.OpCreate, RecordID: env.ID, New: env.Snapshot()}}, nil
	})
	if err != nil {
		if env.StorageKey != nil {
			if delErr := s.blobs.Delete(context.WithoutCancel(ctx), *env.StorageKey); delErr != nil {
				s.logger.Warn(ctx, "orphaned envelope object", "key", *env.StorageKey, "error", delErr)
			}
		}
		return "", err
	}
	return env.ID, nil
}

// Get returns a live envelope with its ciphertext, fetching offloaded bytes
// from object storage.
func (s *EnvelopeStore) Get(ctx context.Context, scope *principal.Scope, ownerID, id string) (*models.Envelope, error) {
	var env *models.Envelope
	err := s.guard.View(ctx, scope, models.TableEnvelopes, func(ctx context.Context, tx isolation.Tx) ([]audit.Entry, error) {
		row, err := tx.Repos.Envelopes().Get(ctx, tx.Pred, ownerID, id)
		if err != nil {
			return nil, err
		}
		if env, err = isolation.VisibleOne(ctx, tx, row); err != nil {
			return nil, err
		}
		return []audit.Entry{{RecordID: id}}, nil
	})
	if err != nil {
		return nil, err
	}
	if env.StorageKey != nil {
		data, err := s.blobs.Get(ctx, *env.StorageKey)
		if err != nil {
			return nil, fmt.Errorf("envelope %s: %w", id, err)
		}
		env.Ciphertext = data
	}
	return env, nil
}

// List returns envelope metadata for ownerID, newest first. Ciphertexts of
// offloaded envelopes are not fetched.
func (s *EnvelopeStore) List(ctx context.Context, scope *principal.Scope, ownerID, entryType string, limit int) ([]*models.Envelope, error) {
	var rows []*models.Envelope
	err := s.guard.View(ctx, scope, models.TableEnvelopes, func(ctx context.Context, tx isolation.Tx) ([]audit.Entry, error) {
		found, err := tx.Repos.Envelopes().List(ctx, tx.Pred, ownerID, entryType, limit)
		if err != nil {
			return nil, err
		}
		rows = isolation.Visible(ctx, tx, found)
		ids := make([]string, 0, len(rows))
		for _, e := range rows {
			ids = append(ids, e.ID)
		}
		return []audit.Entry{audit.ListRead(ids)}, nil
	})
	return rows, err
}

// SoftDelete marks an envelope deleted. Offloaded bytes stay in object
// storage until the row is purged.
func (s *EnvelopeStore) SoftDelete(ctx context.Context, scope *principal.Scope, ownerID, id string) error {
	if err := s.guard.CheckOwner(ctx, scope, models.TableEnvelopes, models.OpDelete, ownerID); err != nil {
		return err
	}
	return s.guard.Mutate(ctx, scope, models.TableEnvelopes, models.OpDelete, func(ctx context.Context, tx isolation.Tx) ([]audit.Entry, error) {
		current, err := tx.Repos.Envelopes().Get(ctx, tx.Pred, ownerID, id)
		if err != nil {
			return nil, err
		}
		at := s.now().UTC()
		if err := tx.Repos.Envelopes().SoftDelete(ctx, tx.Pred, ownerID, id, at); err != nil {
			return nil, err
		}
		after := *current
		after.IsDeleted = true
		after.DeletedAt = &at
		return []audit.Entry{{Operation: models.OpDelete, RecordID: id, Old: current.Snapshot(), New: after.Snapshot()}}, nil
	})
}
