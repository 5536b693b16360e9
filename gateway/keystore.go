package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrKeyNotFound is returned when a provider key id does not exist.
var ErrKeyNotFound = errors.New("provider key not found")

// KeyLimits carries the advisory per-key rate limits. The core stores them
// but does not enforce them.
type KeyLimits struct {
	PerMinute *int64
	PerHour   *int64
}

// KeyStore provides CRUD over encrypted provider key records. It never
// touches the in-memory cache: callers reload the cache after mutations
// that change key activity.
type KeyStore struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewKeyStore creates a key store backed by the given database.
func NewKeyStore(db *gorm.DB, logger *zap.Logger) *KeyStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyStore{
		db:     db,
		logger: logger.With(zap.String("component", "key_store")),
	}
}

// CreateFromRaw derives hash and ciphertext from the raw key and inserts the
// record. The raw key is never persisted.
func (s *KeyStore) CreateFromRaw(ctx context.Context, id, provider, rawAPIKey string, active bool, limits KeyLimits) (int64, error) {
	keyHash, encrypted, err := ProcessAPIKey(rawAPIKey)
	if err != nil {
		return 0, fmt.Errorf("process API key: %w", err)
	}

	rec := &ProviderKey{
		ID:                 id,
		Provider:           provider,
		KeyHash:            keyHash,
		EncryptedKeyValue:  encrypted,
		IsActive:           active,
		RateLimitPerMinute: limits.PerMinute,
		RateLimitPerHour:   limits.PerHour,
	}

	res := s.db.WithContext(ctx).Create(rec)
	if res.Error != nil {
		return 0, fmt.Errorf("insert provider key: %w", res.Error)
	}

	s.logger.Info("provider key created",
		zap.String("id", id),
		zap.String("provider", provider),
		zap.Bool("is_active", active))
	return res.RowsAffected, nil
}

// Get returns the record with the given id, or ErrKeyNotFound.
func (s *KeyStore) Get(ctx context.Context, id string) (*ProviderKey, error) {
	var rec ProviderKey
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query provider key: %w", err)
	}
	return &rec, nil
}

// ListAll returns every record, ordered by id so that cache preloads see a
// stable iteration order across reloads of the same dataset.
func (s *KeyStore) ListAll(ctx context.Context) ([]ProviderKey, error) {
	var recs []ProviderKey
	if err := s.db.WithContext(ctx).Order("id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("list provider keys: %w", err)
	}
	return recs, nil
}

// ListByProvider returns every record for the given provider, ordered by id.
func (s *KeyStore) ListByProvider(ctx context.Context, provider string) ([]ProviderKey, error) {
	var recs []ProviderKey
	err := s.db.WithContext(ctx).
		Where("provider = ?", provider).
		Order("id").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list provider keys by provider: %w", err)
	}
	return recs, nil
}

// ListActive returns every active record, ordered by id.
func (s *KeyStore) ListActive(ctx context.Context) ([]ProviderKey, error) {
	var recs []ProviderKey
	err := s.db.WithContext(ctx).
		Where("is_active = ?", true).
		Order("id").
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("list active provider keys: %w", err)
	}
	return recs, nil
}

// ListActiveIDs returns the ids of the provider's active keys, ordered by id.
// This is the sequence the rotator swaps in on reload.
func (s *KeyStore) ListActiveIDs(ctx context.Context, provider string) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).
		Model(&ProviderKey{}).
		Where("provider = ? AND is_active = ?", provider, true).
		Order("id").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list active key ids for provider %s: %w", provider, err)
	}
	return ids, nil
}

// Update persists the full record.
func (s *KeyStore) Update(ctx context.Context, rec *ProviderKey) (int64, error) {
	res := s.db.WithContext(ctx).Model(&ProviderKey{}).
		Where("id = ?", rec.ID).
		Updates(map[string]any{
			"provider":              rec.Provider,
			"key_hash":              rec.KeyHash,
			"encrypted_key_value":   rec.EncryptedKeyValue,
			"is_active":             rec.IsActive,
			"usage_count":           rec.UsageCount,
			"last_used_at":          rec.LastUsedAt,
			"rate_limit_per_minute": rec.RateLimitPerMinute,
			"rate_limit_per_hour":   rec.RateLimitPerHour,
		})
	if res.Error != nil {
		return 0, fmt.Errorf("update provider key: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Delete removes the record with the given id.
func (s *KeyStore) Delete(ctx context.Context, id string) (int64, error) {
	res := s.db.WithContext(ctx).Delete(&ProviderKey{}, "id = ?", id)
	if res.Error != nil {
		return 0, fmt.Errorf("delete provider key: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ToggleActive flips the activity flag. Callers reload the cache afterwards.
func (s *KeyStore) ToggleActive(ctx context.Context, id string, active bool) (int64, error) {
	res := s.db.WithContext(ctx).Model(&ProviderKey{}).
		Where("id = ?", id).
		Update("is_active", active)
	if res.Error != nil {
		return 0, fmt.Errorf("toggle provider key active: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// BumpUsage increments the usage counter and stamps last_used_at. The fields
// are observational and eventually consistent.
func (s *KeyStore) BumpUsage(ctx context.Context, id string) error {
	err := s.db.WithContext(ctx).Model(&ProviderKey{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"usage_count":  gorm.Expr("usage_count + 1"),
			"last_used_at": time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("bump key usage: %w", err)
	}
	return nil
}
