package gateway

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// CachedKey is the in-memory, decrypted form of a provider key together with
// the fields rotation needs. It is derived on preload or insert and never
// written back to disk.
type CachedKey struct {
	ID                 string
	Provider           string
	KeyHash            string
	DecryptedAPIKey    string
	IsActive           bool
	UsageCount         int64
	LastUsedAt         *time.Time
	RateLimitPerMinute *int64
	RateLimitPerHour   *int64

	cachedAt time.Time
}

// rotation holds one provider's active id sequence and its rotation counter.
// The pair is always swapped together so readers never see a torn state.
type rotation struct {
	ids     []string
	counter atomic.Uint64
}

// KeyCacheConfig controls the decrypted working set.
type KeyCacheConfig struct {
	// TTL is the lifetime of a cached entry. Zero disables expiry.
	TTL time.Duration
	// MaxEntries bounds the cache size. Zero disables the bound.
	MaxEntries int
}

// KeyCache holds the decrypted working set of provider keys, the per-provider
// active-key index, and the atomic rotation counters.
//
// Entry reads take a shared lock; the active index and counters sit behind a
// separate reader-writer lock so NextKey readers proceed concurrently while
// Reload atomically swaps the (sequence, counter) pair.
type KeyCache struct {
	mu      sync.RWMutex
	entries map[string]*CachedKey // "provider:id" -> entry

	rotMu     sync.RWMutex
	rotations map[string]*rotation // provider -> active sequence + counter

	config KeyCacheConfig
	logger *zap.Logger
}

// NewKeyCache creates an empty key cache.
func NewKeyCache(config KeyCacheConfig, logger *zap.Logger) *KeyCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyCache{
		entries:   make(map[string]*CachedKey),
		rotations: make(map[string]*rotation),
		config:    config,
		logger:    logger.With(zap.String("component", "key_cache")),
	}
}

func cacheKey(provider, id string) string {
	return provider + ":" + id
}

// Preload loads every key record from the store, decrypts it, and fills the
// cache and the active-key index. Records whose ciphertext fails to decrypt
// are skipped with a warning; preload itself only fails on a store error.
func (c *KeyCache) Preload(ctx context.Context, store *KeyStore) error {
	recs, err := store.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("preload provider keys: %w", err)
	}

	entries := make(map[string]*CachedKey, len(recs))
	active := make(map[string][]string)

	for i := range recs {
		rec := &recs[i]
		decrypted, err := DecryptAPIKey(rec.EncryptedKeyValue)
		if err != nil {
			// 无法解密的记录只影响该条 key，跳过并告警
			c.logger.Warn("failed to decrypt provider key, skipping",
				zap.String("id", rec.ID),
				zap.String("provider", rec.Provider),
				zap.Error(err))
			continue
		}

		entries[cacheKey(rec.Provider, rec.ID)] = entryFromRecord(rec, decrypted)

		if rec.IsActive {
			active[rec.Provider] = append(active[rec.Provider], rec.ID)
		}
	}

	rotations := make(map[string]*rotation, len(active))
	for provider, ids := range active {
		rotations[provider] = &rotation{ids: ids}
	}

	c.mu.Lock()
	c.entries = entries
	c.mu.Unlock()

	c.rotMu.Lock()
	c.rotations = rotations
	c.rotMu.Unlock()

	c.logger.Info("provider key cache preloaded",
		zap.Int("cached", len(entries)),
		zap.Int("providers", len(rotations)))
	for provider, ids := range active {
		c.logger.Info("active keys loaded",
			zap.String("provider", provider),
			zap.Int("count", len(ids)))
	}
	return nil
}

func entryFromRecord(rec *ProviderKey, decrypted string) *CachedKey {
	return &CachedKey{
		ID:                 rec.ID,
		Provider:           rec.Provider,
		KeyHash:            rec.KeyHash,
		DecryptedAPIKey:    decrypted,
		IsActive:           rec.IsActive,
		UsageCount:         rec.UsageCount,
		LastUsedAt:         rec.LastUsedAt,
		RateLimitPerMinute: rec.RateLimitPerMinute,
		RateLimitPerHour:   rec.RateLimitPerHour,
		cachedAt:           time.Now(),
	}
}

// Insert upserts a cached entry. It does not touch the active index; callers
// reload the provider after activation changes.
func (c *KeyCache) Insert(entry *CachedKey) {
	entry.cachedAt = time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.config.MaxEntries > 0 && len(c.entries) >= c.config.MaxEntries {
		if _, exists := c.entries[cacheKey(entry.Provider, entry.ID)]; !exists {
			c.evictOldestLocked()
		}
	}
	c.entries[cacheKey(entry.Provider, entry.ID)] = entry
}

// InsertFromRecord decrypts the record and upserts the derived entry.
func (c *KeyCache) InsertFromRecord(rec *ProviderKey) error {
	decrypted, err := DecryptAPIKey(rec.EncryptedKeyValue)
	if err != nil {
		return err
	}
	c.Insert(entryFromRecord(rec, decrypted))
	return nil
}

// evictOldestLocked drops the entry with the oldest cache timestamp.
// Caller holds c.mu.
func (c *KeyCache) evictOldestLocked() {
	var oldestKey string
	var oldestAt time.Time
	for k, e := range c.entries {
		if oldestKey == "" || e.cachedAt.Before(oldestAt) {
			oldestKey, oldestAt = k, e.cachedAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Get returns the cached entry for (provider, id), honouring the TTL.
func (c *KeyCache) Get(provider, id string) (*CachedKey, bool) {
	c.mu.RLock()
	entry, ok := c.entries[cacheKey(provider, id)]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if c.config.TTL > 0 && time.Since(entry.cachedAt) > c.config.TTL {
		c.mu.Lock()
		delete(c.entries, cacheKey(provider, id))
		c.mu.Unlock()
		return nil, false
	}
	return entry, true
}

// NextKey returns the next rotated decrypted key for the provider, or
// ok=false when the provider has no usable active key.
//
// The counter advance is a single atomic fetch-add: contending callers
// observe distinct, monotonically advancing indices into the sequence.
func (c *KeyCache) NextKey(provider string) (apiKey, id string, ok bool) {
	c.rotMu.RLock()
	rot, exists := c.rotations[provider]
	var selected string
	var index, total uint64
	if exists && len(rot.ids) > 0 {
		total = uint64(len(rot.ids))
		index = rot.counter.Add(1) - 1
		selected = rot.ids[index%total]
	}
	c.rotMu.RUnlock()

	if selected == "" {
		c.logger.Info("no active API keys for provider", zap.String("provider", provider))
		return "", "", false
	}

	entry, found := c.Get(provider, selected)
	if !found {
		c.logger.Warn("selected API key not found in cache",
			zap.String("provider", provider),
			zap.String("id", selected))
		return "", "", false
	}
	if !entry.IsActive {
		c.logger.Warn("selected API key is not active",
			zap.String("provider", provider),
			zap.String("id", selected))
		return "", "", false
	}

	c.logger.Debug("round robin selected API key",
		zap.String("provider", provider),
		zap.String("id", selected),
		zap.Uint64("index", index%total),
		zap.Uint64("pool_size", total))
	return entry.DecryptedAPIKey, selected, true
}

// Reload re-queries the provider's active ids from the store and atomically
// replaces the sequence, resetting the counter to zero. Readers see either
// the old or the new (sequence, counter) pair, never a mix.
func (c *KeyCache) Reload(ctx context.Context, store *KeyStore, provider string) error {
	ids, err := store.ListActiveIDs(ctx, provider)
	if err != nil {
		return err
	}

	c.rotMu.Lock()
	if len(ids) == 0 {
		delete(c.rotations, provider)
	} else {
		c.rotations[provider] = &rotation{ids: ids}
	}
	c.rotMu.Unlock()

	c.logger.Info("reloaded active API keys",
		zap.String("provider", provider),
		zap.Int("count", len(ids)))
	return nil
}

// ResetCounter resets the provider's rotation counter to zero.
func (c *KeyCache) ResetCounter(provider string) {
	c.rotMu.RLock()
	defer c.rotMu.RUnlock()
	if rot, ok := c.rotations[provider]; ok {
		rot.counter.Store(0)
	}
}

// ActiveCount returns the provider's in-memory active key count.
func (c *KeyCache) ActiveCount(provider string) int {
	c.rotMu.RLock()
	defer c.rotMu.RUnlock()
	if rot, ok := c.rotations[provider]; ok {
		return len(rot.ids)
	}
	return 0
}

// Counter returns the provider's current rotation counter value.
// Observability only.
func (c *KeyCache) Counter(provider string) uint64 {
	c.rotMu.RLock()
	defer c.rotMu.RUnlock()
	if rot, ok := c.rotations[provider]; ok {
		return rot.counter.Load()
	}
	return 0
}

// Len returns the number of cached entries.
func (c *KeyCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
