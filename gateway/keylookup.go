package gateway

import (
	"context"

	"go.uber.org/zap"
)

// GetOrLoad returns the decrypted API key for (provider, id), reading through
// the cache: a miss falls back to the store, decrypts, and back-fills the
// cache. ok is false when the key does not exist, belongs to a different
// provider, or is inactive.
func (c *KeyCache) GetOrLoad(ctx context.Context, store *KeyStore, provider, id string) (string, bool, error) {
	if entry, found := c.Get(provider, id); found {
		if !entry.IsActive {
			c.logger.Debug("cache hit but API key is inactive",
				zap.String("provider", provider),
				zap.String("id", id))
			return "", false, nil
		}
		return entry.DecryptedAPIKey, true, nil
	}

	c.logger.Debug("cache miss for API key",
		zap.String("provider", provider),
		zap.String("id", id))

	rec, err := store.Get(ctx, id)
	if err == ErrKeyNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if rec.Provider != provider || !rec.IsActive {
		return "", false, nil
	}

	decrypted, err := DecryptAPIKey(rec.EncryptedKeyValue)
	if err != nil {
		return "", false, err
	}
	c.Insert(entryFromRecord(rec, decrypted))
	return decrypted, true, nil
}
