package keydirectory

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"github.com/gaasio/transparegate/internal/store"
)

// CreateApiKeyParams carries the fields a caller may set when minting a key.
type CreateApiKeyParams struct {
	ServiceID              int64
	RateLimitRequests      *int
	RateLimitWindowSeconds *int
	PricePerRequest        float64
}

// CreateApiKey mints a fresh, globally unique secret with at least the
// 32 bytes of entropy spec.md §3 requires for ApiKey.secret, and persists
// the key bound to the given service.
func (d *KeyDirectory) CreateApiKey(ctx context.Context, p CreateApiKeyParams) (store.ApiKey, error) {
	secret, err := generateSecret()
	if err != nil {
		return store.ApiKey{}, fmt.Errorf("generating api key secret: %w", err)
	}

	key, err := d.store.CreateApiKey(ctx, store.ApiKey{
		Secret:                 secret,
		ServiceID:              p.ServiceID,
		IsActive:               true,
		RateLimitRequests:      p.RateLimitRequests,
		RateLimitWindowSeconds: p.RateLimitWindowSeconds,
		PricePerRequest:        p.PricePerRequest,
	})
	if err != nil {
		return store.ApiKey{}, fmt.Errorf("creating api key: %w", err)
	}
	return key, nil
}

// SetRateLimit installs a per-key override, effective on the key's next
// request per spec.md §4.2 (reconfiguration simply starts a fresh bucket).
// It invalidates any cached copy of the key so a stale limit is never read
// back before the TTL expires.
func (d *KeyDirectory) SetRateLimit(ctx context.Context, keyID int64, requests, windowSeconds int) error {
	if err := d.store.SetRateLimit(ctx, keyID, requests, windowSeconds); err != nil {
		return fmt.Errorf("setting rate limit: %w", err)
	}
	d.invalidateCacheFor(ctx, keyID)
	return nil
}

// Revoke sets is_active=false, so every subsequent authentication with that
// secret fails per spec.md §3's ApiKey invariant. It invalidates any cached
// copy of the key so the revocation is visible on the very next request.
func (d *KeyDirectory) Revoke(ctx context.Context, serviceID, keyID int64) error {
	if err := d.store.RevokeApiKey(ctx, serviceID, keyID); err != nil {
		return fmt.Errorf("revoking api key: %w", err)
	}
	d.invalidateCacheFor(ctx, keyID)
	return nil
}

// invalidateCacheFor evicts keyID's cache entry, if a cache is installed.
// It re-reads the key from Store (post-mutation) to recover its secret,
// the cache's lookup key.
func (d *KeyDirectory) invalidateCacheFor(ctx context.Context, keyID int64) {
	if d.cache == nil {
		return
	}
	key, err := d.store.GetApiKey(ctx, keyID)
	if err != nil {
		return
	}
	d.cache.InvalidateApiKey(ctx, key.Secret)
}

// generateSecret returns a "gw_"-prefixed hex secret carrying 32 bytes of
// entropy (64 hex characters), matching the teacher's prefixed-random-key
// convention in pkg/apikey/service.go's generateAPIKey.
func generateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "gw_" + hex.EncodeToString(b), nil
}
