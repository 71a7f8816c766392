// Package keydirectory resolves a presented API key secret to its owning
// service and enforces that a key may only proxy to the service it is
// bound to.
package keydirectory

import (
	"context"
	"errors"
	"fmt"

	"github.com/gaasio/transparegate/internal/store"
	"github.com/gaasio/transparegate/pkg/gwerror"
	"github.com/gaasio/transparegate/pkg/limiter"
)

// KeyDirectory resolves API key secrets against the Store.
type KeyDirectory struct {
	store store.Store
	cache *limiter.Cache
}

// New creates a KeyDirectory backed by the given Store with no cache in
// front of it.
func New(s store.Store) *KeyDirectory {
	return &KeyDirectory{store: s}
}

// WithCache returns d with a read-through Redis cache installed in front of
// GetApiKeyBySecret, per SPEC_FULL.md §3's domain-stack wiring. Cache-miss
// and cache-error always fall back to Store, so Redis is accelerant, never
// authoritative.
func (d *KeyDirectory) WithCache(cache *limiter.Cache) *KeyDirectory {
	d.cache = cache
	return d
}

// Resolve looks up secret and returns its key record and owning service.
// It fails with ErrUnauthenticated unless the key exists, is active, and its
// service still exists.
func (d *KeyDirectory) Resolve(ctx context.Context, secret string) (store.ApiKey, store.Service, error) {
	key, hit := d.cache.GetApiKey(ctx, secret)
	if !hit {
		var err error
		key, err = d.store.GetApiKeyBySecret(ctx, secret)
		if errors.Is(err, store.ErrNotFound) {
			return store.ApiKey{}, store.Service{}, gwerror.ErrUnauthenticated
		}
		if err != nil {
			return store.ApiKey{}, store.Service{}, fmt.Errorf("resolving api key: %w", err)
		}
		d.cache.SetApiKey(ctx, key)
	}
	if !key.IsActive {
		return store.ApiKey{}, store.Service{}, gwerror.ErrUnauthenticated
	}

	svc, err := d.store.GetService(ctx, key.ServiceID)
	if errors.Is(err, store.ErrNotFound) {
		return store.ApiKey{}, store.Service{}, gwerror.ErrUnauthenticated
	}
	if err != nil {
		return store.ApiKey{}, store.Service{}, fmt.Errorf("resolving key's service: %w", err)
	}

	return key, svc, nil
}

// Authorize resolves secret and additionally requires the key's service_id
// to equal serviceID, distinguishing an unknown/revoked key
// (ErrUnauthenticated) from a valid key scoped to a different service
// (ErrForbidden).
func (d *KeyDirectory) Authorize(ctx context.Context, secret string, serviceID int64) (store.ApiKey, store.Service, error) {
	key, svc, err := d.Resolve(ctx, secret)
	if err != nil {
		return store.ApiKey{}, store.Service{}, err
	}
	if key.ServiceID != serviceID {
		return store.ApiKey{}, store.Service{}, gwerror.ErrForbidden
	}
	return key, svc, nil
}
