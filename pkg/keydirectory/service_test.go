package keydirectory

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/gaasio/transparegate/internal/store"
)

func TestCreateApiKey_GeneratesUniqueSecretWithPrefix(t *testing.T) {
	ms, svc1, _, _ := setup(t)
	d := New(ms)
	ctx := context.Background()

	key, err := d.CreateApiKey(ctx, CreateApiKeyParams{ServiceID: svc1.ID, PricePerRequest: 0.01})
	if err != nil {
		t.Fatalf("CreateApiKey: %v", err)
	}
	if !strings.HasPrefix(key.Secret, "gw_") {
		t.Fatalf("secret = %q, want gw_ prefix", key.Secret)
	}
	if len(key.Secret) < 32 {
		t.Fatalf("secret %q is shorter than the required entropy floor", key.Secret)
	}
	if !key.IsActive {
		t.Fatal("newly created key must be active")
	}

	other, err := d.CreateApiKey(ctx, CreateApiKeyParams{ServiceID: svc1.ID})
	if err != nil {
		t.Fatalf("CreateApiKey (second): %v", err)
	}
	if other.Secret == key.Secret {
		t.Fatal("two created keys must not share a secret")
	}
}

func TestRevoke_PreventsFutureResolution(t *testing.T) {
	ms, svc1, _, key := setup(t)
	d := New(ms)
	ctx := context.Background()

	if err := d.Revoke(ctx, svc1.ID, key.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}

	_, _, err := d.Resolve(ctx, key.Secret)
	if err == nil {
		t.Fatal("Resolve should fail for a revoked key")
	}
}

func TestSetRateLimit_UnknownKey(t *testing.T) {
	ms, _, _, _ := setup(t)
	d := New(ms)

	err := d.SetRateLimit(context.Background(), 99999, 10, 60)
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("SetRateLimit() error = %v, want ErrNotFound", err)
	}
}
