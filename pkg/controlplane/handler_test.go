package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/gaasio/transparegate/internal/store"
	"github.com/gaasio/transparegate/pkg/keydirectory"
)

func newTestHandler(t *testing.T) (http.Handler, *store.MemoryStore, *keydirectory.KeyDirectory) {
	t.Helper()
	ms := store.NewMemoryStore()
	dir := keydirectory.New(ms)
	svc := NewService(ms, dir)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	r := chi.NewRouter()
	r.Mount("/", NewHandler(svc, dir, logger).Routes())
	return r, ms, dir
}

func TestHandleCreateKey_ReturnsNewSecret(t *testing.T) {
	h, ms, _ := newTestHandler(t)
	svc, err := ms.CreateService(context.Background(), store.Service{Name: "svc", TargetURL: "http://upstream.internal"})
	if err != nil {
		t.Fatalf("CreateService: %v", err)
	}

	body := bytes.NewBufferString(`{"price_per_request":0.01}`)
	req := httptest.NewRequest(http.MethodPost, "/services/"+strconv.FormatInt(svc.ID, 10)+"/keys", body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		ID     int64  `json:"id"`
		Secret string `json:"secret"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Secret == "" {
		t.Fatal("expected a non-empty secret")
	}

	key, err := ms.GetApiKeyBySecret(context.Background(), resp.Secret)
	if err != nil {
		t.Fatalf("the minted secret must resolve via the store: %v", err)
	}
	if key.ServiceID != svc.ID {
		t.Fatalf("key.ServiceID = %d, want %d", key.ServiceID, svc.ID)
	}
}

func TestHandleRevokeKey_FailsSubsequentAuth(t *testing.T) {
	h, ms, dir := newTestHandler(t)
	ctx := context.Background()
	svc, err := ms.CreateService(ctx, store.Service{Name: "svc", TargetURL: "http://upstream.internal"})
	if err != nil {
		t.Fatalf("CreateService: %v", err)
	}
	key, err := dir.CreateApiKey(ctx, keydirectory.CreateApiKeyParams{ServiceID: svc.ID})
	if err != nil {
		t.Fatalf("CreateApiKey: %v", err)
	}

	path := "/services/" + strconv.FormatInt(svc.ID, 10) + "/keys/" + strconv.FormatInt(key.ID, 10) + "/revoke"
	req := httptest.NewRequest(http.MethodPatch, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	if _, _, err := dir.Resolve(ctx, key.Secret); err == nil {
		t.Fatal("a revoked key must fail every subsequent resolve")
	}
}

func TestHandleSetRateLimit_InstallsOverride(t *testing.T) {
	h, ms, dir := newTestHandler(t)
	ctx := context.Background()
	svc, err := ms.CreateService(ctx, store.Service{Name: "svc", TargetURL: "http://upstream.internal"})
	if err != nil {
		t.Fatalf("CreateService: %v", err)
	}
	key, err := dir.CreateApiKey(ctx, keydirectory.CreateApiKeyParams{ServiceID: svc.ID})
	if err != nil {
		t.Fatalf("CreateApiKey: %v", err)
	}

	body := bytes.NewBufferString(`{"rate_limit_requests":5,"rate_limit_window_seconds":30}`)
	req := httptest.NewRequest(http.MethodPut, "/api-keys/"+strconv.FormatInt(key.ID, 10)+"/rate-limit", body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	updated, err := ms.GetApiKey(ctx, key.ID)
	if err != nil {
		t.Fatalf("GetApiKey: %v", err)
	}
	requests, window, ok := updated.EffectiveRateLimit()
	if !ok || requests != 5 || window != 30 {
		t.Fatalf("EffectiveRateLimit() = (%d, %d, %v), want (5, 30, true)", requests, window, ok)
	}
}

func TestHandleSetRateLimit_RejectsZeroValues(t *testing.T) {
	h, ms, dir := newTestHandler(t)
	ctx := context.Background()
	svc, err := ms.CreateService(ctx, store.Service{Name: "svc", TargetURL: "http://upstream.internal"})
	if err != nil {
		t.Fatalf("CreateService: %v", err)
	}
	key, err := dir.CreateApiKey(ctx, keydirectory.CreateApiKeyParams{ServiceID: svc.ID})
	if err != nil {
		t.Fatalf("CreateApiKey: %v", err)
	}

	body := bytes.NewBufferString(`{"rate_limit_requests":0,"rate_limit_window_seconds":30}`)
	req := httptest.NewRequest(http.MethodPut, "/api-keys/"+strconv.FormatInt(key.ID, 10)+"/rate-limit", body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422: %s", rec.Code, rec.Body.String())
	}
}
