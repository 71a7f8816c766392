package proxyengine

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/gaasio/transparegate/internal/store"
	"github.com/gaasio/transparegate/pkg/botclassifier"
	"github.com/gaasio/transparegate/pkg/keydirectory"
	"github.com/gaasio/transparegate/pkg/limiter"
	"github.com/gaasio/transparegate/pkg/transparency"
)

func newTestEngine(t *testing.T, upstreamURL string) (*Engine, *store.MemoryStore, store.Service, store.ApiKey) {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMemoryStore()

	svc, err := ms.CreateService(ctx, store.Service{
		Name:               "svc",
		TargetURL:          upstreamURL,
		BotBlockingEnabled: false,
	})
	if err != nil {
		t.Fatalf("CreateService: %v", err)
	}

	key, err := ms.CreateApiKey(ctx, store.ApiKey{
		Secret:    "test-secret",
		ServiceID: svc.ID,
		IsActive:  true,
	})
	if err != nil {
		t.Fatalf("CreateApiKey: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := New(ms, keydirectory.New(ms), limiter.New(limiter.DefaultConfig{Requests: 100, WindowSeconds: 60}),
		botclassifier.New(ms), transparency.New(ms, 10, nil, logger), logger)
	return e, ms, svc, key
}

func router(e *Engine) http.Handler {
	r := chi.NewRouter()
	r.Mount("/proxy", e.Routes())
	return r
}

func TestServeHTTP_Success(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	e, _, svc, key := newTestEngine(t, upstream.URL)

	req := httptest.NewRequest(http.MethodGet, "/proxy/"+itoa(svc.ID)+"/widgets", nil)
	req.Header.Set("X-API-Key", key.Secret)
	req.Header.Set("User-Agent", "Mozilla/5.0 test-browser")
	rec := httptest.NewRecorder()

	router(e).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body=%s", rec.Code, rec.Body.String())
	}
}

func TestServeHTTP_UnknownKey(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	e, _, svc, _ := newTestEngine(t, upstream.URL)

	req := httptest.NewRequest(http.MethodGet, "/proxy/"+itoa(svc.ID), nil)
	req.Header.Set("X-API-Key", "not-a-real-key")
	rec := httptest.NewRecorder()

	router(e).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestServeHTTP_ScopeMismatch(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	e, ms, _, key := newTestEngine(t, upstream.URL)
	otherSvc, err := ms.CreateService(context.Background(), store.Service{Name: "other", TargetURL: upstream.URL})
	if err != nil {
		t.Fatalf("CreateService: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/proxy/"+itoa(otherSvc.ID), nil)
	req.Header.Set("X-API-Key", key.Secret)
	rec := httptest.NewRecorder()

	router(e).ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestServeHTTP_UnknownService(t *testing.T) {
	e, _, _, _ := newTestEngine(t, "http://unused")

	req := httptest.NewRequest(http.MethodGet, "/proxy/99999", nil)
	rec := httptest.NewRecorder()

	router(e).ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestServeHTTP_RateLimited(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	ctx := context.Background()
	ms := store.NewMemoryStore()
	svc, _ := ms.CreateService(ctx, store.Service{Name: "svc", TargetURL: upstream.URL})
	limited := 1
	window := 60
	key, _ := ms.CreateApiKey(ctx, store.ApiKey{
		Secret: "secret", ServiceID: svc.ID, IsActive: true,
		RateLimitRequests: &limited, RateLimitWindowSeconds: &window,
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := New(ms, keydirectory.New(ms), limiter.New(limiter.DefaultConfig{Requests: 100, WindowSeconds: 60}),
		botclassifier.New(ms), transparency.New(ms, 10, nil, logger), logger)

	makeReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/proxy/"+itoa(svc.ID), nil)
		req.Header.Set("X-API-Key", key.Secret)
		return req
	}

	rec1 := httptest.NewRecorder()
	router(e).ServeHTTP(rec1, makeReq())
	if rec1.Code != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", rec1.Code)
	}

	rec2 := httptest.NewRecorder()
	router(e).ServeHTTP(rec2, makeReq())
	if rec2.Code != http.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", rec2.Code)
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
