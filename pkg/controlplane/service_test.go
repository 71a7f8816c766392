package controlplane

import (
	"context"
	"testing"

	"github.com/gaasio/transparegate/internal/store"
	"github.com/gaasio/transparegate/pkg/keydirectory"
	"github.com/gaasio/transparegate/pkg/watermark"
)

func newTestService(t *testing.T) (*Service, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	return NewService(ms, keydirectory.New(ms)), ms
}

func TestRegisterService_CreatesServiceAndInitialKey(t *testing.T) {
	s, _ := newTestService(t)

	svc, key, err := s.RegisterService(context.Background(), RegisterServiceParams{
		Name:      "payments",
		TargetURL: "http://upstream.internal",
		OwnerID:   1,
	})
	if err != nil {
		t.Fatalf("RegisterService: %v", err)
	}
	if svc.BotThreshold != 0.7 {
		t.Fatalf("BotThreshold = %v, want default 0.7", svc.BotThreshold)
	}
	if key.ServiceID != svc.ID {
		t.Fatalf("key.ServiceID = %d, want %d", key.ServiceID, svc.ID)
	}
	if !key.IsActive {
		t.Fatal("initial key must be active")
	}
}

func TestSetWatermarking_Toggles(t *testing.T) {
	s, ms := newTestService(t)
	svc, err := ms.CreateService(context.Background(), store.Service{Name: "svc", TargetURL: "http://up"})
	if err != nil {
		t.Fatalf("CreateService: %v", err)
	}

	if err := s.SetWatermarking(context.Background(), svc.ID, true); err != nil {
		t.Fatalf("SetWatermarking: %v", err)
	}

	got, err := ms.GetService(context.Background(), svc.ID)
	if err != nil {
		t.Fatalf("GetService: %v", err)
	}
	if !got.WatermarkingEnabled {
		t.Fatal("watermarking_enabled was not persisted")
	}
}

func TestVerifyWatermark_RoundTrip(t *testing.T) {
	s, ms := newTestService(t)
	svc, err := ms.CreateService(context.Background(), store.Service{Name: "svc", TargetURL: "http://up"})
	if err != nil {
		t.Fatalf("CreateService: %v", err)
	}

	token := watermark.Token{ServiceID: svc.ID, ApiKeyID: 42, RequestID: "abcd1234"}
	body := []byte(`{"_gaas_watermark":"` + watermark.Encode(token) + `"}`)

	result, err := s.VerifyWatermark(context.Background(), body)
	if err != nil {
		t.Fatalf("VerifyWatermark: %v", err)
	}
	if !result.Found {
		t.Fatal("expected a watermark to be found")
	}
	if result.ServiceName != "svc" {
		t.Fatalf("ServiceName = %q, want svc", result.ServiceName)
	}
	if result.Token.ApiKeyID != 42 {
		t.Fatalf("ApiKeyID = %d, want 42", result.Token.ApiKeyID)
	}
}

func TestVerifyWatermark_NotFound(t *testing.T) {
	s, _ := newTestService(t)

	result, err := s.VerifyWatermark(context.Background(), []byte(`{"ok":true}`))
	if err != nil {
		t.Fatalf("VerifyWatermark: %v", err)
	}
	if result.Found {
		t.Fatal("expected no watermark to be found")
	}
}
