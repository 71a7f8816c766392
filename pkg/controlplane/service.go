// Package controlplane implements the minimal CRUD surface spec.md §6
// depends on but does not itself specify: service registration, the
// watermarking/bot-blocking toggles, and watermark verification.
package controlplane

import (
	"context"
	"fmt"

	"github.com/gaasio/transparegate/internal/store"
	"github.com/gaasio/transparegate/pkg/keydirectory"
	"github.com/gaasio/transparegate/pkg/watermark"
)

// Service encapsulates control-plane business logic over Store.
type Service struct {
	store store.Store
	dir   *keydirectory.KeyDirectory
}

// NewService creates a control-plane Service.
func NewService(s store.Store, dir *keydirectory.KeyDirectory) *Service {
	return &Service{store: s, dir: dir}
}

// RegisterServiceParams carries the fields a caller may set at registration.
type RegisterServiceParams struct {
	Name               string
	TargetURL          string
	OwnerID            int64
	BotThreshold       float64
	WatermarkingEnabled bool
	BotBlockingEnabled  bool
}

// RegisterService creates a Service and, per spec.md §6's "/register-api",
// a first ApiKey bound to it so the caller leaves registration with usable
// credentials.
func (s *Service) RegisterService(ctx context.Context, p RegisterServiceParams) (store.Service, store.ApiKey, error) {
	threshold := p.BotThreshold
	if threshold == 0 {
		threshold = 0.7
	}

	svc, err := s.store.CreateService(ctx, store.Service{
		Name:                p.Name,
		TargetURL:           p.TargetURL,
		OwnerID:             p.OwnerID,
		BotThreshold:        threshold,
		WatermarkingEnabled: p.WatermarkingEnabled,
		BotBlockingEnabled:  p.BotBlockingEnabled,
	})
	if err != nil {
		return store.Service{}, store.ApiKey{}, fmt.Errorf("registering service: %w", err)
	}

	key, err := s.dir.CreateApiKey(ctx, keydirectory.CreateApiKeyParams{ServiceID: svc.ID})
	if err != nil {
		return store.Service{}, store.ApiKey{}, fmt.Errorf("minting initial api key: %w", err)
	}

	return svc, key, nil
}

// SetWatermarking toggles a service's watermarking_enabled flag.
func (s *Service) SetWatermarking(ctx context.Context, serviceID int64, enabled bool) error {
	if err := s.store.SetWatermarkingEnabled(ctx, serviceID, enabled); err != nil {
		return fmt.Errorf("setting watermarking flag: %w", err)
	}
	return nil
}

// SetBotBlocking toggles a service's bot_blocking_enabled flag.
func (s *Service) SetBotBlocking(ctx context.Context, serviceID int64, enabled bool) error {
	if err := s.store.SetBotBlockingEnabled(ctx, serviceID, enabled); err != nil {
		return fmt.Errorf("setting bot-blocking flag: %w", err)
	}
	return nil
}

// WatermarkVerifyResult is the decoded tuple plus resolved names spec.md §6's
// "/watermark/verify" returns.
type WatermarkVerifyResult struct {
	Found       bool
	Token       watermark.Token
	ServiceName string
	KeyID       int64
}

// VerifyWatermark extracts and decodes a watermark from an arbitrary
// response body, then resolves the embedded ids back to human-readable
// names so an operator can attribute a leaked payload.
func (s *Service) VerifyWatermark(ctx context.Context, body []byte) (WatermarkVerifyResult, error) {
	wm := watermark.Extract(body)
	if wm == "" {
		return WatermarkVerifyResult{Found: false}, nil
	}

	token, err := watermark.Decode(wm)
	if err != nil {
		return WatermarkVerifyResult{}, fmt.Errorf("decoding watermark: %w", err)
	}

	svc, err := s.store.GetService(ctx, token.ServiceID)
	if err != nil {
		return WatermarkVerifyResult{}, fmt.Errorf("resolving watermarked service: %w", err)
	}

	return WatermarkVerifyResult{
		Found:       true,
		Token:       token,
		ServiceName: svc.Name,
		KeyID:       token.ApiKeyID,
	}, nil
}
