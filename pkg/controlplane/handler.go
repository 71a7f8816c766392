package controlplane

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/gaasio/transparegate/internal/httpserver"
	"github.com/gaasio/transparegate/internal/store"
	"github.com/gaasio/transparegate/pkg/keydirectory"
)

// Handler is the single control-plane entry point spec.md §6's route table
// lists: service registration, per-key management, and the watermarking/
// bot-blocking toggles. Key-management operations delegate to KeyDirectory;
// everything else delegates to Service. Keeping every control-plane route
// on one router (rather than one sub-router per package) avoids two
// independent chi.Routers both claiming the same "/services/{id}/..."
// namespace.
type Handler struct {
	service *Service
	dir     *keydirectory.KeyDirectory
	logger  *slog.Logger
}

// NewHandler creates a control-plane Handler.
func NewHandler(service *Service, dir *keydirectory.KeyDirectory, logger *slog.Logger) *Handler {
	return &Handler{service: service, dir: dir, logger: logger}
}

// Routes mounts:
//
//	POST   /register-api
//	POST   /services/{id}/keys
//	PATCH  /services/{id}/keys/{kid}/revoke
//	PUT    /api-keys/{id}/rate-limit
//	POST   /services/{id}/watermarking
//	GET    /services/{id}/watermarking
//	PUT    /services/{id}/bot-blocking
//	POST   /watermark/verify
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/register-api", h.handleRegister)
	r.Route("/services/{service_id}", func(sr chi.Router) {
		sr.Post("/keys", h.handleCreateKey)
		sr.Patch("/keys/{key_id}/revoke", h.handleRevokeKey)
		sr.Route("/watermarking", func(wr chi.Router) {
			wr.Post("/", h.handleSetWatermarking)
			wr.Get("/", h.handleGetWatermarking)
		})
		sr.Put("/bot-blocking", h.handleSetBotBlocking)
	})
	r.Put("/api-keys/{key_id}/rate-limit", h.handleSetRateLimit)
	r.Post("/watermark/verify", h.handleVerifyWatermark)
	return r
}

type registerRequest struct {
	Name               string  `json:"name" validate:"required"`
	TargetURL          string  `json:"target_url" validate:"required,url"`
	OwnerID            int64   `json:"owner_id" validate:"required"`
	BotThreshold       float64 `json:"bot_threshold" validate:"gte=0,lte=1"`
	WatermarkingEnabled bool   `json:"watermarking_enabled"`
	BotBlockingEnabled  bool   `json:"bot_blocking_enabled"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	svc, key, err := h.service.RegisterService(r.Context(), RegisterServiceParams{
		Name:                req.Name,
		TargetURL:           req.TargetURL,
		OwnerID:             req.OwnerID,
		BotThreshold:        req.BotThreshold,
		WatermarkingEnabled: req.WatermarkingEnabled,
		BotBlockingEnabled:  req.BotBlockingEnabled,
	})
	if err != nil {
		h.logger.Error("registering service", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to register service")
		return
	}

	httpserver.Respond(w, http.StatusCreated, map[string]any{
		"service_id": svc.ID,
		"name":       svc.Name,
		"target_url": svc.TargetURL,
		"api_key": map[string]any{
			"id":     key.ID,
			"secret": key.Secret,
		},
	})
}

type createKeyRequest struct {
	RateLimitRequests      *int    `json:"rate_limit_requests" validate:"omitempty,gt=0"`
	RateLimitWindowSeconds *int    `json:"rate_limit_window_seconds" validate:"omitempty,gt=0"`
	PricePerRequest        float64 `json:"price_per_request" validate:"gte=0"`
}

func (h *Handler) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	serviceID, err := strconv.ParseInt(chi.URLParam(r, "service_id"), 10, 64)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "service_id must be an integer")
		return
	}

	var req createKeyRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	key, err := h.dir.CreateApiKey(r.Context(), keydirectory.CreateApiKeyParams{
		ServiceID:              serviceID,
		RateLimitRequests:      req.RateLimitRequests,
		RateLimitWindowSeconds: req.RateLimitWindowSeconds,
		PricePerRequest:        req.PricePerRequest,
	})
	if err != nil {
		h.logger.Error("creating api key", "error", err, "service_id", serviceID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create api key")
		return
	}

	httpserver.Respond(w, http.StatusCreated, map[string]any{
		"id":         key.ID,
		"secret":     key.Secret,
		"service_id": key.ServiceID,
	})
}

func (h *Handler) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	serviceID, err := strconv.ParseInt(chi.URLParam(r, "service_id"), 10, 64)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "service_id must be an integer")
		return
	}
	keyID, err := strconv.ParseInt(chi.URLParam(r, "key_id"), 10, 64)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "key_id must be an integer")
		return
	}

	if err := h.dir.Revoke(r.Context(), serviceID, keyID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "unknown api key")
			return
		}
		h.logger.Error("revoking api key", "error", err, "service_id", serviceID, "key_id", keyID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to revoke api key")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{"id": keyID, "is_active": false})
}

type rateLimitRequest struct {
	RateLimitRequests      int `json:"rate_limit_requests" validate:"required,gt=0"`
	RateLimitWindowSeconds int `json:"rate_limit_window_seconds" validate:"required,gt=0"`
}

func (h *Handler) handleSetRateLimit(w http.ResponseWriter, r *http.Request) {
	keyID, err := strconv.ParseInt(chi.URLParam(r, "key_id"), 10, 64)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "key_id must be an integer")
		return
	}

	var req rateLimitRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if err := h.dir.SetRateLimit(r.Context(), keyID, req.RateLimitRequests, req.RateLimitWindowSeconds); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "unknown api key")
			return
		}
		h.logger.Error("setting rate limit", "error", err, "key_id", keyID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to set rate limit")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"id":                        keyID,
		"rate_limit_requests":       req.RateLimitRequests,
		"rate_limit_window_seconds": req.RateLimitWindowSeconds,
	})
}

type toggleRequest struct {
	Enabled bool `json:"enabled"`
}

func (h *Handler) handleSetWatermarking(w http.ResponseWriter, r *http.Request) {
	serviceID, err := strconv.ParseInt(chi.URLParam(r, "service_id"), 10, 64)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "service_id must be an integer")
		return
	}

	var req toggleRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if err := h.service.SetWatermarking(r.Context(), serviceID, req.Enabled); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "unknown service")
			return
		}
		h.logger.Error("setting watermarking flag", "error", err, "service_id", serviceID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to set watermarking flag")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{"service_id": serviceID, "watermarking_enabled": req.Enabled})
}

func (h *Handler) handleGetWatermarking(w http.ResponseWriter, r *http.Request) {
	serviceID, err := strconv.ParseInt(chi.URLParam(r, "service_id"), 10, 64)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "service_id must be an integer")
		return
	}

	svc, err := h.service.store.GetService(r.Context(), serviceID)
	if errors.Is(err, store.ErrNotFound) {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "unknown service")
		return
	}
	if err != nil {
		h.logger.Error("fetching service", "error", err, "service_id", serviceID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to fetch service")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{"service_id": svc.ID, "watermarking_enabled": svc.WatermarkingEnabled})
}

func (h *Handler) handleSetBotBlocking(w http.ResponseWriter, r *http.Request) {
	serviceID, err := strconv.ParseInt(chi.URLParam(r, "service_id"), 10, 64)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "service_id must be an integer")
		return
	}

	var req toggleRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	if err := h.service.SetBotBlocking(r.Context(), serviceID, req.Enabled); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "unknown service")
			return
		}
		h.logger.Error("setting bot-blocking flag", "error", err, "service_id", serviceID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to set bot-blocking flag")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{"service_id": serviceID, "bot_blocking_enabled": req.Enabled})
}

func (h *Handler) handleVerifyWatermark(w http.ResponseWriter, r *http.Request) {
	const maxBody = 1 << 20
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return
	}

	result, err := h.service.VerifyWatermark(r.Context(), body)
	if err != nil {
		h.logger.Error("verifying watermark", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to verify watermark")
		return
	}
	if !result.Found {
		httpserver.Respond(w, http.StatusOK, map[string]any{"found": false})
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"found":        true,
		"service_id":   result.Token.ServiceID,
		"service_name": result.ServiceName,
		"api_key_id":   result.Token.ApiKeyID,
		"request_id":   result.Token.RequestID,
		"timestamp":    result.Token.Timestamp.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
	})
}
