package transparency

import (
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/gaasio/transparegate/internal/httpserver"
	"github.com/gaasio/transparegate/internal/store"
)

// Handler serves the transparency-log control-plane routes spec.md §6 lists:
// latest/history of Merkle roots, per-batch verification, and per-batch
// blockchain anchoring metadata.
type Handler struct {
	log    *Log
	store  store.Store
	logger *slog.Logger
}

// NewHandler creates a transparency Handler.
func NewHandler(log *Log, s store.Store, logger *slog.Logger) *Handler {
	return &Handler{log: log, store: s, logger: logger}
}

// Routes mounts the transparency endpoints on a chi.Router.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/merkle-latest", h.handleLatest)
	r.Get("/merkle-history", h.handleHistory)
	r.Get("/verify/{batch_id}", h.handleVerify)
	r.Get("/blockchain/{batch_id}", h.handleBlockchain)
	return r
}

type merkleRootResponse struct {
	ID           int64   `json:"id"`
	Root         string  `json:"root"`
	StartTime    string  `json:"start_time"`
	EndTime      string  `json:"end_time"`
	RequestCount int     `json:"request_count"`
	IsAnchored   bool    `json:"is_anchored"`
	TxHash       *string `json:"tx_hash,omitempty"`
	BlockNumber  *uint64 `json:"block_number,omitempty"`
}

func toMerkleRootResponse(m store.MerkleRoot) merkleRootResponse {
	return merkleRootResponse{
		ID:           m.ID,
		Root:         hex.EncodeToString(m.Root[:]),
		StartTime:    m.StartTime.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
		EndTime:      m.EndTime.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
		RequestCount: m.RequestCount,
		IsAnchored:   m.IsAnchored,
		TxHash:       m.TxHash,
		BlockNumber:  m.BlockNumber,
	}
}

func (h *Handler) handleLatest(w http.ResponseWriter, r *http.Request) {
	latest, err := h.store.LatestMerkleRoot(r.Context())
	if errors.Is(err, store.ErrNotFound) {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "no merkle roots have been closed yet")
		return
	}
	if err != nil {
		h.logger.Error("fetching latest merkle root", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to fetch latest merkle root")
		return
	}
	httpserver.Respond(w, http.StatusOK, toMerkleRootResponse(latest))
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	beforeID := int64(0)
	if v := r.URL.Query().Get("before_id"); v != "" {
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "before_id must be an integer")
			return
		}
		beforeID = parsed
	}

	limit := httpserver.DefaultPageSize
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		if parsed > httpserver.MaxPageSize {
			parsed = httpserver.MaxPageSize
		}
		limit = parsed
	}

	roots, err := h.store.ListMerkleRoots(r.Context(), beforeID, limit)
	if err != nil {
		h.logger.Error("listing merkle roots", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list merkle roots")
		return
	}

	out := make([]merkleRootResponse, len(roots))
	for i, m := range roots {
		out[i] = toMerkleRootResponse(m)
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"items": out, "count": len(out)})
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	batchID, err := strconv.ParseInt(chi.URLParam(r, "batch_id"), 10, 64)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "batch_id must be an integer")
		return
	}

	batch, hashes, valid, err := h.log.VerifyBatch(r.Context(), batchID)
	if errors.Is(err, store.ErrNotFound) {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "no such merkle batch")
		return
	}
	if err != nil {
		h.logger.Error("verifying merkle batch", "error", err, "batch_id", batchID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to verify merkle batch")
		return
	}

	hexHashes := make([]string, len(hashes))
	for i, hsh := range hashes {
		hexHashes[i] = hex.EncodeToString(hsh[:])
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"batch_id":      batch.ID,
		"expected_root": hex.EncodeToString(batch.Root[:]),
		"hashes":        hexHashes,
		"valid":         valid,
	})
}

func (h *Handler) handleBlockchain(w http.ResponseWriter, r *http.Request) {
	batchID, err := strconv.ParseInt(chi.URLParam(r, "batch_id"), 10, 64)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "batch_id must be an integer")
		return
	}

	batch, err := h.store.GetMerkleRoot(r.Context(), batchID)
	if errors.Is(err, store.ErrNotFound) {
		httpserver.RespondError(w, http.StatusNotFound, "not_found", "no such merkle batch")
		return
	}
	if err != nil {
		h.logger.Error("fetching merkle batch", "error", err, "batch_id", batchID)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to fetch merkle batch")
		return
	}

	if !batch.IsAnchored {
		httpserver.Respond(w, http.StatusOK, map[string]any{"batch_id": batch.ID, "anchored": false})
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"batch_id":     batch.ID,
		"anchored":     true,
		"tx_hash":      batch.TxHash,
		"block_number": batch.BlockNumber,
		"anchored_at":  batch.AnchoredAt,
	})
}
