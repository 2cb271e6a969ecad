// Package handlers exposes the upload service over HTTP and applies
// the guard chain in front of it.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/blobvault/uploads-service/apperrors"
	"github.com/blobvault/uploads-service/health"
	"github.com/blobvault/uploads-service/models"
	"github.com/blobvault/uploads-service/services"
)

type ctxKey int

const ownerKey ctxKey = iota

// WithOwner stores the authenticated principal on the context.
func WithOwner(ctx context.Context, ownerID string) context.Context {
	return context.WithValue(ctx, ownerKey, ownerID)
}

// OwnerFromContext returns the authenticated principal, if any.
func OwnerFromContext(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(ownerKey).(string)
	return owner, ok
}

type UploadHandler struct {
	svc            services.UploadService
	checks         []health.ReadinessCheck
	metricsHandler http.Handler
}

func NewUploadHandler(svc services.UploadService, checks []health.ReadinessCheck, metricsHandler http.Handler) *UploadHandler {
	return &UploadHandler{
		svc:            svc,
		checks:         checks,
		metricsHandler: metricsHandler,
	}
}

// Routes builds the router. The guard middleware applies to the upload
// routes only; health and metrics stay open.
func (h *UploadHandler) Routes(guards ...func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.handleHealthz)
	if h.metricsHandler != nil {
		r.Handle("/metrics", h.metricsHandler)
	}

	r.Group(func(r chi.Router) {
		for _, g := range guards {
			r.Use(g)
		}
		r.Post("/uploads/initiate", h.handleInitiate)
		r.Post("/uploads/chunk-url", h.handleChunkURL)
		r.Post("/uploads/{uploadID}/chunks/{chunkNumber}/complete", h.handleChunkComplete)
		r.Get("/uploads/{uploadID}/status", h.handleStatus)
		r.Get("/uploads/{uploadID}/reconcile", h.handleReconcile)
		r.Get("/uploads", h.handleList)
	})

	return r
}

func (h *UploadHandler) handleInitiate(w http.ResponseWriter, r *http.Request) {
	owner, ok := OwnerFromContext(r.Context())
	if !ok {
		writeError(w, "", nil, apperrors.ErrUnauthorized)
		return
	}

	var req models.InitiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "", nil, apperrors.ErrValidation)
		return
	}

	resp, err := h.svc.Initiate(r.Context(), req, owner)
	if err != nil {
		writeError(w, "", resp, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *UploadHandler) handleChunkURL(w http.ResponseWriter, r *http.Request) {
	owner, ok := OwnerFromContext(r.Context())
	if !ok {
		writeError(w, "", nil, apperrors.ErrUnauthorized)
		return
	}

	var req models.ChunkURLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "", nil, apperrors.ErrValidation)
		return
	}

	resp, err := h.svc.AuthorizeChunk(r.Context(), req.UploadID, req.ChunkNumber, owner)
	if err != nil {
		writeError(w, req.UploadID, resp, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *UploadHandler) handleChunkComplete(w http.ResponseWriter, r *http.Request) {
	owner, ok := OwnerFromContext(r.Context())
	if !ok {
		writeError(w, "", nil, apperrors.ErrUnauthorized)
		return
	}

	uploadID := chi.URLParam(r, "uploadID")
	chunkNumber, err := strconv.ParseInt(chi.URLParam(r, "chunkNumber"), 10, 32)
	if err != nil {
		writeError(w, uploadID, nil, apperrors.ErrInvalidChunk)
		return
	}

	partTag := r.Header.Get("ETag")
	if partTag == "" {
		writeError(w, uploadID, nil, apperrors.ErrValidation)
		return
	}

	resp, err := h.svc.CompleteChunk(r.Context(), uploadID, int32(chunkNumber), partTag, owner)
	if err != nil {
		writeError(w, uploadID, resp, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *UploadHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	owner, ok := OwnerFromContext(r.Context())
	if !ok {
		writeError(w, "", nil, apperrors.ErrUnauthorized)
		return
	}

	uploadID := chi.URLParam(r, "uploadID")
	resp, err := h.svc.GetStatus(r.Context(), uploadID, owner)
	if err != nil {
		writeError(w, uploadID, resp, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *UploadHandler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	owner, ok := OwnerFromContext(r.Context())
	if !ok {
		writeError(w, "", nil, apperrors.ErrUnauthorized)
		return
	}

	uploadID := chi.URLParam(r, "uploadID")
	report, err := h.svc.Reconcile(r.Context(), uploadID, owner)
	if err != nil {
		writeError(w, uploadID, nil, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *UploadHandler) handleList(w http.ResponseWriter, r *http.Request) {
	owner, ok := OwnerFromContext(r.Context())
	if !ok {
		writeError(w, "", nil, apperrors.ErrUnauthorized)
		return
	}

	resp, err := h.svc.ListUploads(r.Context(), owner)
	if err != nil {
		writeError(w, "", nil, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *UploadHandler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	for _, c := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
		err := c.IsReady(ctx)
		cancel()
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":  "unavailable",
				"failing": c.Name(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

// writeError maps the error kind to an HTTP status and always writes a
// well-formed status payload, never a bare failure. Adapter internals
// stay in the logs.
func writeError(w http.ResponseWriter, uploadID string, resp *models.UploadResponse, err error) {
	code := http.StatusInternalServerError
	msg := "Internal error"

	switch {
	case errors.Is(err, apperrors.ErrValidation):
		code, msg = http.StatusBadRequest, "Invalid request"
	case errors.Is(err, apperrors.ErrInvalidChunk):
		code, msg = http.StatusBadRequest, "Invalid chunk number"
	case errors.Is(err, apperrors.ErrSizeLimitExceeded):
		code, msg = http.StatusRequestEntityTooLarge, "File too large"
	case errors.Is(err, apperrors.ErrUploadNotFound):
		code, msg = http.StatusNotFound, "Upload not found"
	case errors.Is(err, apperrors.ErrUnauthorized):
		code, msg = http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, apperrors.ErrRateLimited):
		code, msg = http.StatusTooManyRequests, "Rate limit exceeded"
	case errors.Is(err, apperrors.ErrStateConflict):
		code, msg = http.StatusConflict, "Conflicting update, retry the operation"
	case errors.Is(err, apperrors.ErrFinalizeFailed):
		code, msg = http.StatusBadGateway, "Finalize failed"
	case errors.Is(err, apperrors.ErrUpstreamUnavailable):
		code, msg = http.StatusServiceUnavailable, "Storage temporarily unavailable"
	default:
		log.Error().Err(err).Str("upload_id", uploadID).Msg("unexpected internal error")
	}

	if resp == nil {
		resp = &models.UploadResponse{
			UploadID: uploadID,
			Status:   models.StatusFailed,
			Progress: 0,
			Message:  msg,
		}
	}
	writeJSON(w, code, resp)
}
