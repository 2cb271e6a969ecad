// Package services implements the upload orchestrator: the state
// machine that turns one large file into independently uploaded chunks
// and drives the object store's multipart protocol to finalize it.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/blobvault/uploads-service/apperrors"
	"github.com/blobvault/uploads-service/caching"
	"github.com/blobvault/uploads-service/config"
	"github.com/blobvault/uploads-service/metrics"
	"github.com/blobvault/uploads-service/models"
	"github.com/blobvault/uploads-service/planner"
	"github.com/blobvault/uploads-service/queues"
	"github.com/blobvault/uploads-service/store"
)

// conflictAttempts bounds the read-modify-write retries when concurrent
// chunk completions race on the same record. Each round at least one
// writer lands, so the bound only trips under pathological contention.
const conflictAttempts = 16

type UploadService interface {
	Initiate(ctx context.Context, req models.InitiateRequest, ownerID string) (*models.UploadResponse, error)
	AuthorizeChunk(ctx context.Context, uploadID string, chunkNumber int32, ownerID string) (*models.UploadResponse, error)
	CompleteChunk(ctx context.Context, uploadID string, chunkNumber int32, partTag, ownerID string) (*models.UploadResponse, error)
	GetStatus(ctx context.Context, uploadID, ownerID string) (*models.UploadResponse, error)
	ListUploads(ctx context.Context, ownerID string) (*models.UploadsListResponse, error)
	Reconcile(ctx context.Context, uploadID, ownerID string) (*models.ReconcileReport, error)
}

type UploadServiceImpl struct {
	uploads  store.UploadStore
	objects  store.ObjectStore
	cache    caching.CachingService
	notifier queues.Notifier
	metrics  *metrics.UploadMetrics
	cfg      config.UploadConfig
}

func NewUploadServiceImpl(
	uploads store.UploadStore,
	objects store.ObjectStore,
	cache caching.CachingService,
	notifier queues.Notifier,
	m *metrics.UploadMetrics,
	cfg config.UploadConfig,
) *UploadServiceImpl {
	return &UploadServiceImpl{
		uploads:  uploads,
		objects:  objects,
		cache:    cache,
		notifier: notifier,
		metrics:  m,
		cfg:      cfg,
	}
}

// Initiate validates the request, opens a multipart session, builds the
// chunk plan and persists the new record. Every call creates a new
// upload; there is no idempotency here, and a persistence failure after
// the session opened leaves an orphaned session that must not be
// silently retried.
func (svc *UploadServiceImpl) Initiate(ctx context.Context, req models.InitiateRequest, ownerID string) (*models.UploadResponse, error) {
	if req.FileSize <= 0 {
		return nil, fmt.Errorf("%w: file size must be positive", apperrors.ErrValidation)
	}
	if req.FileSize > svc.cfg.MaxFileSize {
		return nil, fmt.Errorf("%w: %d > %d", apperrors.ErrSizeLimitExceeded, req.FileSize, svc.cfg.MaxFileSize)
	}
	if req.Filename == "" {
		return nil, fmt.Errorf("%w: filename is required", apperrors.ErrValidation)
	}

	chunkSize := req.ChunkSize
	if chunkSize == 0 {
		chunkSize = svc.cfg.DefaultChunkSize
	}
	if chunkSize < svc.cfg.MinChunkSize || chunkSize > svc.cfg.MaxChunkSize {
		return nil, fmt.Errorf("%w: chunk size %d outside [%d, %d]", apperrors.ErrValidation, chunkSize, svc.cfg.MinChunkSize, svc.cfg.MaxChunkSize)
	}

	uploadID := uuid.NewString()
	// Keyed by owner and upload id so locations never collide across
	// owners or across uploads of the same file.
	location := fmt.Sprintf("uploads/%s/%s/%s", ownerID, uploadID, req.Filename)

	sessionID, err := svc.objects.OpenSession(ctx, location, req.ContentType)
	if err != nil {
		// No record was persisted; nothing to roll back.
		return nil, apperrors.Upstream("open session", err)
	}

	chunks, err := planner.Plan(req.FileSize, chunkSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrValidation, err)
	}

	now := time.Now().UTC()
	upload := models.Upload{
		ID:          uploadID,
		OwnerID:     ownerID,
		Filename:    req.Filename,
		ContentType: req.ContentType,
		FileSize:    req.FileSize,
		SessionID:   sessionID,
		Location:    location,
		Status:      models.StatusUploading,
		Chunks:      chunks,
		Progress:    0,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := svc.uploads.Put(ctx, upload); err != nil {
		log.Warn().Err(err).
			Str("upload_id", uploadID).
			Str("session_id", sessionID).
			Msg("record persistence failed after session opened, session may be orphaned")
		return nil, apperrors.Upstream("persist upload", err)
	}

	svc.metrics.IncInitiated()
	log.Info().Str("upload_id", uploadID).Str("owner", ownerID).Int("chunks", len(chunks)).Msg("upload initiated")

	next := int32(1)
	return &models.UploadResponse{
		UploadID:  uploadID,
		Status:    upload.Status,
		Progress:  0,
		Message:   "Upload initiated",
		NextChunk: &next,
	}, nil
}

// AuthorizeChunk issues a time-bounded upload URL for one chunk. It is
// read-only with respect to the record store, and repeated calls are
// safe: an already-uploaded chunk short-circuits to the next incomplete
// one without issuing a new URL.
func (svc *UploadServiceImpl) AuthorizeChunk(ctx context.Context, uploadID string, chunkNumber int32, ownerID string) (*models.UploadResponse, error) {
	upload, err := svc.loadOwned(ctx, uploadID, ownerID)
	if err != nil {
		return nil, err
	}

	if chunkNumber < 1 || int(chunkNumber) > len(upload.Chunks) {
		return nil, fmt.Errorf("%w: %d of %d", apperrors.ErrInvalidChunk, chunkNumber, len(upload.Chunks))
	}

	if upload.Chunks[chunkNumber-1].IsUploaded {
		resp := &models.UploadResponse{
			UploadID: uploadID,
			Status:   upload.Status,
			Progress: upload.Progress,
			Message:  "Chunk already uploaded",
		}
		if next, ok := upload.NextChunk(); ok {
			resp.NextChunk = &next
		}
		return resp, nil
	}

	url, err := svc.objects.AuthorizePart(ctx, upload.Location, upload.SessionID, chunkNumber)
	if err != nil {
		return nil, apperrors.Upstream("authorize part", err)
	}

	return &models.UploadResponse{
		UploadID:  uploadID,
		Status:    upload.Status,
		Progress:  upload.Progress,
		Message:   "URL generated",
		UploadURL: url,
		NextChunk: &chunkNumber,
	}, nil
}

// CompleteChunk records one chunk's completion and, when it was the
// last one, finalizes the multipart session. The read-modify-write on
// the record is conditional on the version read, so two concurrent
// completions for different chunks never lose an update: the loser
// re-reads and re-applies.
func (svc *UploadServiceImpl) CompleteChunk(ctx context.Context, uploadID string, chunkNumber int32, partTag, ownerID string) (*models.UploadResponse, error) {
	var upload *models.Upload
	var flipped bool

	for attempt := 0; ; attempt++ {
		var err error
		upload, err = svc.loadOwned(ctx, uploadID, ownerID)
		if err != nil {
			return nil, err
		}

		if chunkNumber < 1 || int(chunkNumber) > len(upload.Chunks) {
			return nil, fmt.Errorf("%w: %d of %d", apperrors.ErrInvalidChunk, chunkNumber, len(upload.Chunks))
		}

		// Terminal states do not move. A duplicate completion after
		// success answers idempotently; a failed upload needs operator
		// reconciliation, not more writes.
		if upload.Status.Terminal() {
			return svc.terminalResponse(upload), nil
		}

		chunk := &upload.Chunks[chunkNumber-1]
		flipped = !chunk.IsUploaded
		if flipped {
			// Flips exactly once; re-completion keeps the original tag.
			chunk.IsUploaded = true
			chunk.PartTag = partTag
		}
		upload.RecomputeProgress()
		upload.UpdatedAt = time.Now().UTC()

		err = svc.uploads.UpdateConditional(ctx, *upload, upload.Version)
		if errors.Is(err, apperrors.ErrStateConflict) {
			svc.metrics.IncWriteConflict()
			if attempt+1 >= conflictAttempts {
				return nil, apperrors.ErrStateConflict
			}
			continue
		}
		if err != nil {
			return nil, apperrors.Upstream("persist chunk completion", err)
		}
		break
	}

	if flipped {
		svc.metrics.IncChunkCompleted()
	}
	svc.invalidateStatus(ctx, ownerID, uploadID)
	log.Debug().Str("upload_id", uploadID).Int32("chunk", chunkNumber).Float64("progress", upload.Progress).Msg("chunk completion recorded")

	if !upload.AllUploaded() {
		next, _ := upload.NextChunk()
		return &models.UploadResponse{
			UploadID:  uploadID,
			Status:    upload.Status,
			Progress:  upload.Progress,
			Message:   fmt.Sprintf("Chunk %d saved", chunkNumber),
			NextChunk: &next,
		}, nil
	}

	return svc.finalize(ctx, upload)
}

// finalize runs after the last chunk's state is durably persisted. The
// terminal status lands in a second, separate write: a crash between
// the two leaves status=uploading with progress=100, which Reconcile
// can diagnose from the persisted fields alone.
func (svc *UploadServiceImpl) finalize(ctx context.Context, upload *models.Upload) (*models.UploadResponse, error) {
	parts := upload.CompletedParts()

	if err := svc.objects.Finalize(ctx, upload.Location, upload.SessionID, parts); err != nil {
		log.Error().Err(err).Str("upload_id", upload.ID).Msg("finalize failed, parts remain orphaned in the object store")

		if uerr := svc.uploads.UpdateStatus(ctx, upload.ID, models.StatusFailed, upload.Progress, nil); uerr != nil {
			log.Error().Err(uerr).Str("upload_id", upload.ID).Msg("failed to persist failed status")
		}
		svc.metrics.IncFailed()
		svc.invalidateStatus(ctx, upload.OwnerID, upload.ID)

		return &models.UploadResponse{
			UploadID: upload.ID,
			Status:   models.StatusFailed,
			Progress: upload.Progress,
			Message:  "Finalize failed",
		}, apperrors.ErrFinalizeFailed
	}

	completedAt := time.Now().UTC()
	if err := svc.uploads.UpdateStatus(ctx, upload.ID, models.StatusCompleted, 100, &completedAt); err != nil {
		// The object exists; only the terminal status write is missing.
		// The record shows uploading/100, the documented recoverable
		// inconsistency.
		log.Error().Err(err).Str("upload_id", upload.ID).Msg("failed to persist completed status")
		return nil, apperrors.Upstream("persist completed status", err)
	}

	svc.metrics.IncCompleted()
	svc.invalidateStatus(ctx, upload.OwnerID, upload.ID)

	evt := models.UploadCompletedEvent{
		UploadID:    upload.ID,
		OwnerID:     upload.OwnerID,
		Location:    upload.Location,
		Filename:    upload.Filename,
		ContentType: upload.ContentType,
		FileSize:    upload.FileSize,
		CompletedAt: completedAt,
	}
	if err := svc.notifier.PublishUploadCompleted(ctx, evt); err != nil {
		// Not critical, downstream consumers reconcile separately.
		log.Warn().Err(err).Str("upload_id", upload.ID).Msg("completion notification failed")
	}

	log.Info().Str("upload_id", upload.ID).Msg("upload completed")
	return &models.UploadResponse{
		UploadID: upload.ID,
		Status:   models.StatusCompleted,
		Progress: 100,
		Message:  "Upload completed",
	}, nil
}

// GetStatus reads through the status cache.
func (svc *UploadServiceImpl) GetStatus(ctx context.Context, uploadID, ownerID string) (*models.UploadResponse, error) {
	key := statusCacheKey(ownerID, uploadID)
	if cached, err := svc.cache.Get(ctx, key); err == nil {
		var resp models.UploadResponse
		if err := json.Unmarshal([]byte(cached), &resp); err == nil {
			return &resp, nil
		}
	}

	upload, err := svc.loadOwned(ctx, uploadID, ownerID)
	if err != nil {
		return nil, err
	}

	resp := &models.UploadResponse{
		UploadID: uploadID,
		Status:   upload.Status,
		Progress: upload.Progress,
	}
	if next, ok := upload.NextChunk(); ok {
		resp.NextChunk = &next
	}

	if body, err := json.Marshal(resp); err == nil {
		if err := svc.cache.Set(ctx, key, string(body), svc.cfg.StatusCacheTTL); err != nil {
			log.Debug().Err(err).Str("upload_id", uploadID).Msg("status cache write failed")
		}
	}

	return resp, nil
}

// ListUploads returns the caller's uploads.
func (svc *UploadServiceImpl) ListUploads(ctx context.Context, ownerID string) (*models.UploadsListResponse, error) {
	uploads, err := svc.uploads.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, apperrors.Upstream("list uploads", err)
	}

	summaries := make([]models.UploadSummary, 0, len(uploads))
	for i := range uploads {
		u := &uploads[i]
		summaries = append(summaries, models.UploadSummary{
			UploadID:    u.ID,
			Filename:    u.Filename,
			ContentType: u.ContentType,
			FileSize:    u.FileSize,
			Status:      u.Status,
			Progress:    u.Progress,
			CreatedAt:   u.CreatedAt,
			CompletedAt: u.CompletedAt,
		})
	}

	return &models.UploadsListResponse{Uploads: summaries}, nil
}

// Reconcile compares the durable record against the object store's part
// listing. Off the hot path; never mutates state.
func (svc *UploadServiceImpl) Reconcile(ctx context.Context, uploadID, ownerID string) (*models.ReconcileReport, error) {
	upload, err := svc.loadOwned(ctx, uploadID, ownerID)
	if err != nil {
		return nil, err
	}

	report := &models.ReconcileReport{
		UploadID:       uploadID,
		Status:         upload.Status,
		Progress:       upload.Progress,
		RecordedChunks: len(upload.Chunks),
		UploadedChunks: upload.UploadedCount(),
	}

	if upload.Status == models.StatusCompleted {
		// The session no longer exists once finalized.
		report.StoreParts = report.UploadedChunks
		report.Consistent = true
		return report, nil
	}

	parts, err := svc.objects.ListParts(ctx, upload.Location, upload.SessionID)
	if err != nil {
		return nil, apperrors.Upstream("list parts", err)
	}
	report.StoreParts = len(parts)
	report.Consistent = len(parts) == report.UploadedChunks

	switch {
	case upload.Status == models.StatusUploading && upload.Progress == 100:
		report.Consistent = false
		report.Diagnosis = "all chunks persisted but status not terminal: crashed between finalize and terminal status write"
	case !report.Consistent:
		report.Diagnosis = "recorded chunk completions diverge from object store part listing"
	}

	return report, nil
}

func (svc *UploadServiceImpl) loadOwned(ctx context.Context, uploadID, ownerID string) (*models.Upload, error) {
	upload, err := svc.uploads.Get(ctx, uploadID)
	if errors.Is(err, apperrors.ErrUploadNotFound) {
		return nil, apperrors.ErrUploadNotFound
	}
	if err != nil {
		return nil, apperrors.Upstream("get upload", err)
	}

	// Ownership mismatch is indistinguishable from non-existence so
	// callers cannot probe which upload ids exist.
	if upload.OwnerID != ownerID {
		return nil, apperrors.ErrUploadNotFound
	}

	return upload, nil
}

func (svc *UploadServiceImpl) terminalResponse(upload *models.Upload) *models.UploadResponse {
	msg := "Upload completed"
	if upload.Status == models.StatusFailed {
		msg = "Upload failed, manual reconciliation required"
	}
	return &models.UploadResponse{
		UploadID: upload.ID,
		Status:   upload.Status,
		Progress: upload.Progress,
		Message:  msg,
	}
}

func (svc *UploadServiceImpl) invalidateStatus(ctx context.Context, ownerID, uploadID string) {
	if err := svc.cache.Delete(ctx, statusCacheKey(ownerID, uploadID)); err != nil {
		log.Debug().Err(err).Str("upload_id", uploadID).Msg("status cache invalidation failed")
	}
}

func statusCacheKey(ownerID, uploadID string) string {
	return fmt.Sprintf("upload:status:%s:%s", ownerID, uploadID)
}
