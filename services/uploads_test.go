package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blobvault/uploads-service/apperrors"
	"github.com/blobvault/uploads-service/caching"
	"github.com/blobvault/uploads-service/config"
	"github.com/blobvault/uploads-service/models"
	"github.com/blobvault/uploads-service/queues"
)

// fakeUploadStore implements store.UploadStore in memory with real
// conditional-write semantics, so the lost-update race is observable.
type fakeUploadStore struct {
	mu      sync.Mutex
	records map[string]models.Upload

	putErr    error
	getErr    error
	updErr    error
	statusErr error
	updCalls  int
}

func newFakeUploadStore() *fakeUploadStore {
	return &fakeUploadStore{records: make(map[string]models.Upload)}
}

func cloneUpload(u models.Upload) models.Upload {
	c := u
	c.Chunks = make([]models.Chunk, len(u.Chunks))
	copy(c.Chunks, u.Chunks)
	return c
}

func (s *fakeUploadStore) Put(_ context.Context, upload models.Upload) error {
	if s.putErr != nil {
		return s.putErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[upload.ID] = cloneUpload(upload)
	return nil
}

func (s *fakeUploadStore) Get(_ context.Context, uploadID string) (*models.Upload, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.records[uploadID]
	if !ok {
		return nil, apperrors.ErrUploadNotFound
	}
	c := cloneUpload(u)
	return &c, nil
}

func (s *fakeUploadStore) UpdateConditional(_ context.Context, upload models.Upload, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updCalls++
	if s.updErr != nil {
		return s.updErr
	}
	stored, ok := s.records[upload.ID]
	if !ok {
		return apperrors.ErrUploadNotFound
	}
	if stored.Version != expectedVersion {
		return apperrors.ErrStateConflict
	}
	upload.Version = expectedVersion + 1
	s.records[upload.ID] = cloneUpload(upload)
	return nil
}

func (s *fakeUploadStore) UpdateStatus(_ context.Context, uploadID string, status models.UploadStatus, progress float64, completedAt *time.Time) error {
	if s.statusErr != nil {
		return s.statusErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.records[uploadID]
	if !ok {
		return apperrors.ErrUploadNotFound
	}
	u.Status = status
	u.Progress = progress
	u.CompletedAt = completedAt
	u.Version++
	s.records[uploadID] = u
	return nil
}

func (s *fakeUploadStore) ListByOwner(_ context.Context, ownerID string) ([]models.Upload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Upload
	for _, u := range s.records {
		if u.OwnerID == ownerID {
			out = append(out, cloneUpload(u))
		}
	}
	return out, nil
}

func (s *fakeUploadStore) IsReady(context.Context) error { return nil }
func (s *fakeUploadStore) Name() string                  { return "fakeUploadStore" }

func (s *fakeUploadStore) record(t *testing.T, uploadID string) models.Upload {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.records[uploadID]
	require.True(t, ok, "record %s not persisted", uploadID)
	return cloneUpload(u)
}

type fakeObjectStore struct {
	mu sync.Mutex

	openErr     error
	authErr     error
	finalizeErr error

	openedSessions int
	authCalls      int
	listed         []models.Part
	finalized      [][]models.Part
}

func (s *fakeObjectStore) OpenSession(_ context.Context, location, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openErr != nil {
		return "", s.openErr
	}
	s.openedSessions++
	return fmt.Sprintf("session-%d", s.openedSessions), nil
}

func (s *fakeObjectStore) AuthorizePart(_ context.Context, location, sessionID string, partNumber int32) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authErr != nil {
		return "", s.authErr
	}
	s.authCalls++
	return fmt.Sprintf("https://store.example/%s/%s/part/%d", location, sessionID, partNumber), nil
}

func (s *fakeObjectStore) ListParts(context.Context, string, string) ([]models.Part, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listed, nil
}

func (s *fakeObjectStore) Finalize(_ context.Context, location, sessionID string, parts []models.Part) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalizeErr != nil {
		return s.finalizeErr
	}
	recorded := make([]models.Part, len(parts))
	copy(recorded, parts)
	s.finalized = append(s.finalized, recorded)
	return nil
}

func (s *fakeObjectStore) IsReady(context.Context) error { return nil }
func (s *fakeObjectStore) Name() string                  { return "fakeObjectStore" }

// fakeCache is a map-backed CachingService for cache behavior tests.
type fakeCache struct {
	mu     sync.Mutex
	values map[string]string
	counts map[string]int64
}

func newFakeCache() *fakeCache {
	return &fakeCache{values: make(map[string]string), counts: make(map[string]int64)}
}

func (c *fakeCache) Get(_ context.Context, key string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[key]
	if !ok {
		return "", caching.ErrCacheMiss
	}
	return v, nil
}

func (c *fakeCache) Set(_ context.Context, key, value string, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
	return nil
}

func (c *fakeCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
	return nil
}

func (c *fakeCache) Increment(_ context.Context, key string, _ time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[key]++
	return c.counts[key], nil
}

func testUploadConfig() config.UploadConfig {
	return config.UploadConfig{
		MaxFileSize:      5 * 1024 * 1024 * 1024,
		DefaultChunkSize: 5 * 1024 * 1024,
		MinChunkSize:     4,
		MaxChunkSize:     100 * 1024 * 1024,
		PresignTTL:       time.Hour,
		StatusCacheTTL:   time.Minute,
	}
}

func newTestService(uploads *fakeUploadStore, objects *fakeObjectStore) *UploadServiceImpl {
	return NewUploadServiceImpl(
		uploads,
		objects,
		caching.NewNullCachingService(),
		queues.NewNullNotifier(),
		nil,
		testUploadConfig(),
	)
}

const owner = "owner-1"

func initiateUpload(t *testing.T, svc *UploadServiceImpl, fileSize, chunkSize int64) string {
	t.Helper()
	resp, err := svc.Initiate(context.Background(), models.InitiateRequest{
		Filename:    "video.mp4",
		FileSize:    fileSize,
		ContentType: "video/mp4",
		ChunkSize:   chunkSize,
	}, owner)
	require.NoError(t, err)
	return resp.UploadID
}

func TestInitiate_Succeeds(t *testing.T) {
	uploads := newFakeUploadStore()
	objects := &fakeObjectStore{}
	svc := newTestService(uploads, objects)

	resp, err := svc.Initiate(context.Background(), models.InitiateRequest{
		Filename:    "video.mp4",
		FileSize:    10_485_760,
		ContentType: "video/mp4",
		ChunkSize:   5_242_880,
	}, owner)
	require.NoError(t, err)

	assert.Equal(t, models.StatusUploading, resp.Status)
	assert.Equal(t, 0.0, resp.Progress)
	require.NotNil(t, resp.NextChunk)
	assert.Equal(t, int32(1), *resp.NextChunk)

	rec := uploads.record(t, resp.UploadID)
	assert.Equal(t, owner, rec.OwnerID)
	assert.Len(t, rec.Chunks, 2)
	assert.Equal(t, "session-1", rec.SessionID)
	assert.Contains(t, rec.Location, owner)
	assert.Contains(t, rec.Location, resp.UploadID)
	assert.Equal(t, int64(1), rec.Version)
	assert.False(t, rec.CreatedAt.IsZero())
}

func TestInitiate_RejectsOversizedFile(t *testing.T) {
	uploads := newFakeUploadStore()
	objects := &fakeObjectStore{}
	svc := newTestService(uploads, objects)

	_, err := svc.Initiate(context.Background(), models.InitiateRequest{
		Filename:    "huge.bin",
		FileSize:    6 * 1024 * 1024 * 1024,
		ContentType: "application/octet-stream",
	}, owner)
	require.ErrorIs(t, err, apperrors.ErrSizeLimitExceeded)

	// Nothing persisted, no session opened.
	assert.Empty(t, uploads.records)
	assert.Zero(t, objects.openedSessions)
}

func TestInitiate_RejectsBadChunkSize(t *testing.T) {
	svc := newTestService(newFakeUploadStore(), &fakeObjectStore{})

	_, err := svc.Initiate(context.Background(), models.InitiateRequest{
		Filename:    "a.bin",
		FileSize:    100,
		ContentType: "application/octet-stream",
		ChunkSize:   1,
	}, owner)
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestInitiate_SessionOpenFailure_PersistsNothing(t *testing.T) {
	uploads := newFakeUploadStore()
	objects := &fakeObjectStore{openErr: errors.New("s3 is down")}
	svc := newTestService(uploads, objects)

	_, err := svc.Initiate(context.Background(), models.InitiateRequest{
		Filename:    "a.bin",
		FileSize:    100,
		ContentType: "application/octet-stream",
		ChunkSize:   64,
	}, owner)
	require.ErrorIs(t, err, apperrors.ErrUpstreamUnavailable)
	assert.Empty(t, uploads.records)
}

func TestAuthorizeChunk_ReturnsScopedURL(t *testing.T) {
	uploads := newFakeUploadStore()
	objects := &fakeObjectStore{}
	svc := newTestService(uploads, objects)
	id := initiateUpload(t, svc, 100, 40)

	resp, err := svc.AuthorizeChunk(context.Background(), id, 2, owner)
	require.NoError(t, err)
	assert.Contains(t, resp.UploadURL, "/part/2")
	require.NotNil(t, resp.NextChunk)
	assert.Equal(t, int32(2), *resp.NextChunk)
}

func TestAuthorizeChunk_OwnershipIndistinguishableFromMissing(t *testing.T) {
	uploads := newFakeUploadStore()
	objects := &fakeObjectStore{}
	svc := newTestService(uploads, objects)
	id := initiateUpload(t, svc, 100, 40)

	_, errWrongOwner := svc.AuthorizeChunk(context.Background(), id, 1, "someone-else")
	_, errMissing := svc.AuthorizeChunk(context.Background(), "no-such-upload", 1, "someone-else")

	require.ErrorIs(t, errWrongOwner, apperrors.ErrUploadNotFound)
	require.ErrorIs(t, errMissing, apperrors.ErrUploadNotFound)
	assert.Equal(t, errWrongOwner.Error(), errMissing.Error())
}

func TestAuthorizeChunk_OutOfRange(t *testing.T) {
	svc := newTestService(newFakeUploadStore(), &fakeObjectStore{})
	id := initiateUpload(t, svc, 100, 40)

	_, err := svc.AuthorizeChunk(context.Background(), id, 0, owner)
	require.ErrorIs(t, err, apperrors.ErrInvalidChunk)

	_, err = svc.AuthorizeChunk(context.Background(), id, 4, owner)
	require.ErrorIs(t, err, apperrors.ErrInvalidChunk)
}

func TestAuthorizeChunk_AlreadyUploadedShortCircuits(t *testing.T) {
	uploads := newFakeUploadStore()
	objects := &fakeObjectStore{}
	svc := newTestService(uploads, objects)
	id := initiateUpload(t, svc, 100, 40)

	_, err := svc.CompleteChunk(context.Background(), id, 1, `"etag-1"`, owner)
	require.NoError(t, err)
	presignsBefore := objects.authCalls

	resp, err := svc.AuthorizeChunk(context.Background(), id, 1, owner)
	require.NoError(t, err)
	assert.Empty(t, resp.UploadURL)
	require.NotNil(t, resp.NextChunk)
	assert.Equal(t, int32(2), *resp.NextChunk)
	assert.Equal(t, presignsBefore, objects.authCalls, "no new URL should be issued")
}

func TestCompleteChunk_FirstOfTwo(t *testing.T) {
	uploads := newFakeUploadStore()
	svc := newTestService(uploads, &fakeObjectStore{})
	id := initiateUpload(t, svc, 10_485_760, 5_242_880)

	resp, err := svc.CompleteChunk(context.Background(), id, 1, `"etag-1"`, owner)
	require.NoError(t, err)

	assert.Equal(t, models.StatusUploading, resp.Status)
	assert.Equal(t, 50.0, resp.Progress)
	require.NotNil(t, resp.NextChunk)
	assert.Equal(t, int32(2), *resp.NextChunk)
	assert.Equal(t, "Chunk 1 saved", resp.Message)

	rec := uploads.record(t, id)
	assert.True(t, rec.Chunks[0].IsUploaded)
	assert.Equal(t, `"etag-1"`, rec.Chunks[0].PartTag)
	assert.False(t, rec.Chunks[1].IsUploaded)
}

func TestCompleteChunk_Idempotent(t *testing.T) {
	uploads := newFakeUploadStore()
	svc := newTestService(uploads, &fakeObjectStore{})
	id := initiateUpload(t, svc, 100, 40)

	first, err := svc.CompleteChunk(context.Background(), id, 1, `"etag-1"`, owner)
	require.NoError(t, err)
	second, err := svc.CompleteChunk(context.Background(), id, 1, `"etag-1"`, owner)
	require.NoError(t, err)

	assert.Equal(t, first.Progress, second.Progress)
	assert.Equal(t, first.Status, second.Status)

	rec := uploads.record(t, id)
	assert.Equal(t, 1, rec.UploadedCount(), "re-completion must not double-count")
	assert.Equal(t, `"etag-1"`, rec.Chunks[0].PartTag)
}

func TestCompleteChunk_DuplicateKeepsOriginalTag(t *testing.T) {
	uploads := newFakeUploadStore()
	svc := newTestService(uploads, &fakeObjectStore{})
	id := initiateUpload(t, svc, 100, 40)

	_, err := svc.CompleteChunk(context.Background(), id, 1, `"etag-1"`, owner)
	require.NoError(t, err)
	_, err = svc.CompleteChunk(context.Background(), id, 1, `"etag-other"`, owner)
	require.NoError(t, err)

	rec := uploads.record(t, id)
	assert.Equal(t, `"etag-1"`, rec.Chunks[0].PartTag)
}

func TestCompleteChunk_ProgressMonotonic(t *testing.T) {
	uploads := newFakeUploadStore()
	svc := newTestService(uploads, &fakeObjectStore{})
	id := initiateUpload(t, svc, 100, 12)

	rec := uploads.record(t, id)
	prev := 0.0
	for n := int32(1); int(n) <= len(rec.Chunks); n++ {
		resp, err := svc.CompleteChunk(context.Background(), id, n, fmt.Sprintf(`"etag-%d"`, n), owner)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, resp.Progress, prev)
		prev = resp.Progress
	}
	assert.Equal(t, 100.0, prev)
}

func TestCompleteChunk_LastTriggersFinalizeInPartOrder(t *testing.T) {
	uploads := newFakeUploadStore()
	objects := &fakeObjectStore{}
	svc := newTestService(uploads, objects)
	id := initiateUpload(t, svc, 100, 40) // 3 chunks

	// Complete out of order; finalize must still submit parts ascending.
	for _, n := range []int32{3, 1, 2} {
		_, err := svc.CompleteChunk(context.Background(), id, n, fmt.Sprintf(`"etag-%d"`, n), owner)
		require.NoError(t, err)
	}

	require.Len(t, objects.finalized, 1)
	parts := objects.finalized[0]
	require.Len(t, parts, 3)
	for i, p := range parts {
		assert.Equal(t, int32(i+1), p.PartNumber)
		assert.Equal(t, fmt.Sprintf(`"etag-%d"`, i+1), p.PartTag)
	}

	rec := uploads.record(t, id)
	assert.Equal(t, models.StatusCompleted, rec.Status)
	assert.Equal(t, 100.0, rec.Progress)
	require.NotNil(t, rec.CompletedAt)
}

func TestCompleteChunk_CompletedIffAllChunksUploaded(t *testing.T) {
	uploads := newFakeUploadStore()
	svc := newTestService(uploads, &fakeObjectStore{})
	id := initiateUpload(t, svc, 100, 30) // 4 chunks

	for n := int32(1); n <= 4; n++ {
		resp, err := svc.CompleteChunk(context.Background(), id, n, fmt.Sprintf(`"etag-%d"`, n), owner)
		require.NoError(t, err)

		rec := uploads.record(t, id)
		if rec.AllUploaded() {
			assert.Equal(t, models.StatusCompleted, resp.Status)
			assert.Equal(t, 100.0, resp.Progress)
		} else {
			assert.Equal(t, models.StatusUploading, resp.Status)
			assert.Less(t, resp.Progress, 100.0)
		}
	}
}

func TestCompleteChunk_FinalizeFailure(t *testing.T) {
	uploads := newFakeUploadStore()
	objects := &fakeObjectStore{finalizeErr: errors.New("store rejected completion")}
	svc := newTestService(uploads, objects)
	id := initiateUpload(t, svc, 100, 60) // 2 chunks

	_, err := svc.CompleteChunk(context.Background(), id, 1, `"etag-1"`, owner)
	require.NoError(t, err)

	resp, err := svc.CompleteChunk(context.Background(), id, 2, `"etag-2"`, owner)
	require.ErrorIs(t, err, apperrors.ErrFinalizeFailed)
	require.NotNil(t, resp)
	assert.Equal(t, models.StatusFailed, resp.Status)

	rec := uploads.record(t, id)
	assert.Equal(t, models.StatusFailed, rec.Status)
	assert.Nil(t, rec.CompletedAt)
}

func TestCompleteChunk_FailedUploadIsTerminal(t *testing.T) {
	uploads := newFakeUploadStore()
	objects := &fakeObjectStore{finalizeErr: errors.New("store rejected completion")}
	svc := newTestService(uploads, objects)
	id := initiateUpload(t, svc, 100, 60)

	_, err := svc.CompleteChunk(context.Background(), id, 1, `"etag-1"`, owner)
	require.NoError(t, err)
	_, err = svc.CompleteChunk(context.Background(), id, 2, `"etag-2"`, owner)
	require.ErrorIs(t, err, apperrors.ErrFinalizeFailed)

	versionBefore := uploads.record(t, id).Version
	resp, err := svc.CompleteChunk(context.Background(), id, 1, `"etag-1"`, owner)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, resp.Status)
	assert.Equal(t, versionBefore, uploads.record(t, id).Version, "terminal upload must not be rewritten")
}

func TestCompleteChunk_ConcurrentDistinctChunks_NoLostUpdate(t *testing.T) {
	uploads := newFakeUploadStore()
	objects := &fakeObjectStore{}
	svc := newTestService(uploads, objects)

	const chunkCount = 10
	id := initiateUpload(t, svc, 100, 10) // 10 chunks

	var wg sync.WaitGroup
	errs := make([]error, chunkCount)
	for n := int32(1); n <= chunkCount; n++ {
		wg.Add(1)
		go func(n int32) {
			defer wg.Done()
			_, errs[n-1] = svc.CompleteChunk(context.Background(), id, n, fmt.Sprintf(`"etag-%d"`, n), owner)
		}(n)
	}
	wg.Wait()

	for n, err := range errs {
		require.NoError(t, err, "chunk %d", n+1)
	}

	rec := uploads.record(t, id)
	assert.Equal(t, chunkCount, rec.UploadedCount())
	assert.Equal(t, 100.0, rec.Progress)
	assert.Equal(t, models.StatusCompleted, rec.Status)
	assert.Len(t, objects.finalized, 1, "finalize must run exactly once")
}

func TestCompleteChunk_ConflictExhaustionSurfaces(t *testing.T) {
	uploads := newFakeUploadStore()
	svc := newTestService(uploads, &fakeObjectStore{})
	id := initiateUpload(t, svc, 100, 40)

	uploads.updErr = apperrors.ErrStateConflict
	_, err := svc.CompleteChunk(context.Background(), id, 1, `"etag-1"`, owner)
	require.ErrorIs(t, err, apperrors.ErrStateConflict)
}

func TestGetStatus_CachesAndInvalidates(t *testing.T) {
	uploads := newFakeUploadStore()
	cache := newFakeCache()
	svc := NewUploadServiceImpl(uploads, &fakeObjectStore{}, cache, queues.NewNullNotifier(), nil, testUploadConfig())
	id := initiateUpload(t, svc, 100, 60)

	first, err := svc.GetStatus(context.Background(), id, owner)
	require.NoError(t, err)
	assert.Equal(t, 0.0, first.Progress)
	assert.NotEmpty(t, cache.values)

	_, err = svc.CompleteChunk(context.Background(), id, 1, `"etag-1"`, owner)
	require.NoError(t, err)

	second, err := svc.GetStatus(context.Background(), id, owner)
	require.NoError(t, err)
	assert.Equal(t, 50.0, second.Progress, "mutation must invalidate the cached status")
}

func TestGetStatus_OwnershipCollapsed(t *testing.T) {
	uploads := newFakeUploadStore()
	svc := newTestService(uploads, &fakeObjectStore{})
	id := initiateUpload(t, svc, 100, 60)

	_, err := svc.GetStatus(context.Background(), id, "someone-else")
	require.ErrorIs(t, err, apperrors.ErrUploadNotFound)
}

func TestListUploads_ReturnsOwnersUploadsOnly(t *testing.T) {
	uploads := newFakeUploadStore()
	svc := newTestService(uploads, &fakeObjectStore{})
	initiateUpload(t, svc, 100, 60)
	initiateUpload(t, svc, 200, 60)

	resp, err := svc.ListUploads(context.Background(), owner)
	require.NoError(t, err)
	assert.Len(t, resp.Uploads, 2)

	other, err := svc.ListUploads(context.Background(), "someone-else")
	require.NoError(t, err)
	assert.Empty(t, other.Uploads)
}

func TestReconcile_DiagnosesFinalizeWindow(t *testing.T) {
	uploads := newFakeUploadStore()
	objects := &fakeObjectStore{}
	svc := newTestService(uploads, objects)
	id := initiateUpload(t, svc, 100, 60) // 2 chunks

	// Simulate a crash between finalize and the terminal status write:
	// every chunk persisted, status still uploading.
	uploads.mu.Lock()
	rec := uploads.records[id]
	for i := range rec.Chunks {
		rec.Chunks[i].IsUploaded = true
		rec.Chunks[i].PartTag = fmt.Sprintf(`"etag-%d"`, i+1)
	}
	rec.Progress = 100
	uploads.records[id] = rec
	uploads.mu.Unlock()

	objects.listed = []models.Part{
		{PartNumber: 1, PartTag: `"etag-1"`},
		{PartNumber: 2, PartTag: `"etag-2"`},
	}

	report, err := svc.Reconcile(context.Background(), id, owner)
	require.NoError(t, err)
	assert.False(t, report.Consistent)
	assert.Contains(t, report.Diagnosis, "terminal")
	assert.Equal(t, 2, report.UploadedChunks)
	assert.Equal(t, 2, report.StoreParts)
}

func TestReconcile_CompletedUploadIsConsistent(t *testing.T) {
	uploads := newFakeUploadStore()
	objects := &fakeObjectStore{}
	svc := newTestService(uploads, objects)
	id := initiateUpload(t, svc, 100, 60)

	for _, n := range []int32{1, 2} {
		_, err := svc.CompleteChunk(context.Background(), id, n, fmt.Sprintf(`"etag-%d"`, n), owner)
		require.NoError(t, err)
	}

	report, err := svc.Reconcile(context.Background(), id, owner)
	require.NoError(t, err)
	assert.True(t, report.Consistent)
	assert.Equal(t, models.StatusCompleted, report.Status)
}
