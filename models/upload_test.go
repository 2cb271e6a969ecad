package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uploadWithChunks(n int) *Upload {
	u := &Upload{Status: StatusUploading}
	for i := 1; i <= n; i++ {
		u.Chunks = append(u.Chunks, Chunk{ChunkNumber: int32(i)})
	}
	return u
}

func TestRecomputeProgress_RoundsToTwoDecimals(t *testing.T) {
	u := uploadWithChunks(3)
	u.Chunks[0].IsUploaded = true

	u.RecomputeProgress()
	assert.Equal(t, 33.33, u.Progress)

	u.Chunks[1].IsUploaded = true
	u.RecomputeProgress()
	assert.Equal(t, 66.67, u.Progress)

	u.Chunks[2].IsUploaded = true
	u.RecomputeProgress()
	assert.Equal(t, 100.0, u.Progress)
}

func TestRecomputeProgress_EmptyChunkSet(t *testing.T) {
	u := &Upload{}
	u.RecomputeProgress()
	assert.Equal(t, 0.0, u.Progress)
}

func TestNextChunk_LowestIncomplete(t *testing.T) {
	u := uploadWithChunks(4)
	u.Chunks[0].IsUploaded = true
	u.Chunks[2].IsUploaded = true

	next, ok := u.NextChunk()
	require.True(t, ok)
	assert.Equal(t, int32(2), next)

	u.Chunks[1].IsUploaded = true
	u.Chunks[3].IsUploaded = true
	_, ok = u.NextChunk()
	assert.False(t, ok)
}

func TestCompletedParts_AscendingAndSkipsEmptyTags(t *testing.T) {
	u := uploadWithChunks(3)
	u.Chunks[0].IsUploaded = true
	u.Chunks[0].PartTag = `"etag-1"`
	u.Chunks[2].IsUploaded = true
	u.Chunks[2].PartTag = `"etag-3"`
	u.Chunks[1].IsUploaded = true // uploaded but tag never recorded

	parts := u.CompletedParts()
	require.Len(t, parts, 2)
	assert.Equal(t, int32(1), parts[0].PartNumber)
	assert.Equal(t, int32(3), parts[1].PartNumber)
}

func TestUploadStatus_Terminal(t *testing.T) {
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusUploading.Terminal())
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
}

func TestParseUploadStatus(t *testing.T) {
	s, err := ParseUploadStatus("uploading")
	require.NoError(t, err)
	assert.Equal(t, StatusUploading, s)

	_, err = ParseUploadStatus("paused")
	assert.Error(t, err)
}
