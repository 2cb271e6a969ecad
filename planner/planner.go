// Package planner partitions a file into the byte-range chunks of a
// multipart upload. Plan is pure: same inputs always yield the same
// chunk layout.
package planner

import (
	"fmt"

	"github.com/blobvault/uploads-service/models"
)

// Plan splits fileSize bytes into ceil(fileSize/chunkSize) chunks.
// Chunk i (1-based) covers [(i-1)*chunkSize, min(fileSize-1, i*chunkSize-1)],
// inclusive on both ends, so the ranges are contiguous, non-overlapping
// and cover exactly [0, fileSize-1]. The last chunk is never empty.
func Plan(fileSize, chunkSize int64) ([]models.Chunk, error) {
	if fileSize <= 0 {
		return nil, fmt.Errorf("file size must be positive, got %d", fileSize)
	}
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}

	total := (fileSize + chunkSize - 1) / chunkSize
	chunks := make([]models.Chunk, 0, total)

	for i := int64(0); i < total; i++ {
		end := (i+1)*chunkSize - 1
		if end > fileSize-1 {
			end = fileSize - 1
		}
		chunks = append(chunks, models.Chunk{
			ChunkNumber: int32(i + 1),
			StartByte:   i * chunkSize,
			EndByte:     end,
		})
	}

	return chunks, nil
}
