package models

import (
	"fmt"
	"math"
	"time"
)

// UploadStatus is the lifecycle state of an upload.
// pending -> uploading -> completed, or uploading -> failed.
// completed and failed are terminal.
type UploadStatus string

const (
	StatusPending   UploadStatus = "pending"
	StatusUploading UploadStatus = "uploading"
	StatusCompleted UploadStatus = "completed"
	StatusFailed    UploadStatus = "failed"
)

func ParseUploadStatus(s string) (UploadStatus, error) {
	switch UploadStatus(s) {
	case StatusPending, StatusUploading, StatusCompleted, StatusFailed:
		return UploadStatus(s), nil
	}
	return "", fmt.Errorf("unknown upload status %q", s)
}

func (s UploadStatus) String() string { return string(s) }

// Terminal reports whether no further transitions are allowed.
func (s UploadStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Chunk is one contiguous byte range of the file, uploaded independently.
// Chunks are owned by their Upload and are never addressed on their own.
type Chunk struct {
	ChunkNumber int32  `dynamodbav:"chunk_number" json:"chunk_number"`
	StartByte   int64  `dynamodbav:"start_byte" json:"start_byte"`
	EndByte     int64  `dynamodbav:"end_byte" json:"end_byte"`
	IsUploaded  bool   `dynamodbav:"is_uploaded" json:"is_uploaded"`
	PartTag     string `dynamodbav:"part_tag,omitempty" json:"part_tag,omitempty"`
}

// Part pairs a part number with the tag the object store assigned to it.
type Part struct {
	PartNumber int32  `json:"part_number"`
	PartTag    string `json:"part_tag"`
}

// Upload is the aggregate root of the orchestrator. The chunk slice is
// fixed at creation; only per-chunk completion flags, progress, status
// and timestamps mutate afterwards.
type Upload struct {
	ID          string `dynamodbav:"upload_id" json:"upload_id"`
	OwnerID     string `dynamodbav:"owner_id" json:"owner_id"`
	Filename    string `dynamodbav:"filename" json:"filename"`
	ContentType string `dynamodbav:"content_type" json:"content_type"`
	FileSize    int64  `dynamodbav:"file_size" json:"file_size"`

	// SessionID is the object store's multipart session handle.
	SessionID string `dynamodbav:"session_id" json:"session_id"`
	// Location is the target key in the object store.
	Location string `dynamodbav:"location" json:"location"`

	Status   UploadStatus `dynamodbav:"status" json:"status"`
	Chunks   []Chunk      `dynamodbav:"chunks" json:"chunks"`
	Progress float64      `dynamodbav:"progress" json:"progress"`

	// Version guards the read-modify-write cycle on the record. Every
	// conditional write bumps it by one.
	Version int64 `dynamodbav:"version" json:"version"`

	CreatedAt   time.Time  `dynamodbav:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `dynamodbav:"updated_at" json:"updated_at"`
	CompletedAt *time.Time `dynamodbav:"completed_at,omitempty" json:"completed_at,omitempty"`
}

// UploadedCount returns how many chunks are marked uploaded.
func (u *Upload) UploadedCount() int {
	n := 0
	for i := range u.Chunks {
		if u.Chunks[i].IsUploaded {
			n++
		}
	}
	return n
}

// AllUploaded reports whether every chunk is marked uploaded.
func (u *Upload) AllUploaded() bool {
	return u.UploadedCount() == len(u.Chunks)
}

// NextChunk returns the lowest-numbered chunk still to upload. The
// second return is false once every chunk is uploaded.
func (u *Upload) NextChunk() (int32, bool) {
	for i := range u.Chunks {
		if !u.Chunks[i].IsUploaded {
			return u.Chunks[i].ChunkNumber, true
		}
	}
	return 0, false
}

// RecomputeProgress refreshes Progress from the chunk flags, rounded to
// two decimal places.
func (u *Upload) RecomputeProgress() {
	if len(u.Chunks) == 0 {
		u.Progress = 0
		return
	}
	p := float64(u.UploadedCount()) / float64(len(u.Chunks)) * 100
	u.Progress = math.Round(p*100) / 100
}

// CompletedParts returns the (part number, part tag) pairs of uploaded
// chunks in ascending part-number order, as the finalize protocol
// requires.
func (u *Upload) CompletedParts() []Part {
	parts := make([]Part, 0, len(u.Chunks))
	for i := range u.Chunks {
		if u.Chunks[i].IsUploaded && u.Chunks[i].PartTag != "" {
			parts = append(parts, Part{
				PartNumber: u.Chunks[i].ChunkNumber,
				PartTag:    u.Chunks[i].PartTag,
			})
		}
	}
	return parts
}
