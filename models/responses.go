package models

import "time"

// InitiateRequest starts a new upload.
type InitiateRequest struct {
	Filename    string `json:"filename"`
	FileSize    int64  `json:"file_size"`
	ContentType string `json:"content_type"`
	// ChunkSize is optional; zero selects the configured default.
	ChunkSize int64 `json:"chunk_size,omitempty"`
}

// ChunkURLRequest asks for an upload authorization for one chunk.
type ChunkURLRequest struct {
	UploadID    string `json:"upload_id"`
	ChunkNumber int32  `json:"chunk_number"`
}

// UploadResponse is the status payload every upload operation returns.
type UploadResponse struct {
	UploadID  string       `json:"upload_id"`
	Status    UploadStatus `json:"status"`
	Progress  float64      `json:"progress"`
	Message   string       `json:"message"`
	UploadURL string       `json:"upload_url,omitempty"`
	NextChunk *int32       `json:"next_chunk,omitempty"`
}

// UploadSummary is one row of an owner's upload listing.
type UploadSummary struct {
	UploadID    string       `json:"upload_id"`
	Filename    string       `json:"filename"`
	ContentType string       `json:"content_type"`
	FileSize    int64        `json:"file_size"`
	Status      UploadStatus `json:"status"`
	Progress    float64      `json:"progress"`
	CreatedAt   time.Time    `json:"created_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
}

// UploadsListResponse wraps an owner's uploads.
type UploadsListResponse struct {
	Uploads []UploadSummary `json:"uploads"`
}

// UploadCompletedEvent is published after a successful finalize for
// downstream consumers (analysis workers, catalog builders).
type UploadCompletedEvent struct {
	UploadID    string    `json:"upload_id"`
	OwnerID     string    `json:"owner_id"`
	Location    string    `json:"location"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	FileSize    int64     `json:"file_size"`
	CompletedAt time.Time `json:"completed_at"`
}

// ReconcileReport compares the durable record against the object
// store's part listing. It is diagnostic only and never mutates state.
type ReconcileReport struct {
	UploadID       string       `json:"upload_id"`
	Status         UploadStatus `json:"status"`
	Progress       float64      `json:"progress"`
	RecordedChunks int          `json:"recorded_chunks"`
	UploadedChunks int          `json:"uploaded_chunks"`
	StoreParts     int          `json:"store_parts"`
	Consistent     bool         `json:"consistent"`
	Diagnosis      string       `json:"diagnosis,omitempty"`
}
