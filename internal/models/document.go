package models

import "time"

// JobStatus is the remote lifecycle state of an uploaded document.
type JobStatus string

const (
	JobStatusNew        JobStatus = "new"
	JobStatusProcessing JobStatus = "processing"
	JobStatusProcessed  JobStatus = "processed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the remote service will no longer change the status.
func (s JobStatus) Terminal() bool {
	return s == JobStatusProcessed || s == JobStatusFailed
}

// PageTranscript is the transcription of a single page.
type PageTranscript struct {
	PageNumber int
	Transcript string
}

// PageThumbnail points at a rendered preview of a single page.
type PageThumbnail struct {
	PageNumber int
	URL        string
}

// DocumentJob is the final result of one remote transcription job.
// The core only holds it for the duration of a single processing attempt.
type DocumentJob struct {
	ID         string
	FileName   string
	Status     JobStatus
	PageCount  int
	Pages      []PageTranscript
	Thumbnails []PageThumbnail
	Error      string
}

// Attempt is the history entry written to Firestore for every processing attempt.
// It is an audit trail only; the sidecar record remains the source of truth
// for idempotence.
type Attempt struct {
	AttemptID    string    `firestore:"attemptId,omitempty"`
	SourcePath   string    `firestore:"sourcePath,omitempty"`
	FileHash     string    `firestore:"fileHash,omitempty"`
	Status       string    `firestore:"status,omitempty"`
	ErrorDetails string    `firestore:"errorDetails,omitempty"`
	ErrorReason  string    `firestore:"errorReason,omitempty"`
	JobID        string    `firestore:"jobId,omitempty"`
	PageCount    int       `firestore:"pageCount,omitempty"`
	OutputPath   string    `firestore:"outputPath,omitempty"`
	Duration     float64   `firestore:"durationSeconds,omitempty"`
	CreatedAt    time.Time `firestore:"createdAt,omitempty"`
}
