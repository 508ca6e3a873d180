package services

import (
	"context"
	"log/slog"

	"github.com/Lllllllleong/scanwatch/internal/config"
	"github.com/Lllllllleong/scanwatch/internal/models"
	"github.com/Lllllllleong/scanwatch/internal/ocr"
)

// Transcriber runs one complete remote transcription of a file.
type Transcriber interface {
	Process(ctx context.Context, name string, data []byte) (*models.DocumentJob, error)
}

// TranscriberFactory builds the transcriber for a settings snapshot.
type TranscriberFactory func(ctx context.Context, s config.Settings) (Transcriber, error)

// DefaultTranscriberFactory builds the HTTP client of the transcription service.
func DefaultTranscriberFactory(_ context.Context, s config.Settings) (Transcriber, error) {
	return ocr.NewClientFromSettings(s), nil
}

// Notifier surfaces short, transient messages to the user.
type Notifier interface {
	Notify(message string)
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct{}

func (LogNotifier) Notify(message string) {
	slog.Info("Notification", "message", message)
}

// HistoryRecorder keeps an audit trail of processing attempts.
type HistoryRecorder interface {
	RecordAttempt(ctx context.Context, attempt models.Attempt) error
}

// CompletionHook is invoked after a transcription has been written.
type CompletionHook interface {
	OnTranscribed(ctx context.Context, source models.WatchedFile, notePath string, job *models.DocumentJob) error
}
