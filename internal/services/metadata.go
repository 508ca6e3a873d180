package services

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/Lllllllleong/scanwatch/internal/models"
	"github.com/Lllllllleong/scanwatch/internal/vault"
)

// MetadataStore persists one ProcessingRecord per source file as a hidden
// JSON sidecar in the same folder.
type MetadataStore struct {
	vault vault.Vault
	now   func() time.Time
}

// NewMetadataStore creates a store writing through v.
func NewMetadataStore(v vault.Vault) *MetadataStore {
	return &MetadataStore{vault: v, now: time.Now}
}

// Read returns the record for source. A missing or unparsable sidecar is
// reported as absent.
func (s *MetadataStore) Read(ctx context.Context, source string) (*models.ProcessingRecord, bool) {
	sidecar := models.SidecarPath(source)
	text, err := s.vault.Read(ctx, sidecar)
	if err != nil {
		if !errors.Is(err, vault.ErrNotExist) {
			slog.Warn("Failed to read processing record", "path", source, "sidecar", sidecar, "error", err)
		}
		return nil, false
	}
	var record models.ProcessingRecord
	if err := json.Unmarshal([]byte(text), &record); err != nil {
		stateErr := models.WrapError(models.KindState, models.ReasonRecordUnreadable, "Processing record is unreadable", err)
		slog.Warn("Ignoring unreadable processing record", "path", source, "sidecar", sidecar, "error", stateErr)
		return nil, false
	}
	switch record.Status {
	case models.RecordSuccess, models.RecordError:
	default:
		slog.Warn("Ignoring processing record with unknown status", "path", source, "status", record.Status)
		return nil, false
	}
	return &record, true
}

// Write records the outcome of a finished attempt on source, stamped with the
// file's current fingerprint. It overwrites any earlier record. Failures are
// logged and swallowed: the next event for the file simply retries it.
func (s *MetadataStore) Write(ctx context.Context, source string, status models.RecordStatus, errMsg string) {
	logCtx := slog.With("path", source, "status", status)

	file, err := s.vault.Stat(ctx, source)
	if err != nil {
		logCtx.Error("Failed to fingerprint file for processing record", "error",
			models.WrapError(models.KindLocalIO, models.ReasonReadFailed, "Failed to read file", err))
		return
	}

	record := models.ProcessingRecord{
		ProcessedAt: s.now().UnixMilli(),
		FileHash:    file.Fingerprint(),
		Status:      status,
	}
	if status == models.RecordError {
		record.ErrorMessage = errMsg
		if record.ErrorMessage == "" {
			record.ErrorMessage = "Processing failed"
		}
	}
	body, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		logCtx.Error("Failed to encode processing record", "error", err)
		return
	}

	if err := s.persist(ctx, models.SidecarPath(source), string(body)); err != nil {
		logCtx.Error("Failed to persist processing record", "error",
			models.WrapError(models.KindLocalIO, models.ReasonWriteFailed, "Failed to write processing record", err))
		return
	}
	logCtx.Debug("Processing record written.", "fileHash", record.FileHash)
}

func (s *MetadataStore) persist(ctx context.Context, sidecar, body string) error {
	exists, err := s.vault.Exists(ctx, sidecar)
	if err != nil {
		return err
	}
	if exists {
		return s.vault.Modify(ctx, sidecar, body)
	}
	err = s.vault.Create(ctx, sidecar, body)
	if errors.Is(err, vault.ErrExist) {
		return s.vault.Modify(ctx, sidecar, body)
	}
	return err
}
