package services

import (
	"context"
	"log/slog"

	"github.com/Lllllllleong/scanwatch/internal/config"
	"github.com/Lllllllleong/scanwatch/internal/models"
	"github.com/Lllllllleong/scanwatch/internal/vault"
)

// ChangeDetector decides whether a file needs a processing attempt.
type ChangeDetector struct {
	settings config.Settings
	vault    vault.Vault
	store    *MetadataStore
}

// NewChangeDetector creates a detector bound to one settings snapshot.
func NewChangeDetector(settings config.Settings, v vault.Vault, store *MetadataStore) *ChangeDetector {
	return &ChangeDetector{settings: settings, vault: v, store: store}
}

// ShouldProcess reports whether p is enabled for auto-processing, lies in the
// watch folder, has a supported type and size, and has no success record
// matching its current fingerprint. Error records never block reprocessing.
func (d *ChangeDetector) ShouldProcess(ctx context.Context, p string) bool {
	if !d.settings.Active() {
		return false
	}
	p = config.CleanPath(p)
	if p == "" || models.IsSidecar(p) || !d.settings.Watches(p) {
		return false
	}
	if !d.settings.Supports(models.WatchedFile{Path: p}.Ext()) {
		return false
	}
	// Saved thumbnails are images too.
	if d.settings.IncludeThumbnails && config.Within(d.settings.ImageFolder, p) {
		return false
	}

	logCtx := slog.With("path", p)
	file, err := d.vault.Stat(ctx, p)
	if err != nil {
		logCtx.Debug("Skipping file that cannot be stat'ed.", "error", err)
		return false
	}
	if file.Size == 0 || file.Size > d.settings.MaxFileSize {
		logCtx.Debug("Skipping file outside the size limits.", "size", file.Size, "maxFileSize", d.settings.MaxFileSize)
		return false
	}

	fingerprint := file.Fingerprint()
	if record, ok := d.store.Read(ctx, p); ok && record.Completes(fingerprint) {
		logCtx.Debug("Skipping already processed file.", "fileHash", fingerprint)
		return false
	}
	return true
}
