package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/scanwatch/internal/config"
	"github.com/Lllllllleong/scanwatch/internal/models"
	"github.com/Lllllllleong/scanwatch/internal/vault"
)

const thumbnailConcurrency = 4

// ThumbnailFetcher downloads a page preview referenced by a DocumentJob.
type ThumbnailFetcher interface {
	DownloadThumbnail(ctx context.Context, url string) ([]byte, string, error)
}

// OutputWriter turns a finished DocumentJob into markdown inside the vault,
// either as a new note or appended to the source's companion note.
type OutputWriter struct {
	settings config.Settings
	vault    vault.Vault
	thumbs   ThumbnailFetcher
}

// NewOutputWriter creates a writer. thumbs may be nil, which disables
// thumbnail embedding.
func NewOutputWriter(settings config.Settings, v vault.Vault, thumbs ThumbnailFetcher) *OutputWriter {
	return &OutputWriter{settings: settings, vault: v, thumbs: thumbs}
}

// Write stores the transcription of source and returns the note path.
func (w *OutputWriter) Write(ctx context.Context, source models.WatchedFile, job *models.DocumentJob) (string, error) {
	images := w.saveThumbnails(ctx, source, job)

	switch w.settings.OutputAction {
	case config.OutputAppendSource:
		return w.appendCompanion(ctx, source, job, images)
	default:
		return w.createNote(ctx, source, job, images)
	}
}

func (w *OutputWriter) createNote(ctx context.Context, source models.WatchedFile, job *models.DocumentJob, images map[int]string) (string, error) {
	folder := config.CleanPath(w.settings.NoteFolder)
	if err := vault.EnsureFolder(ctx, w.vault, folder); err != nil {
		return "", fmt.Errorf("failed to create note folder %s: %w", folder, err)
	}
	body := RenderTranscript(source, job, images)

	for i := 0; i < 1000; i++ {
		name := source.BaseName()
		if i > 0 {
			name = fmt.Sprintf("%s %d", name, i)
		}
		notePath := path.Join(folder, name+".md")
		err := w.vault.Create(ctx, notePath, body)
		if err == nil {
			return notePath, nil
		}
		if !errors.Is(err, vault.ErrExist) {
			return "", fmt.Errorf("failed to create note %s: %w", notePath, err)
		}
	}
	return "", fmt.Errorf("no free note name for %s in %s", source.BaseName(), folder)
}

func (w *OutputWriter) appendCompanion(ctx context.Context, source models.WatchedFile, job *models.DocumentJob, images map[int]string) (string, error) {
	companion := path.Join(source.Dir(), source.BaseName()+".md")
	body := RenderTranscript(source, job, images)

	exists, err := w.vault.Exists(ctx, companion)
	if err != nil {
		return "", fmt.Errorf("failed to check companion note %s: %w", companion, err)
	}
	if exists {
		if err := w.vault.Append(ctx, companion, "\n\n"+body); err != nil {
			return "", fmt.Errorf("failed to append to %s: %w", companion, err)
		}
		return companion, nil
	}
	if err := w.vault.Create(ctx, companion, body); err != nil {
		return "", fmt.Errorf("failed to create companion note %s: %w", companion, err)
	}
	return companion, nil
}

// saveThumbnails downloads page previews concurrently and returns the vault
// path of every image that was stored, keyed by page number. A failed
// thumbnail is logged and left out.
func (w *OutputWriter) saveThumbnails(ctx context.Context, source models.WatchedFile, job *models.DocumentJob) map[int]string {
	images := map[int]string{}
	if !w.settings.IncludeThumbnails || w.thumbs == nil || len(job.Thumbnails) == 0 {
		return images
	}
	logCtx := slog.With("path", source.Path, "jobId", job.ID)

	folder := config.CleanPath(w.settings.ImageFolder)
	if err := vault.EnsureFolder(ctx, w.vault, folder); err != nil {
		logCtx.Warn("Failed to create image folder, skipping thumbnails", "folder", folder, "error", err)
		return images
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(thumbnailConcurrency)
	for _, thumb := range job.Thumbnails {
		g.Go(func() error {
			data, contentType, err := w.thumbs.DownloadThumbnail(gctx, thumb.URL)
			if err != nil {
				logCtx.Warn("Thumbnail download failed", "page", thumb.PageNumber, "error", err)
				return nil
			}
			name := fmt.Sprintf("%s-page-%d%s", source.BaseName(), thumb.PageNumber, imageExt(contentType, thumb.URL))
			imagePath := path.Join(folder, name)
			if err := w.vault.WriteBinary(gctx, imagePath, data); err != nil {
				logCtx.Warn("Failed to save thumbnail", "page", thumb.PageNumber, "image", imagePath, "error", err)
				return nil
			}
			mu.Lock()
			images[thumb.PageNumber] = imagePath
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	logCtx.Info("Thumbnails saved.", "saved", len(images), "total", len(job.Thumbnails))
	return images
}

func imageExt(contentType, rawURL string) string {
	switch strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]) {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	}
	if u, err := url.Parse(rawURL); err == nil {
		if ext := strings.ToLower(path.Ext(u.Path)); ext != "" && len(ext) <= 5 {
			return ext
		}
	}
	return ".png"
}

// RenderTranscript formats a job as markdown: one section per page, each
// optionally preceded by its thumbnail, followed by a link to the source.
func RenderTranscript(source models.WatchedFile, job *models.DocumentJob, images map[int]string) string {
	var b strings.Builder
	for i, page := range job.Pages {
		if i > 0 {
			b.WriteString("\n")
		}
		n := page.PageNumber
		if n == 0 {
			n = i + 1
		}
		fmt.Fprintf(&b, "## Page %d\n\n", n)
		if img, ok := images[n]; ok {
			fmt.Fprintf(&b, "![[%s]]\n\n", img)
		}
		text := strings.TrimSpace(page.Transcript)
		if text == "" {
			text = "*(no text detected)*"
		}
		b.WriteString(text)
		b.WriteString("\n")
	}
	if len(job.Pages) == 0 {
		b.WriteString("*(no pages returned)*\n")
	}
	fmt.Fprintf(&b, "\n---\nSource: [[%s]]\n", source.Path)
	return b.String()
}
