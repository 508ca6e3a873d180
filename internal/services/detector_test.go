package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Lllllllleong/scanwatch/internal/config"
	"github.com/Lllllllleong/scanwatch/internal/models"
	"github.com/Lllllllleong/scanwatch/internal/vault"
)

var baseTime = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func testSettings() config.Settings {
	s := config.Defaults()
	s.Enabled = true
	s.WatchFolder = "Inbox"
	s.APIKey = "test-key"
	s.StartupGrace = 0
	return s
}

func newDetector(t *testing.T, s config.Settings) (*ChangeDetector, *MetadataStore, *vault.Memory) {
	t.Helper()
	v := vault.NewMemory()
	store := NewMetadataStore(v)
	return NewChangeDetector(s, v, store), store, v
}

func TestShouldProcess_Eligibility(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		settings func(s *config.Settings)
		path     string
		size     int
		expected bool
	}{
		{name: "new supported file", path: "Inbox/note.pdf", size: 10, expected: true},
		{name: "nested folder", path: "Inbox/2026/scan.PNG", size: 10, expected: true},
		{name: "disabled", settings: func(s *config.Settings) { s.Enabled = false }, path: "Inbox/note.pdf", size: 10},
		{name: "no watch folder", settings: func(s *config.Settings) { s.WatchFolder = "" }, path: "Inbox/note.pdf", size: 10},
		{name: "outside watch folder", path: "Other/note.pdf", size: 10},
		{name: "prefix is not a folder boundary", path: "Inbox2/note.pdf", size: 10},
		{name: "unsupported type", path: "Inbox/note.md", size: 10},
		{name: "sidecar", path: "Inbox/.note.pdf.ocr.json", size: 10},
		{name: "empty file", path: "Inbox/note.pdf", size: 0},
		{name: "too large", settings: func(s *config.Settings) { s.MaxFileSize = 5 }, path: "Inbox/note.pdf", size: 6},
		{name: "at size limit", settings: func(s *config.Settings) { s.MaxFileSize = 6 }, path: "Inbox/note.pdf", size: 6, expected: true},
		{name: "whole vault", settings: func(s *config.Settings) { s.WatchFolder = "/" }, path: "anywhere/note.jpg", size: 3, expected: true},
		{name: "saved thumbnail", settings: func(s *config.Settings) {
			s.IncludeThumbnails = true
			s.ImageFolder = "Inbox/img"
		}, path: "Inbox/img/note-page-1.jpg", size: 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSettings()
			if tt.settings != nil {
				tt.settings(&s)
			}
			d, _, v := newDetector(t, s)
			v.Put(tt.path, make([]byte, tt.size), baseTime)

			assert.Equal(t, tt.expected, d.ShouldProcess(ctx, tt.path))
		})
	}
}

func TestShouldProcess_MissingFile(t *testing.T) {
	d, _, _ := newDetector(t, testSettings())
	assert.False(t, d.ShouldProcess(context.Background(), "Inbox/gone.pdf"))
}

func TestShouldProcess_Idempotence(t *testing.T) {
	ctx := context.Background()
	d, store, v := newDetector(t, testSettings())
	v.Put("Inbox/note.pdf", []byte("content"), baseTime)

	assert.True(t, d.ShouldProcess(ctx, "Inbox/note.pdf"))
	store.Write(ctx, "Inbox/note.pdf", models.RecordSuccess, "")

	for i := 0; i < 3; i++ {
		assert.False(t, d.ShouldProcess(ctx, "Inbox/note.pdf"))
	}
}

func TestShouldProcess_ReprocessOnChange(t *testing.T) {
	ctx := context.Background()

	t.Run("mtime changes", func(t *testing.T) {
		d, store, v := newDetector(t, testSettings())
		v.Put("Inbox/note.pdf", []byte("content"), baseTime)
		store.Write(ctx, "Inbox/note.pdf", models.RecordSuccess, "")

		v.Put("Inbox/note.pdf", []byte("content"), baseTime.Add(time.Second))
		assert.True(t, d.ShouldProcess(ctx, "Inbox/note.pdf"))
	})

	t.Run("size changes", func(t *testing.T) {
		d, store, v := newDetector(t, testSettings())
		v.Put("Inbox/note.pdf", []byte("content"), baseTime)
		store.Write(ctx, "Inbox/note.pdf", models.RecordSuccess, "")

		v.Put("Inbox/note.pdf", []byte("content, longer"), baseTime)
		assert.True(t, d.ShouldProcess(ctx, "Inbox/note.pdf"))
	})

	t.Run("same mtime and size is indistinguishable", func(t *testing.T) {
		d, store, v := newDetector(t, testSettings())
		v.Put("Inbox/note.pdf", []byte("content"), baseTime)
		store.Write(ctx, "Inbox/note.pdf", models.RecordSuccess, "")

		v.Put("Inbox/note.pdf", []byte("CONTENT"), baseTime)
		assert.False(t, d.ShouldProcess(ctx, "Inbox/note.pdf"))
	})
}

func TestShouldProcess_ErrorRecordsNeverStick(t *testing.T) {
	ctx := context.Background()
	d, store, v := newDetector(t, testSettings())
	v.Put("Inbox/note.pdf", []byte("content"), baseTime)

	store.Write(ctx, "Inbox/note.pdf", models.RecordError, "Insufficient credits")

	record, ok := store.Read(ctx, "Inbox/note.pdf")
	assert.True(t, ok)
	assert.Equal(t, models.WatchedFile{Path: "Inbox/note.pdf", Size: 7, ModTime: baseTime}.Fingerprint(), record.FileHash)
	assert.True(t, d.ShouldProcess(ctx, "Inbox/note.pdf"))
}
