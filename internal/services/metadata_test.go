package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/scanwatch/internal/models"
	"github.com/Lllllllleong/scanwatch/internal/vault"
)

func TestMetadataStore_WriteAndRead(t *testing.T) {
	ctx := context.Background()
	v := vault.NewMemory()
	v.Put("Inbox/note.pdf", []byte("12345"), baseTime)
	store := NewMetadataStore(v)
	store.now = func() time.Time { return baseTime.Add(time.Minute) }

	store.Write(ctx, "Inbox/note.pdf", models.RecordSuccess, "ignored for success")

	raw, err := v.Read(ctx, "Inbox/.note.pdf.ocr.json")
	require.NoError(t, err)
	var body map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &body))
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, models.WatchedFile{Size: 5, ModTime: baseTime}.Fingerprint(), body["fileHash"])
	assert.EqualValues(t, baseTime.Add(time.Minute).UnixMilli(), body["processedAt"])
	assert.NotContains(t, body, "errorMessage")

	record, ok := store.Read(ctx, "Inbox/note.pdf")
	require.True(t, ok)
	assert.Equal(t, models.RecordSuccess, record.Status)
}

func TestMetadataStore_Overwrites(t *testing.T) {
	ctx := context.Background()
	v := vault.NewMemory()
	v.Put("note.png", []byte("x"), baseTime)
	store := NewMetadataStore(v)

	store.Write(ctx, "note.png", models.RecordError, "API key invalid")
	store.Write(ctx, "note.png", models.RecordSuccess, "")

	record, ok := store.Read(ctx, "note.png")
	require.True(t, ok)
	assert.Equal(t, models.RecordSuccess, record.Status)
	assert.Empty(t, record.ErrorMessage)
	assert.Equal(t, []string{".note.png.ocr.json", "note.png"}, v.Paths())
}

func TestMetadataStore_ReadTreatsGarbageAsAbsent(t *testing.T) {
	ctx := context.Background()
	v := vault.NewMemory()
	store := NewMetadataStore(v)

	_, ok := store.Read(ctx, "Inbox/note.pdf")
	assert.False(t, ok, "missing sidecar")

	v.Put("Inbox/.note.pdf.ocr.json", []byte("{not json"), baseTime)
	_, ok = store.Read(ctx, "Inbox/note.pdf")
	assert.False(t, ok, "unparsable sidecar")

	v.Put("Inbox/.note.pdf.ocr.json", []byte(`{"status":"maybe","fileHash":"1-1"}`), baseTime)
	_, ok = store.Read(ctx, "Inbox/note.pdf")
	assert.False(t, ok, "unknown status")
}

func TestMetadataStore_WriteFailureIsSwallowed(t *testing.T) {
	ctx := context.Background()
	v := vault.NewMemory()
	v.Put("Inbox/note.pdf", []byte("x"), baseTime)
	v.FailWrites = errors.New("disk full")
	store := NewMetadataStore(v)

	assert.NotPanics(t, func() {
		store.Write(ctx, "Inbox/note.pdf", models.RecordSuccess, "")
	})
	_, ok := store.Read(ctx, "Inbox/note.pdf")
	assert.False(t, ok)
}

func TestMetadataStore_WriteForMissingSourceIsSkipped(t *testing.T) {
	ctx := context.Background()
	v := vault.NewMemory()
	store := NewMetadataStore(v)

	store.Write(ctx, "Inbox/gone.pdf", models.RecordError, "boom")

	assert.Empty(t, v.Paths())
}
