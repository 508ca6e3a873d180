package gcp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"

	"github.com/Lllllllleong/scanwatch/internal/config"
	"github.com/Lllllllleong/scanwatch/internal/models"
	"github.com/Lllllllleong/scanwatch/internal/vault"
)

const (
	maxWriteRetries   = 4
	writeTimeout      = 50 * time.Second
	maxConditionRetry = 3
)

// BucketVault stores the vault in a GCS bucket. Object names are vault paths;
// folders are zero-length objects whose name ends in a slash.
type BucketVault struct {
	bucket *storage.BucketHandle
	name   string
}

// NewBucketVault returns a vault backed by bucket.
func NewBucketVault(client *storage.Client, bucket string) *BucketVault {
	return &BucketVault{bucket: client.Bucket(bucket), name: bucket}
}

// Name returns the bucket name.
func (b *BucketVault) Name() string { return b.name }

func (b *BucketVault) object(p string) *storage.ObjectHandle {
	return b.bucket.Object(config.CleanPath(p))
}

func notExist(p string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%s: %w", p, vault.ErrNotExist)
	}
	return err
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

func (b *BucketVault) ReadBinary(ctx context.Context, p string) ([]byte, error) {
	r, err := b.object(p).NewReader(ctx)
	if err != nil {
		return nil, notExist(p, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read gs://%s/%s: %w", b.name, p, err)
	}
	return data, nil
}

func (b *BucketVault) Read(ctx context.Context, p string) (string, error) {
	data, err := b.ReadBinary(ctx, p)
	return string(data), err
}

// WriteBinary unconditionally replaces p, retrying transient failures with
// exponential backoff.
func (b *BucketVault) WriteBinary(ctx context.Context, p string, data []byte) error {
	backoff := time.Second
	var lastErr error
	for i := 0; i < maxWriteRetries; i++ {
		err := b.write(ctx, b.object(p), p, data)
		if err == nil {
			return nil
		}
		lastErr = err
		slog.Warn("Write failed, will retry.",
			"gcsObject", p,
			"attempt", i+1,
			"maxRetries", maxWriteRetries,
			"backoff", backoff.String(),
			"error", err)

		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("write for %s failed after all retries: %w", p, lastErr)
}

func (b *BucketVault) write(ctx context.Context, obj *storage.ObjectHandle, p string, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	w := obj.NewWriter(writeCtx)
	w.ContentType = contentType(p)
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// Create writes p only if it does not exist yet.
func (b *BucketVault) Create(ctx context.Context, p, text string) error {
	obj := b.object(p).If(storage.Conditions{DoesNotExist: true})
	if err := b.write(ctx, obj, p, []byte(text)); err != nil {
		if isPreconditionFailed(err) {
			return fmt.Errorf("%s: %w", p, vault.ErrExist)
		}
		return fmt.Errorf("failed to create gs://%s/%s: %w", b.name, p, err)
	}
	return nil
}

// Append is a read-modify-write guarded by the object generation.
func (b *BucketVault) Append(ctx context.Context, p, text string) error {
	return b.update(ctx, p, func(old []byte) []byte {
		return append(old, text...)
	})
}

// Modify replaces the content of an existing object.
func (b *BucketVault) Modify(ctx context.Context, p, text string) error {
	return b.update(ctx, p, func([]byte) []byte { return []byte(text) })
}

func (b *BucketVault) update(ctx context.Context, p string, change func(old []byte) []byte) error {
	for i := 0; i < maxConditionRetry; i++ {
		attrs, err := b.object(p).Attrs(ctx)
		if err != nil {
			return notExist(p, err)
		}
		obj := b.object(p).Generation(attrs.Generation)
		r, err := obj.NewReader(ctx)
		if err != nil {
			return notExist(p, err)
		}
		old, err := io.ReadAll(r)
		r.Close()
		if err != nil {
			return fmt.Errorf("failed to read gs://%s/%s: %w", b.name, p, err)
		}

		guarded := b.object(p).If(storage.Conditions{GenerationMatch: attrs.Generation})
		err = b.write(ctx, guarded, p, change(old))
		if err == nil {
			return nil
		}
		if !isPreconditionFailed(err) {
			return fmt.Errorf("failed to update gs://%s/%s: %w", b.name, p, err)
		}
		slog.Debug("Object changed during update, retrying.", "gcsObject", p, "generation", attrs.Generation)
	}
	return fmt.Errorf("gs://%s/%s kept changing during update", b.name, p)
}

func (b *BucketVault) Stat(ctx context.Context, p string) (models.WatchedFile, error) {
	p = config.CleanPath(p)
	if p == "" {
		return models.WatchedFile{}, fmt.Errorf("%s: %w", p, vault.ErrNotExist)
	}
	attrs, err := b.object(p).Attrs(ctx)
	if err != nil {
		return models.WatchedFile{}, notExist(p, err)
	}
	return models.WatchedFile{Path: p, Size: attrs.Size, ModTime: attrs.Updated}, nil
}

// Exists reports whether p is an object or a folder prefix.
func (b *BucketVault) Exists(ctx context.Context, p string) (bool, error) {
	p = config.CleanPath(p)
	if p == "" {
		return true, nil
	}
	if _, err := b.object(p).Attrs(ctx); err == nil {
		return true, nil
	} else if !errors.Is(err, storage.ErrObjectNotExist) {
		return false, err
	}

	it := b.bucket.Objects(ctx, &storage.Query{Prefix: p + "/"})
	if _, err := it.Next(); err != nil {
		if errors.Is(err, iterator.Done) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// CreateFolder writes the folder placeholder object.
func (b *BucketVault) CreateFolder(ctx context.Context, p string) error {
	p = config.CleanPath(p)
	if p == "" {
		return nil
	}
	obj := b.bucket.Object(p + "/").If(storage.Conditions{DoesNotExist: true})
	if err := b.write(ctx, obj, p+"/", nil); err != nil && !isPreconditionFailed(err) {
		return fmt.Errorf("failed to create folder gs://%s/%s: %w", b.name, p, err)
	}
	return nil
}

func contentType(p string) string {
	switch strings.ToLower(path.Ext(p)) {
	case ".md":
		return "text/markdown; charset=utf-8"
	case ".json":
		return "application/json"
	case "":
		return "application/x-directory"
	}
	if ct := mime.TypeByExtension(path.Ext(p)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

var _ vault.Vault = (*BucketVault)(nil)
