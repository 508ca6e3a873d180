// Package vault abstracts the host file storage the pipeline watches and
// writes into. Paths are slash separated and relative to the vault root.
package vault

import (
	"context"
	"io/fs"

	"github.com/Lllllllleong/scanwatch/internal/models"
)

var (
	// ErrNotExist is returned (possibly wrapped) when a path does not exist.
	ErrNotExist = fs.ErrNotExist
	// ErrExist is returned (possibly wrapped) by Create when the path exists.
	ErrExist = fs.ErrExist
)

// Vault is the storage collaborator consumed by the pipeline.
type Vault interface {
	ReadBinary(ctx context.Context, p string) ([]byte, error)
	WriteBinary(ctx context.Context, p string, data []byte) error
	Read(ctx context.Context, p string) (string, error)
	// Create fails with ErrExist if p already exists.
	Create(ctx context.Context, p, text string) error
	// Append and Modify fail with ErrNotExist if p does not exist.
	Append(ctx context.Context, p, text string) error
	Modify(ctx context.Context, p, text string) error
	Stat(ctx context.Context, p string) (models.WatchedFile, error)
	Exists(ctx context.Context, p string) (bool, error)
	CreateFolder(ctx context.Context, p string) error
}

// EnsureFolder creates p unless it already exists. An empty p is the root.
func EnsureFolder(ctx context.Context, v Vault, p string) error {
	if p == "" {
		return nil
	}
	ok, err := v.Exists(ctx, p)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return v.CreateFolder(ctx, p)
}
