package vault

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/Lllllllleong/scanwatch/internal/config"
	"github.com/Lllllllleong/scanwatch/internal/models"
)

// Local is a Vault rooted at a directory on the local file system.
type Local struct {
	root string
}

// NewLocal returns a Vault rooted at dir, which must exist.
func NewLocal(dir string) (*Local, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve vault root %s: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to stat vault root %s: %w", abs, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("vault root %s is not a directory", abs)
	}
	return &Local{root: abs}, nil
}

// Root returns the absolute directory backing the vault.
func (l *Local) Root() string { return l.root }

// Resolve maps a vault path to an absolute OS path inside the root.
func (l *Local) Resolve(p string) string {
	return filepath.Join(l.root, filepath.FromSlash(config.CleanPath(p)))
}

// Rel maps an absolute OS path back to a vault path. ok is false for paths
// outside the root.
func (l *Local) Rel(abs string) (string, bool) {
	rel, err := filepath.Rel(l.root, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func (l *Local) ReadBinary(_ context.Context, p string) ([]byte, error) {
	data, err := os.ReadFile(l.Resolve(p))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", p, err)
	}
	return data, nil
}

func (l *Local) WriteBinary(_ context.Context, p string, data []byte) error {
	if err := os.WriteFile(l.Resolve(p), data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", p, err)
	}
	return nil
}

func (l *Local) Read(ctx context.Context, p string) (string, error) {
	data, err := l.ReadBinary(ctx, p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (l *Local) Create(_ context.Context, p, text string) error {
	return l.writeFlags(p, text, os.O_WRONLY|os.O_CREATE|os.O_EXCL)
}

func (l *Local) Append(_ context.Context, p, text string) error {
	return l.writeFlags(p, text, os.O_WRONLY|os.O_APPEND)
}

func (l *Local) Modify(_ context.Context, p, text string) error {
	return l.writeFlags(p, text, os.O_WRONLY|os.O_TRUNC)
}

func (l *Local) writeFlags(p, text string, flags int) error {
	f, err := os.OpenFile(l.Resolve(p), flags, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", p, err)
	}
	if _, err := f.WriteString(text); err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to write %s: %w", p, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", p, err)
	}
	return nil
}

func (l *Local) Stat(_ context.Context, p string) (models.WatchedFile, error) {
	info, err := os.Stat(l.Resolve(p))
	if err != nil {
		return models.WatchedFile{}, fmt.Errorf("failed to stat %s: %w", p, err)
	}
	if info.IsDir() {
		return models.WatchedFile{}, fmt.Errorf("%s is a folder: %w", p, ErrNotExist)
	}
	return models.WatchedFile{
		Path:    config.CleanPath(p),
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}, nil
}

func (l *Local) Exists(_ context.Context, p string) (bool, error) {
	_, err := os.Stat(l.Resolve(p))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("failed to stat %s: %w", p, err)
}

func (l *Local) CreateFolder(_ context.Context, p string) error {
	if err := os.MkdirAll(l.Resolve(p), 0o755); err != nil {
		return fmt.Errorf("failed to create folder %s: %w", p, err)
	}
	return nil
}
