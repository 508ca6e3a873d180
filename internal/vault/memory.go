package vault

import (
	"context"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/Lllllllleong/scanwatch/internal/config"
	"github.com/Lllllllleong/scanwatch/internal/models"
)

type memFile struct {
	data    []byte
	modTime time.Time
}

// Memory is an in-process Vault. Folders must exist before files are created
// in them, matching the behavior of the host storage.
type Memory struct {
	mu      sync.Mutex
	files   map[string]*memFile
	folders map[string]bool
	now     func() time.Time
	// FailWrites makes every mutating call return an error when set.
	FailWrites error
}

// NewMemory returns an empty in-memory vault.
func NewMemory() *Memory {
	return &Memory{
		files:   map[string]*memFile{},
		folders: map[string]bool{},
		now:     time.Now,
	}
}

// SetClock overrides the time source used for modification times.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Put writes data at p with the given modification time, creating parent
// folders as needed.
func (m *Memory) Put(p string, data []byte, modTime time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = config.CleanPath(p)
	m.mkdirAll(parent(p))
	m.files[p] = &memFile{data: append([]byte(nil), data...), modTime: modTime}
}

// Paths returns every file path in sorted order.
func (m *Memory) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.files))
	for p := range m.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func parent(p string) string {
	dir := path.Dir(p)
	if dir == "." || dir == "/" {
		return ""
	}
	return dir
}

func (m *Memory) mkdirAll(dir string) {
	for dir != "" {
		m.folders[dir] = true
		dir = parent(dir)
	}
}

func (m *Memory) folderExists(dir string) bool {
	return dir == "" || m.folders[dir]
}

func (m *Memory) ReadBinary(_ context.Context, p string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.files[config.CleanPath(p)]
	if !ok {
		return nil, fmt.Errorf("failed to read %s: %w", p, ErrNotExist)
	}
	return append([]byte(nil), f.data...), nil
}

func (m *Memory) Read(ctx context.Context, p string) (string, error) {
	data, err := m.ReadBinary(ctx, p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (m *Memory) WriteBinary(_ context.Context, p string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	p = config.CleanPath(p)
	if !m.folderExists(parent(p)) {
		return fmt.Errorf("failed to write %s: folder missing: %w", p, ErrNotExist)
	}
	m.files[p] = &memFile{data: append([]byte(nil), data...), modTime: m.now()}
	return nil
}

func (m *Memory) Create(_ context.Context, p, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	p = config.CleanPath(p)
	if _, ok := m.files[p]; ok || m.folders[p] {
		return fmt.Errorf("failed to create %s: %w", p, ErrExist)
	}
	if !m.folderExists(parent(p)) {
		return fmt.Errorf("failed to create %s: folder missing: %w", p, ErrNotExist)
	}
	m.files[p] = &memFile{data: []byte(text), modTime: m.now()}
	return nil
}

func (m *Memory) Append(_ context.Context, p, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	f, ok := m.files[config.CleanPath(p)]
	if !ok {
		return fmt.Errorf("failed to append to %s: %w", p, ErrNotExist)
	}
	f.data = append(f.data, text...)
	f.modTime = m.now()
	return nil
}

func (m *Memory) Modify(_ context.Context, p, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	f, ok := m.files[config.CleanPath(p)]
	if !ok {
		return fmt.Errorf("failed to modify %s: %w", p, ErrNotExist)
	}
	f.data = []byte(text)
	f.modTime = m.now()
	return nil
}

func (m *Memory) Stat(_ context.Context, p string) (models.WatchedFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = config.CleanPath(p)
	f, ok := m.files[p]
	if !ok {
		return models.WatchedFile{}, fmt.Errorf("failed to stat %s: %w", p, ErrNotExist)
	}
	return models.WatchedFile{Path: p, Size: int64(len(f.data)), ModTime: f.modTime}, nil
}

func (m *Memory) Exists(_ context.Context, p string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p = config.CleanPath(p)
	_, ok := m.files[p]
	return ok || m.folders[p], nil
}

func (m *Memory) CreateFolder(_ context.Context, p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailWrites != nil {
		return m.FailWrites
	}
	p = config.CleanPath(p)
	if _, ok := m.files[p]; ok {
		return fmt.Errorf("failed to create folder %s: %w", p, ErrExist)
	}
	m.mkdirAll(p)
	return nil
}
