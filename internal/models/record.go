package models

import (
	"fmt"
	"path"
	"strings"
	"time"
)

// RecordStatus is the outcome stored in a ProcessingRecord.
type RecordStatus string

const (
	RecordSuccess RecordStatus = "success"
	RecordError   RecordStatus = "error"
)

// WatchedFile is a file in the watched tree, addressed by its slash-separated
// path relative to the vault root.
type WatchedFile struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Name returns the file name including extension.
func (f WatchedFile) Name() string { return path.Base(f.Path) }

// BaseName returns the file name without its extension.
func (f WatchedFile) BaseName() string {
	name := f.Name()
	return strings.TrimSuffix(name, path.Ext(name))
}

// Ext returns the lower-cased extension without the leading dot.
func (f WatchedFile) Ext() string {
	return strings.TrimPrefix(strings.ToLower(path.Ext(f.Path)), ".")
}

// Dir returns the parent directory, "" for files at the vault root.
func (f WatchedFile) Dir() string {
	dir := path.Dir(f.Path)
	if dir == "." || dir == "/" {
		return ""
	}
	return dir
}

// Fingerprint is the cheap content identity of a file: "<mtime millis>-<size>".
// An edit that preserves both mtime and size is indistinguishable from no edit.
func (f WatchedFile) Fingerprint() string {
	return fmt.Sprintf("%d-%d", f.ModTime.UnixMilli(), f.Size)
}

// ProcessingRecord is the sidecar body persisted next to every processed file.
type ProcessingRecord struct {
	ProcessedAt  int64        `json:"processedAt"`
	FileHash     string       `json:"fileHash"`
	Status       RecordStatus `json:"status"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
}

// Completes reports whether the record marks fingerprint as already processed.
// Error records never do.
func (r *ProcessingRecord) Completes(fingerprint string) bool {
	return r != nil && r.Status == RecordSuccess && r.FileHash == fingerprint
}

// SidecarPath returns the path of the hidden record that belongs to source.
func SidecarPath(source string) string {
	dir, name := path.Split(source)
	return dir + "." + name + ".ocr.json"
}

// IsSidecar reports whether p names a sidecar record.
func IsSidecar(p string) bool {
	name := path.Base(p)
	return strings.HasPrefix(name, ".") && strings.HasSuffix(name, ".ocr.json")
}
