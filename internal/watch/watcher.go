package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/fsnotify/fsnotify"

	"github.com/Lllllllleong/scanwatch/internal/vault"
)

// Watcher reports file creations and writes anywhere below a local vault root.
// Hidden directories (".git", ".obsidian", ...) are not watched.
//
// A file is reported once it has gone settle without another create or
// write, so a scanner or copy writing in chunks yields a single event.
type Watcher struct {
	local  *vault.Local
	fs     *fsnotify.Watcher
	settle time.Duration
	events chan cloudevents.Event

	// pending and gen are owned by the Run goroutine.
	pending map[string]*settling
	gen     uint64
	settled chan settledPath
	done    chan struct{}
}

type settling struct {
	op    Op
	gen   uint64
	timer *time.Timer
}

type settledPath struct {
	abs string
	gen uint64
}

// NewWatcher registers recursive watches on the vault root. A settle of zero
// reports every notification immediately.
func NewWatcher(local *vault.Local, settle time.Duration) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	w := &Watcher{
		local:   local,
		fs:      fw,
		settle:  settle,
		events:  make(chan cloudevents.Event, 256),
		pending: make(map[string]*settling),
		settled: make(chan settledPath),
		done:    make(chan struct{}),
	}
	if err := w.addTree(local.Root(), nil); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return w, nil
}

// Events returns the channel file events are delivered on. It is closed when
// Run returns.
func (w *Watcher) Events() <-chan cloudevents.Event { return w.events }

// Run forwards fsnotify notifications until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer close(w.events)
	defer w.fs.Close()
	defer w.stopPending()
	logCtx := slog.With("vaultRoot", w.local.Root(), "settle", w.settle)
	logCtx.Info("File watcher started.")

	for {
		select {
		case <-ctx.Done():
			logCtx.Info("File watcher stopped.")
			return nil
		case err, ok := <-w.fs.Errors:
			if !ok {
				return nil
			}
			logCtx.Warn("File watcher error", "error", err)
		case ev, ok := <-w.fs.Events:
			if !ok {
				return nil
			}
			w.handle(ctx, logCtx, ev)
		case sp := <-w.settled:
			s, ok := w.pending[sp.abs]
			if !ok || s.gen != sp.gen {
				continue
			}
			delete(w.pending, sp.abs)
			w.emit(ctx, s.op, sp.abs)
		}
	}
}

func (w *Watcher) handle(ctx context.Context, logCtx *slog.Logger, ev fsnotify.Event) {
	switch {
	case ev.Has(fsnotify.Create):
		info, err := os.Stat(ev.Name)
		if err != nil {
			return
		}
		if info.IsDir() {
			// Files moved in together with their folder never raise their own events.
			var found []string
			if err := w.addTree(ev.Name, &found); err != nil {
				logCtx.Warn("Failed to watch new folder", "path", ev.Name, "error", err)
			}
			for _, p := range found {
				w.schedule(ctx, OpCreated, p)
			}
			return
		}
		w.schedule(ctx, OpCreated, ev.Name)
	case ev.Has(fsnotify.Write):
		w.schedule(ctx, OpModified, ev.Name)
	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		if s, ok := w.pending[ev.Name]; ok {
			s.timer.Stop()
			delete(w.pending, ev.Name)
		}
	}
}

// schedule (re)starts the quiet period for abs. A file first seen as created
// is still reported as created after later writes.
func (w *Watcher) schedule(ctx context.Context, op Op, abs string) {
	if w.settle <= 0 {
		w.emit(ctx, op, abs)
		return
	}
	s, ok := w.pending[abs]
	if !ok {
		s = &settling{op: op}
		w.pending[abs] = s
	} else {
		s.timer.Stop()
		if op == OpCreated {
			s.op = OpCreated
		}
	}
	w.gen++
	s.gen = w.gen
	sp := settledPath{abs: abs, gen: s.gen}
	s.timer = time.AfterFunc(w.settle, func() {
		select {
		case w.settled <- sp:
		case <-w.done:
		}
	})
}

func (w *Watcher) stopPending() {
	close(w.done)
	for abs, s := range w.pending {
		s.timer.Stop()
		delete(w.pending, abs)
	}
}

func (w *Watcher) emit(ctx context.Context, op Op, abs string) {
	rel, ok := w.local.Rel(abs)
	if !ok {
		return
	}
	select {
	case w.events <- NewFileEvent(SourceLocal, op, rel):
	case <-ctx.Done():
	}
}

// addTree watches dir and every non-hidden folder below it. Regular files
// found on the way are appended to files when it is non-nil.
func (w *Watcher) addTree(dir string, files *[]string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if p != dir && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			if err := w.fs.Add(p); err != nil {
				return fmt.Errorf("failed to watch %s: %w", p, err)
			}
			return nil
		}
		if files != nil && d.Type().IsRegular() {
			*files = append(*files, p)
		}
		return nil
	})
}
