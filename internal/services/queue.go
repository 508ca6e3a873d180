package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Lllllllleong/scanwatch/internal/models"
)

// ProcessFunc handles one queued file. Its error is logged by the queue and
// never stops the drain.
type ProcessFunc func(ctx context.Context, file models.WatchedFile) error

// ProcessingQueue runs ProcessFunc over enqueued files strictly one at a time
// in FIFO order. A path that is already pending is not added twice; once its
// processing has started it may be enqueued again.
type ProcessingQueue struct {
	ctx     context.Context
	process ProcessFunc

	mu      sync.Mutex
	pending []models.WatchedFile
	index   map[string]struct{}
	running bool
	idle    chan struct{}
}

// NewProcessingQueue creates an idle queue. ctx is passed to every callback;
// once it is done no further entries are started.
func NewProcessingQueue(ctx context.Context, process ProcessFunc) *ProcessingQueue {
	return &ProcessingQueue{
		ctx:     ctx,
		process: process,
		index:   map[string]struct{}{},
	}
}

// Enqueue appends file unless its path is already pending, and starts
// draining if the queue is idle. It reports whether the file was added.
func (q *ProcessingQueue) Enqueue(file models.WatchedFile) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.index[file.Path]; ok {
		return false
	}
	q.pending = append(q.pending, file)
	q.index[file.Path] = struct{}{}

	if !q.running {
		q.running = true
		q.idle = make(chan struct{})
		go q.drain(q.idle)
	}
	return true
}

// Clear drops every pending entry. A callback that already started runs to
// completion.
func (q *ProcessingQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n := len(q.pending); n > 0 {
		slog.Info("Discarding queued files.", "count", n)
	}
	q.pending = nil
	q.index = map[string]struct{}{}
}

// Len returns the number of files waiting to start.
func (q *ProcessingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Busy reports whether the queue is draining.
func (q *ProcessingQueue) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Wait blocks until the queue is idle or ctx is done.
func (q *ProcessingQueue) Wait(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		// A new drain may have started right after this one finished.
		return q.Wait(ctx)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *ProcessingQueue) drain(idle chan struct{}) {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 || q.ctx.Err() != nil {
			if n := len(q.pending); n > 0 {
				slog.Info("Shutting down, leaving queued files for the next run.", "count", n)
			}
			q.running = false
			q.mu.Unlock()
			close(idle)
			return
		}
		file := q.pending[0]
		q.pending[0] = models.WatchedFile{}
		q.pending = q.pending[1:]
		delete(q.index, file.Path)
		remaining := len(q.pending)
		q.mu.Unlock()

		if err := q.run(file); err != nil {
			slog.Error("Processing failed, continuing with next file.", "path", file.Path, "remaining", remaining, "error", err)
		}
	}
}

func (q *ProcessingQueue) run(file models.WatchedFile) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing %s: %v", file.Path, r)
		}
	}()
	return q.process(q.ctx, file)
}
