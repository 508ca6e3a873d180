package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"

	"github.com/Lllllllleong/scanwatch/internal/config"
	"github.com/Lllllllleong/scanwatch/internal/models"
	"github.com/Lllllllleong/scanwatch/internal/vault"
	"github.com/Lllllllleong/scanwatch/internal/watch"
)

// Dependencies are the collaborators of an AutoProcessor. Only Vault is
// required.
type Dependencies struct {
	Vault    vault.Vault
	Factory  TranscriberFactory
	Notifier Notifier
	History  HistoryRecorder
	Hook     CompletionHook
}

// pipeline is everything derived from one settings snapshot.
type pipeline struct {
	settings    config.Settings
	detector    *ChangeDetector
	validator   *Validator
	transcriber Transcriber
	output      *OutputWriter
}

// AutoProcessor wires file change events to the change detector and the
// processing queue, and records every attempt's outcome.
type AutoProcessor struct {
	vault    vault.Vault
	factory  TranscriberFactory
	notifier Notifier
	history  HistoryRecorder
	hook     CompletionHook
	store    *MetadataStore
	queue    *ProcessingQueue
	now      func() time.Time

	mu         sync.RWMutex
	current    *pipeline
	subscribed bool
	readyAt    time.Time
}

// NewAutoProcessor builds the pipeline for settings. ctx bounds every
// processing attempt started by the queue.
func NewAutoProcessor(ctx context.Context, settings config.Settings, deps Dependencies) (*AutoProcessor, error) {
	if deps.Vault == nil {
		return nil, fmt.Errorf("a vault is required")
	}
	p := &AutoProcessor{
		vault:    deps.Vault,
		factory:  deps.Factory,
		notifier: deps.Notifier,
		history:  deps.History,
		hook:     deps.Hook,
		store:    NewMetadataStore(deps.Vault),
		now:      time.Now,
	}
	if p.factory == nil {
		p.factory = DefaultTranscriberFactory
	}
	if p.notifier == nil {
		p.notifier = LogNotifier{}
	}
	p.queue = NewProcessingQueue(ctx, p.processFile)

	pl, err := p.build(ctx, settings)
	if err != nil {
		return nil, err
	}
	p.current = pl
	return p, nil
}

func (p *AutoProcessor) build(ctx context.Context, settings config.Settings) (*pipeline, error) {
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings: %w", err)
	}
	transcriber, err := p.factory(ctx, settings)
	if err != nil {
		return nil, fmt.Errorf("failed to build transcriber: %w", err)
	}
	thumbs, _ := transcriber.(ThumbnailFetcher)
	return &pipeline{
		settings:    settings,
		detector:    NewChangeDetector(settings, p.vault, p.store),
		validator:   NewValidator(settings),
		transcriber: transcriber,
		output:      NewOutputWriter(settings, p.vault, thumbs),
	}, nil
}

func (p *AutoProcessor) snapshot() *pipeline {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Store returns the metadata store backing the processor.
func (p *AutoProcessor) Store() *MetadataStore { return p.store }

// Queue returns the processing queue.
func (p *AutoProcessor) Queue() *ProcessingQueue { return p.queue }

// Start subscribes the processor to file events. Events received during the
// startup grace period are dropped: the host re-announces existing files
// while it starts, and reacting to them would reprocess the whole watch
// folder.
func (p *AutoProcessor) Start() {
	pl := p.snapshot()
	p.mu.Lock()
	p.readyAt = p.now().Add(pl.settings.StartupGrace)
	p.subscribed = pl.settings.Active()
	p.mu.Unlock()

	slog.Info("Auto-processor started.",
		"watchFolder", pl.settings.WatchFolder,
		"enabled", pl.settings.Active(),
		"startupGrace", pl.settings.StartupGrace.String(),
		"outputAction", pl.settings.OutputAction)
}

// Run starts the processor and handles events until ctx is done or the
// channel closes.
func (p *AutoProcessor) Run(ctx context.Context, events <-chan cloudevents.Event) error {
	p.Start()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			p.HandleEvent(ctx, ev)
		}
	}
}

// HandleEvent reacts to a single file change notification. It reports
// whether the file was enqueued.
func (p *AutoProcessor) HandleEvent(ctx context.Context, ev cloudevents.Event) bool {
	p.mu.RLock()
	subscribed, readyAt, pl := p.subscribed, p.readyAt, p.current
	p.mu.RUnlock()

	if !subscribed {
		return false
	}
	if p.now().Before(readyAt) {
		slog.Debug("Ignoring event during startup grace period.", "eventId", ev.ID(), "type", ev.Type())
		return false
	}

	fe, err := watch.ParseFileEvent(ev)
	if err != nil {
		if !errors.Is(err, watch.ErrIgnoredEvent) {
			slog.Warn("Dropping malformed file event", "eventId", ev.ID(), "error", err)
		}
		return false
	}
	path := config.CleanPath(fe.Path)
	if !pl.detector.ShouldProcess(ctx, path) {
		return false
	}
	if !p.queue.Enqueue(models.WatchedFile{Path: path}) {
		slog.Debug("File already queued.", "path", path)
		return false
	}
	slog.Info("File queued for processing.", "path", path, "op", fe.Op, "pending", p.queue.Len())
	return true
}

// ProcessNow queues path regardless of its processing record. Type and size
// are still validated locally so that no credit is spent on a file the
// service would reject.
func (p *AutoProcessor) ProcessNow(ctx context.Context, path string) error {
	pl := p.snapshot()
	path = config.CleanPath(path)
	file, err := p.vault.Stat(ctx, path)
	if err != nil {
		return models.WrapError(models.KindLocalIO, models.ReasonReadFailed, "File not found", err)
	}
	if err := pl.validator.CheckFile(file); err != nil {
		return err
	}
	if !p.queue.Enqueue(file) {
		slog.Debug("File already queued.", "path", path)
	}
	return nil
}

// Disable stops reacting to events and drops every file that has not started.
func (p *AutoProcessor) Disable() {
	p.mu.Lock()
	p.subscribed = false
	next := *p.current
	next.settings.Enabled = false
	next.detector = NewChangeDetector(next.settings, p.vault, p.store)
	p.current = &next
	p.mu.Unlock()

	p.queue.Clear()
	slog.Info("Auto-processing disabled.")
}

// Reconfigure replaces the pipeline with one built from settings. Files
// already queued keep their place but are processed with the new settings.
// If the new settings disable auto-processing, the queue is cleared.
func (p *AutoProcessor) Reconfigure(ctx context.Context, settings config.Settings) error {
	pl, err := p.build(ctx, settings)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.current = pl
	p.subscribed = settings.Active()
	p.mu.Unlock()

	if !settings.Active() {
		p.queue.Clear()
	}
	slog.Info("Auto-processor reconfigured.", "enabled", settings.Active(), "watchFolder", settings.WatchFolder)
	return nil
}

// Wait blocks until the queue is idle.
func (p *AutoProcessor) Wait(ctx context.Context) error {
	return p.queue.Wait(ctx)
}

type outcome struct {
	job      *models.DocumentJob
	file     models.WatchedFile
	notePath string
	pages    int
}

// processFile is the queue callback: one complete attempt on one file.
func (p *AutoProcessor) processFile(ctx context.Context, queued models.WatchedFile) error {
	pl := p.snapshot()
	attemptID := uuid.NewString()
	logCtx := slog.With("path", queued.Path, "attemptId", attemptID)
	started := p.now()

	file, err := p.vault.Stat(ctx, queued.Path)
	if err != nil {
		err = models.WrapError(models.KindLocalIO, models.ReasonReadFailed, "File could not be read", err)
		return p.handleError(ctx, logCtx, attemptID, started, queued, outcome{}, err)
	}
	// A file that changed type or size while queued is rejected without a
	// processing record, like any other file that fails local checks.
	if err := pl.validator.CheckFile(file); err != nil {
		logCtx.Warn("File rejected before processing", "reason", models.ReasonOf(err), "error", err)
		p.notifier.Notify(models.UserMessage(err))
		return err
	}

	logCtx.Info("Processing file.")
	p.notifier.Notify(fmt.Sprintf("Processing %s...", queued.Name()))

	out, err := p.attempt(ctx, logCtx, pl, file)
	if err != nil {
		return p.handleError(ctx, logCtx, attemptID, started, queued, out, err)
	}

	p.store.Write(ctx, queued.Path, models.RecordSuccess, "")
	logCtx.Info("File processed.", "jobId", out.job.ID, "pages", out.job.PageCount, "note", out.notePath)
	p.notifier.Notify(fmt.Sprintf("Transcribed %s to %s", queued.Name(), out.notePath))

	p.record(ctx, logCtx, models.Attempt{
		AttemptID:  attemptID,
		SourcePath: queued.Path,
		FileHash:   out.file.Fingerprint(),
		Status:     string(models.RecordSuccess),
		JobID:      out.job.ID,
		PageCount:  out.job.PageCount,
		OutputPath: out.notePath,
		Duration:   p.now().Sub(started).Seconds(),
		CreatedAt:  started,
	})
	if p.hook != nil {
		if err := p.hook.OnTranscribed(ctx, out.file, out.notePath, out.job); err != nil {
			logCtx.Warn("Completion hook failed", "error", err)
		}
	}
	return nil
}

func (p *AutoProcessor) attempt(ctx context.Context, logCtx *slog.Logger, pl *pipeline, file models.WatchedFile) (outcome, error) {
	out := outcome{file: file}

	data, err := p.vault.ReadBinary(ctx, file.Path)
	if err != nil {
		return out, models.WrapError(models.KindLocalIO, models.ReasonReadFailed, "File could not be read", err)
	}
	if out.pages, err = pl.validator.CheckContent(file, data); err != nil {
		return out, err
	}
	logCtx.Debug("File validated locally.", "size", len(data), "pages", out.pages)

	if out.job, err = pl.transcriber.Process(ctx, file.Name(), data); err != nil {
		return out, err
	}
	if out.notePath, err = pl.output.Write(ctx, file, out.job); err != nil {
		return out, models.WrapError(models.KindLocalIO, models.ReasonWriteFailed, "Failed to save transcription", err)
	}
	return out, nil
}

func (p *AutoProcessor) handleError(ctx context.Context, logCtx *slog.Logger, attemptID string, started time.Time, queued models.WatchedFile, out outcome, err error) error {
	logCtx.Error("Processing attempt failed", "reason", models.ReasonOf(err), "error", err)
	p.store.Write(ctx, queued.Path, models.RecordError, err.Error())
	p.notifier.Notify(models.UserMessage(err))

	attempt := models.Attempt{
		AttemptID:    attemptID,
		SourcePath:   queued.Path,
		Status:       string(models.RecordError),
		ErrorDetails: err.Error(),
		ErrorReason:  models.ReasonOf(err),
		PageCount:    out.pages,
		Duration:     p.now().Sub(started).Seconds(),
		CreatedAt:    started,
	}
	if out.file.Path != "" {
		attempt.FileHash = out.file.Fingerprint()
	}
	if out.job != nil {
		attempt.JobID = out.job.ID
	}
	p.record(ctx, logCtx, attempt)
	return err
}

func (p *AutoProcessor) record(ctx context.Context, logCtx *slog.Logger, attempt models.Attempt) {
	if p.history == nil {
		return
	}
	if err := p.history.RecordAttempt(ctx, attempt); err != nil {
		logCtx.Warn("Failed to record attempt history", "error", err)
	}
}
