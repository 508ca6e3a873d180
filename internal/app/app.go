// Package app assembles the auto-processor and its optional Google Cloud
// collaborators from settings. Both binaries share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/Lllllllleong/scanwatch/internal/config"
	"github.com/Lllllllleong/scanwatch/internal/gcp"
	"github.com/Lllllllleong/scanwatch/internal/services"
	"github.com/Lllllllleong/scanwatch/internal/vault"
)

// App owns the processor and every client created for it.
type App struct {
	Processor *services.AutoProcessor
	History   *gcp.FirestoreHistory

	mu      sync.Mutex
	closers []io.Closer
}

// New builds the processor for settings over v. History and the workflow
// hook are only created when their settings are present.
func New(ctx context.Context, s config.Settings, v vault.Vault, notifier services.Notifier) (*App, error) {
	a := &App{}
	deps := services.Dependencies{
		Vault:    v,
		Factory:  a.transcriber,
		Notifier: notifier,
	}

	if s.HistoryCollection != "" {
		client, err := gcp.NewFirestoreClient(ctx, s.ProjectID)
		if err != nil {
			return nil, err
		}
		a.History = gcp.NewFirestoreHistory(client, s.HistoryCollection)
		a.track(a.History)
		deps.History = a.History
	}
	if s.WorkflowID != "" {
		hook, err := gcp.NewWorkflowHook(ctx, s.ProjectID, s.WorkflowLocation, s.WorkflowID)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.track(hook)
		deps.Hook = hook
	}

	proc, err := services.NewAutoProcessor(ctx, s, deps)
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("failed to create auto-processor: %w", err)
	}
	a.Processor = proc
	return a, nil
}

// transcriber is the processor's TranscriberFactory. It is called again on
// every Reconfigure.
func (a *App) transcriber(ctx context.Context, s config.Settings) (services.Transcriber, error) {
	return NewTranscriber(ctx, s, a.track)
}

// NewTranscriber selects the transcription backend named by s.Transcriber.
// Clients that hold connections are passed to track.
func NewTranscriber(ctx context.Context, s config.Settings, track func(io.Closer)) (services.Transcriber, error) {
	switch s.Transcriber {
	case config.BackendVertex:
		t, err := gcp.NewVertexTranscriber(ctx, s.ProjectID, s.VertexRegion, s.VertexModel)
		if err != nil {
			return nil, err
		}
		if track != nil {
			track(t)
		}
		return t, nil
	case config.BackendHandwriting, "":
		return services.DefaultTranscriberFactory(ctx, s)
	default:
		return nil, fmt.Errorf("unknown transcriber %q", s.Transcriber)
	}
}

func (a *App) track(c io.Closer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closers = append(a.closers, c)
}

// Close releases every client the app created.
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var errs []error
	for _, c := range a.closers {
		errs = append(errs, c.Close())
	}
	a.closers = nil
	return errors.Join(errs...)
}
