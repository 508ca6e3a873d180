package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"cloud.google.com/go/storage"
	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/Lllllllleong/scanwatch/internal/app"
	"github.com/Lllllllleong/scanwatch/internal/config"
	"github.com/Lllllllleong/scanwatch/internal/gcp"
	"github.com/Lllllllleong/scanwatch/internal/services"
)

var (
	instance *app.App
	once     sync.Once
	initErr  error
)

func init() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	functions.CloudEvent("TranscribeUpload", transcribeUpload)
}

// main is required by the Go Functions Framework.
func main() {}

// newInstance builds a processor over the bucket named by WATCH_BUCKET.
// Every invocation is a fresh object upload, so there is no startup grace.
func newInstance(ctx context.Context) (*app.App, error) {
	settings, err := config.Load()
	if err != nil {
		return nil, err
	}
	if settings.Bucket == "" {
		return nil, fmt.Errorf("WATCH_BUCKET environment variable must be set")
	}
	settings.StartupGrace = 0

	storageClient, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	bucket := gcp.NewBucketVault(storageClient, settings.Bucket)

	a, err := app.New(ctx, settings, bucket, services.LogNotifier{})
	if err != nil {
		return nil, err
	}
	a.Processor.Start()
	slog.Info("Transcription trigger initialized.", "bucket", bucket.Name(), "watchFolder", settings.WatchFolder)
	return a, nil
}

// transcribeUpload is the Cloud Function entry point for object-finalized events.
func transcribeUpload(ctx context.Context, e cloudevents.Event) error {
	once.Do(func() {
		instance, initErr = newInstance(context.Background())
	})
	if initErr != nil {
		slog.Error("Critical error during function initialization", "error", initErr)
		return initErr
	}

	if !instance.Processor.HandleEvent(ctx, e) {
		slog.Debug("Object not eligible for transcription.", "eventId", e.ID(), "subject", e.Subject())
		return nil
	}

	// Failures are recorded in the sidecar. Returning them would make the
	// platform retry and spend credits again.
	return instance.Processor.Wait(ctx)
}
