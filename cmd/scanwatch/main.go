package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/scanwatch/internal/app"
	"github.com/Lllllllleong/scanwatch/internal/config"
	"github.com/Lllllllleong/scanwatch/internal/models"
	"github.com/Lllllllleong/scanwatch/internal/ocr"
	"github.com/Lllllllleong/scanwatch/internal/services"
	"github.com/Lllllllleong/scanwatch/internal/vault"
	"github.com/Lllllllleong/scanwatch/internal/watch"
)

const usage = `usage: scanwatch [command] [args]

commands:
  run             watch the vault and transcribe new scans (default)
  check           verify the API key and show the remaining credits
  process <path>  transcribe one file now, even if it was processed before
  status <path>   show the processing record of a file
`

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := run(os.Args[1:]); err != nil {
		slog.Error("scanwatch failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("scanwatch", flag.ContinueOnError)
	fs.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := fs.Parse(args); err != nil {
		return err
	}
	cmd, rest := "run", fs.Args()
	if len(rest) > 0 {
		cmd, rest = rest[0], rest[1:]
	}

	settings, err := config.Load()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case "run":
		return runDaemon(ctx, settings)
	case "check":
		return checkAccount(ctx, settings)
	case "process":
		if len(rest) != 1 {
			return errors.New("process needs exactly one path")
		}
		return processOne(ctx, settings, rest[0])
	case "status":
		if len(rest) != 1 {
			return errors.New("status needs exactly one path")
		}
		return showStatus(ctx, settings, rest[0])
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// consoleNotifier prints notifications for an interactive user.
type consoleNotifier struct{}

func (consoleNotifier) Notify(message string) {
	fmt.Fprintln(os.Stderr, message)
}

func runDaemon(ctx context.Context, settings config.Settings) error {
	local, err := vault.NewLocal(settings.VaultRoot)
	if err != nil {
		return err
	}
	watcher, err := watch.NewWatcher(local, settings.SettleDelay)
	if err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	a, err := app.New(ctx, settings, local, services.LogNotifier{})
	if err != nil {
		return err
	}
	defer a.Close()

	slog.Info("Watching vault.", "root", local.Root(), "watchFolder", settings.WatchFolder, "transcriber", settings.Transcriber)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return watcher.Run(gctx) })
	g.Go(func() error { return a.Processor.Run(gctx, watcher.Events()) })
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("Shutting down.", "pending", a.Processor.Queue().Len())
	return nil
}

func checkAccount(ctx context.Context, settings config.Settings) error {
	if settings.Transcriber != config.BackendHandwriting {
		fmt.Printf("Transcriber %q does not use an API key.\n", settings.Transcriber)
		return nil
	}
	user, err := ocr.NewClientFromSettings(settings).GetUser(ctx)
	if err != nil {
		return errors.New(models.UserMessage(err))
	}
	fmt.Printf("Signed in as %s <%s>. Credits remaining: %d\n", user.Name, user.Email, user.Credits)
	return nil
}

func processOne(ctx context.Context, settings config.Settings, p string) error {
	local, err := vault.NewLocal(settings.VaultRoot)
	if err != nil {
		return err
	}
	a, err := app.New(ctx, settings, local, consoleNotifier{})
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.Processor.ProcessNow(ctx, p); err != nil {
		return errors.New(models.UserMessage(err))
	}
	if err := a.Processor.Wait(ctx); err != nil {
		return err
	}
	record, ok := a.Processor.Store().Read(ctx, config.CleanPath(p))
	if ok && record.ErrorMessage != "" {
		return errors.New(record.ErrorMessage)
	}
	return nil
}

func showStatus(ctx context.Context, settings config.Settings, p string) error {
	local, err := vault.NewLocal(settings.VaultRoot)
	if err != nil {
		return err
	}
	a, err := app.New(ctx, settings, local, services.LogNotifier{})
	if err != nil {
		return err
	}
	defer a.Close()

	p = config.CleanPath(p)
	out := map[string]any{"path": p}
	if record, ok := a.Processor.Store().Read(ctx, p); ok {
		out["record"] = record
		out["processedAt"] = time.UnixMilli(record.ProcessedAt).Format(time.RFC3339)
	} else {
		out["record"] = nil
	}
	if file, err := local.Stat(ctx, p); err == nil {
		out["fileHash"] = file.Fingerprint()
	}
	if a.History != nil {
		attempts, err := a.History.RecentAttempts(ctx, p, 5)
		if err != nil {
			return err
		}
		out["history"] = attempts
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
