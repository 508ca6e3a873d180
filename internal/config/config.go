package config

import (
	"fmt"
	"log/slog"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// OutputAction selects where a finished transcription is written.
type OutputAction string

const (
	OutputNewNote      OutputAction = "new-note"
	OutputAppendSource OutputAction = "append-source"
)

// Transcriber backends.
const (
	BackendHandwriting = "handwriting"
	BackendVertex      = "vertex"
)

const (
	DefaultBaseURL         = "https://www.handwritingocr.com/api/v3"
	DefaultMaxFileSize     = 20 * 1024 * 1024
	DefaultPollInterval    = 2 * time.Second
	DefaultMaxPollAttempts = 60
	DefaultStartupGrace    = 3 * time.Second
	DefaultSettleDelay     = 2 * time.Second
)

// DefaultSupportedTypes lists the extensions the remote service accepts.
var DefaultSupportedTypes = []string{"pdf", "png", "jpg", "jpeg", "gif", "bmp", "tif", "tiff", "webp", "heic"}

// Settings is an immutable snapshot of the configuration. Components receive
// a copy at construction time; changing settings means building new components.
type Settings struct {
	Enabled           bool
	VaultRoot         string
	WatchFolder       string
	OutputAction      OutputAction
	NoteFolder        string
	ImageFolder       string
	IncludeThumbnails bool

	APIKey          string
	BaseURL         string
	MaxFileSize     int64
	SupportedTypes  []string
	PollInterval    time.Duration
	MaxPollAttempts int
	StartupGrace    time.Duration
	SettleDelay     time.Duration

	Transcriber  string
	ProjectID    string
	VertexRegion string
	VertexModel  string

	Bucket            string
	HistoryCollection string
	WorkflowID        string
	WorkflowLocation  string
}

// Defaults returns the settings used when nothing is configured.
func Defaults() Settings {
	return Settings{
		VaultRoot:       ".",
		OutputAction:    OutputNewNote,
		NoteFolder:      "Transcriptions",
		ImageFolder:     "Transcriptions/images",
		BaseURL:         DefaultBaseURL,
		MaxFileSize:     DefaultMaxFileSize,
		SupportedTypes:  append([]string(nil), DefaultSupportedTypes...),
		PollInterval:    DefaultPollInterval,
		MaxPollAttempts: DefaultMaxPollAttempts,
		StartupGrace:    DefaultStartupGrace,
		SettleDelay:     DefaultSettleDelay,
		Transcriber:     BackendHandwriting,
		VertexRegion:    "us-central1",
		VertexModel:     "gemini-1.5-pro",
	}
}

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		slog.Warn("Ignoring invalid boolean setting", "key", key, "value", value)
		return fallback
	}
	return b
}

func getEnvInt(key string, fallback int64) int64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		slog.Warn("Ignoring invalid integer setting", "key", key, "value", value)
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		slog.Warn("Ignoring invalid duration setting", "key", key, "value", value)
		return fallback
	}
	return d
}

// Load reads settings from a .env file (if present) and the environment.
func Load() (Settings, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug(".env not found, using environment variables")
	}

	d := Defaults()
	s := Settings{
		Enabled:           getEnvBool("SCANWATCH_ENABLED", true),
		VaultRoot:         GetEnv("VAULT_ROOT", d.VaultRoot),
		WatchFolder:       GetEnv("WATCH_FOLDER", ""),
		OutputAction:      OutputAction(GetEnv("OUTPUT_ACTION", string(d.OutputAction))),
		NoteFolder:        GetEnv("NOTE_FOLDER", d.NoteFolder),
		ImageFolder:       GetEnv("IMAGE_FOLDER", d.ImageFolder),
		IncludeThumbnails: getEnvBool("INCLUDE_THUMBNAILS", false),
		APIKey:            GetEnv("OCR_API_KEY", ""),
		BaseURL:           GetEnv("OCR_BASE_URL", d.BaseURL),
		MaxFileSize:       getEnvInt("MAX_FILE_SIZE", d.MaxFileSize),
		SupportedTypes:    d.SupportedTypes,
		PollInterval:      getEnvDuration("POLL_INTERVAL", d.PollInterval),
		MaxPollAttempts:   int(getEnvInt("MAX_POLL_ATTEMPTS", int64(d.MaxPollAttempts))),
		StartupGrace:      getEnvDuration("STARTUP_GRACE", d.StartupGrace),
		SettleDelay:       getEnvDuration("SETTLE_DELAY", d.SettleDelay),
		Transcriber:       GetEnv("TRANSCRIBER", d.Transcriber),
		ProjectID:         GetEnv("PROJECT_ID", ""),
		VertexRegion:      GetEnv("VERTEX_AI_REGION", d.VertexRegion),
		VertexModel:       GetEnv("VERTEX_AI_MODEL", d.VertexModel),
		Bucket:            GetEnv("WATCH_BUCKET", ""),
		HistoryCollection: GetEnv("FIRESTORE_COLLECTION", ""),
		WorkflowID:        GetEnv("WORKFLOW_ID", ""),
		WorkflowLocation:  GetEnv("WORKFLOW_LOCATION", "us-central1"),
	}
	if types := GetEnv("SUPPORTED_TYPES", ""); types != "" {
		s.SupportedTypes = splitList(types)
	}

	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return s, nil
}

// Validate checks the settings for values the pipeline cannot work with.
func (s Settings) Validate() error {
	switch s.OutputAction {
	case OutputNewNote, OutputAppendSource:
	default:
		return fmt.Errorf("OUTPUT_ACTION must be %q or %q, got %q", OutputNewNote, OutputAppendSource, s.OutputAction)
	}
	switch s.Transcriber {
	case BackendHandwriting:
		if s.BaseURL == "" {
			return fmt.Errorf("OCR_BASE_URL must not be empty")
		}
	case BackendVertex:
		if s.ProjectID == "" {
			return fmt.Errorf("PROJECT_ID must be set for the vertex transcriber")
		}
	default:
		return fmt.Errorf("unknown TRANSCRIBER %q", s.Transcriber)
	}
	if s.MaxPollAttempts <= 0 {
		return fmt.Errorf("MAX_POLL_ATTEMPTS must be positive")
	}
	if s.PollInterval < 0 || s.StartupGrace < 0 || s.SettleDelay < 0 {
		return fmt.Errorf("POLL_INTERVAL, STARTUP_GRACE and SETTLE_DELAY must not be negative")
	}
	if s.MaxFileSize <= 0 {
		return fmt.Errorf("MAX_FILE_SIZE must be positive")
	}
	return nil
}

// Active reports whether auto-processing is enabled and has a watch location.
func (s Settings) Active() bool {
	return s.Enabled && strings.TrimSpace(s.WatchFolder) != ""
}

// Watches reports whether p lies inside the watch folder. A watch folder of
// "/" covers the whole vault.
func (s Settings) Watches(p string) bool {
	if CleanPath(s.WatchFolder) == "" {
		return strings.TrimSpace(s.WatchFolder) != "" && CleanPath(p) != ""
	}
	return Within(s.WatchFolder, p)
}

// Within reports whether p lies strictly below folder. The root folder
// contains nothing by this definition.
func Within(folder, p string) bool {
	folder, p = CleanPath(folder), CleanPath(p)
	return folder != "" && strings.HasPrefix(p, folder+"/")
}

// Supports reports whether ext (without dot, any case) is a supported type.
func (s Settings) Supports(ext string) bool {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	for _, t := range s.SupportedTypes {
		if t == ext {
			return true
		}
	}
	return false
}

// CleanPath normalizes a vault path: slash separated, no leading or trailing slash.
func CleanPath(p string) string {
	p = strings.ReplaceAll(strings.TrimSpace(p), "\\", "/")
	if p == "" {
		return ""
	}
	p = strings.Trim(path.Clean("/"+p), "/")
	return p
}

func splitList(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		item = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(item), "."))
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
