package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/scanwatch/internal/config"
	"github.com/Lllllllleong/scanwatch/internal/models"
	"github.com/Lllllllleong/scanwatch/internal/ocr"
	"github.com/Lllllllleong/scanwatch/internal/vault"
	"github.com/Lllllllleong/scanwatch/internal/watch"
)

type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
}

func (n *recordingNotifier) Notify(message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
}

func (n *recordingNotifier) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.messages...)
}

type recordingHistory struct {
	mu       sync.Mutex
	attempts []models.Attempt
}

func (h *recordingHistory) RecordAttempt(_ context.Context, a models.Attempt) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempts = append(h.attempts, a)
	return nil
}

// remoteService fakes the transcription API. uploadStatus overrides the
// upload response code when non-zero.
type remoteService struct {
	uploadStatus int32
	uploads      int32
}

func (s *remoteService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/documents":
		atomic.AddInt32(&s.uploads, 1)
		if code := atomic.LoadInt32(&s.uploadStatus); code != 0 {
			w.WriteHeader(int(code))
			return
		}
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(models.UploadResponse{ID: "doc-1", Status: models.JobStatusNew})
	case r.URL.Path == "/documents/doc-1":
		_ = json.NewEncoder(w).Encode(models.StatusResponse{ID: "doc-1", Status: models.JobStatusProcessed})
	case r.URL.Path == "/documents/doc-1.json":
		_ = json.NewEncoder(w).Encode(models.ResultResponse{
			ID: "doc-1", FileName: "note.pdf", PageCount: 2, Status: models.JobStatusProcessed,
			Results: []models.ResultPage{
				{PageNumber: 1, Transcript: "Groceries: milk, eggs"},
				{PageNumber: 2, Transcript: "Call the plumber"},
			},
		})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type harness struct {
	proc     *AutoProcessor
	vault    *vault.Memory
	notifier *recordingNotifier
	history  *recordingHistory
	remote   *remoteService
}

func newHarness(t *testing.T, s config.Settings, factory TranscriberFactory) *harness {
	t.Helper()
	h := &harness{
		vault:    vault.NewMemory(),
		notifier: &recordingNotifier{},
		history:  &recordingHistory{},
		remote:   &remoteService{},
	}
	if factory == nil {
		srv := httptest.NewServer(h.remote)
		t.Cleanup(srv.Close)
		s.BaseURL = srv.URL
		factory = func(_ context.Context, s config.Settings) (Transcriber, error) {
			return ocr.NewClientFromSettings(s, ocr.WithSleep(func(context.Context, time.Duration) error { return nil })), nil
		}
	}
	proc, err := NewAutoProcessor(context.Background(), s, Dependencies{
		Vault:    h.vault,
		Factory:  factory,
		Notifier: h.notifier,
		History:  h.history,
	})
	require.NoError(t, err)
	h.proc = proc
	return h
}

func (h *harness) drop(t *testing.T, p string, data []byte) bool {
	t.Helper()
	h.vault.Put(p, data, baseTime)
	return h.proc.HandleEvent(context.Background(), watch.NewFileEvent(watch.SourceLocal, watch.OpCreated, p))
}

func (h *harness) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.proc.Wait(ctx))
}

func TestAutoProcessor_ScenarioA_NewNote(t *testing.T) {
	h := newHarness(t, testSettings(), nil)
	h.proc.Start()
	pdf := minimalPDF(2)

	require.True(t, h.drop(t, "Inbox/note.pdf", pdf))
	h.wait(t)

	note, err := h.vault.Read(context.Background(), "Transcriptions/note.md")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(note, "## Page "))
	assert.Contains(t, note, "Groceries: milk, eggs")
	assert.Contains(t, note, "Source: [[Inbox/note.pdf]]")

	raw, err := h.vault.Read(context.Background(), "Inbox/.note.pdf.ocr.json")
	require.NoError(t, err)
	var record models.ProcessingRecord
	require.NoError(t, json.Unmarshal([]byte(raw), &record))
	assert.Equal(t, models.RecordSuccess, record.Status)
	assert.Equal(t, models.WatchedFile{Size: int64(len(pdf)), ModTime: baseTime}.Fingerprint(), record.FileHash)
	assert.Empty(t, record.ErrorMessage)

	assert.Equal(t, []string{"Processing note.pdf...", "Transcribed note.pdf to Transcriptions/note.md"}, h.notifier.all())
	require.Len(t, h.history.attempts, 1)
	assert.Equal(t, "success", h.history.attempts[0].Status)
	assert.Equal(t, "doc-1", h.history.attempts[0].JobID)

	t.Run("unchanged file is not processed again", func(t *testing.T) {
		assert.False(t, h.proc.HandleEvent(context.Background(),
			watch.NewFileEvent(watch.SourceLocal, watch.OpModified, "Inbox/note.pdf")))
		assert.Equal(t, int32(1), atomic.LoadInt32(&h.remote.uploads))
	})
}

func TestAutoProcessor_ScenarioB_InsufficientCredits(t *testing.T) {
	h := newHarness(t, testSettings(), nil)
	atomic.StoreInt32(&h.remote.uploadStatus, http.StatusForbidden)
	h.proc.Start()

	require.True(t, h.drop(t, "Inbox/scan.png", []byte("png-bytes")))
	h.wait(t)

	assert.Equal(t, []string{"Inbox/.scan.png.ocr.json", "Inbox/scan.png"}, h.vault.Paths(), "no output artifact")
	record, ok := h.proc.Store().Read(context.Background(), "Inbox/scan.png")
	require.True(t, ok)
	assert.Equal(t, models.RecordError, record.Status)
	assert.Equal(t, "Insufficient credits", record.ErrorMessage)

	msgs := h.notifier.all()
	require.Len(t, msgs, 2)
	assert.True(t, strings.HasPrefix(msgs[1], "Insufficient credits"), msgs[1])

	t.Run("error record does not block retry", func(t *testing.T) {
		atomic.StoreInt32(&h.remote.uploadStatus, 0)
		assert.True(t, h.proc.HandleEvent(context.Background(),
			watch.NewFileEvent(watch.SourceLocal, watch.OpModified, "Inbox/scan.png")))
		h.wait(t)
		record, _ := h.proc.Store().Read(context.Background(), "Inbox/scan.png")
		assert.Equal(t, models.RecordSuccess, record.Status)
	})
}

// blockingTranscriber tracks concurrent calls and the order they start in.
type blockingTranscriber struct {
	mu       sync.Mutex
	order    []string
	inFlight int32
	overlap  int32
}

func (b *blockingTranscriber) Process(_ context.Context, name string, _ []byte) (*models.DocumentJob, error) {
	if atomic.AddInt32(&b.inFlight, 1) > 1 {
		atomic.StoreInt32(&b.overlap, 1)
	}
	defer atomic.AddInt32(&b.inFlight, -1)
	b.mu.Lock()
	b.order = append(b.order, name)
	b.mu.Unlock()
	time.Sleep(5 * time.Millisecond)
	return &models.DocumentJob{ID: "job-" + name, Status: models.JobStatusProcessed,
		Pages: []models.PageTranscript{{PageNumber: 1, Transcript: name}}}, nil
}

func TestAutoProcessor_ScenarioC_SimultaneousDrop(t *testing.T) {
	bt := &blockingTranscriber{}
	h := newHarness(t, testSettings(), func(context.Context, config.Settings) (Transcriber, error) { return bt, nil })
	h.proc.Start()

	for _, name := range []string{"one.png", "two.jpg", "three.webp"} {
		require.True(t, h.drop(t, "Inbox/"+name, []byte(name)))
	}
	h.wait(t)

	assert.Equal(t, []string{"one.png", "two.jpg", "three.webp"}, bt.order)
	assert.Zero(t, atomic.LoadInt32(&bt.overlap))
	var processing []string
	for _, m := range h.notifier.all() {
		if strings.HasPrefix(m, "Processing ") {
			processing = append(processing, m)
		}
	}
	assert.Equal(t, []string{"Processing one.png...", "Processing two.jpg...", "Processing three.webp..."}, processing)
}

func TestAutoProcessor_StartupGracePeriod(t *testing.T) {
	s := testSettings()
	s.StartupGrace = time.Minute
	h := newHarness(t, s, func(context.Context, config.Settings) (Transcriber, error) { return &blockingTranscriber{}, nil })
	now := baseTime
	h.proc.now = func() time.Time { return now }

	assert.False(t, h.drop(t, "Inbox/early.png", []byte("x")), "not subscribed before start")
	h.proc.Start()
	assert.False(t, h.drop(t, "Inbox/early.png", []byte("x")), "inside grace period")

	now = now.Add(time.Minute)
	assert.True(t, h.drop(t, "Inbox/late.png", []byte("x")))
	h.wait(t)
}

func TestAutoProcessor_DisableClearsQueue(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var calls int32
	factory := func(context.Context, config.Settings) (Transcriber, error) {
		return transcriberFunc(func(ctx context.Context, name string, data []byte) (*models.DocumentJob, error) {
			if atomic.AddInt32(&calls, 1) == 1 {
				close(started)
				<-release
			}
			return &models.DocumentJob{ID: name}, nil
		}), nil
	}
	h := newHarness(t, testSettings(), factory)
	h.proc.Start()

	require.True(t, h.drop(t, "Inbox/a.png", []byte("a")))
	<-started
	require.True(t, h.drop(t, "Inbox/b.png", []byte("b")))
	h.proc.Disable()
	assert.False(t, h.drop(t, "Inbox/c.png", []byte("c")), "events ignored after disable")
	close(release)
	h.wait(t)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	record, ok := h.proc.Store().Read(context.Background(), "Inbox/a.png")
	require.True(t, ok, "in-flight result is still recorded")
	assert.Equal(t, models.RecordSuccess, record.Status)
}

func TestAutoProcessor_Reconfigure(t *testing.T) {
	h := newHarness(t, testSettings(), func(context.Context, config.Settings) (Transcriber, error) { return &blockingTranscriber{}, nil })
	h.proc.Start()

	s := testSettings()
	s.WatchFolder = "Scans"
	require.NoError(t, h.proc.Reconfigure(context.Background(), s))
	assert.False(t, h.drop(t, "Inbox/a.png", []byte("a")))
	assert.True(t, h.drop(t, "Scans/a.png", []byte("a")))
	h.wait(t)

	s.OutputAction = "bogus"
	assert.Error(t, h.proc.Reconfigure(context.Background(), s))
}

func TestAutoProcessor_ProcessNow(t *testing.T) {
	h := newHarness(t, testSettings(), nil)
	ctx := context.Background()
	pdf := minimalPDF(1)
	h.vault.Put("Elsewhere/note.pdf", pdf, baseTime)
	h.proc.Store().Write(ctx, "Elsewhere/note.pdf", models.RecordSuccess, "")

	require.NoError(t, h.proc.ProcessNow(ctx, "Elsewhere/note.pdf"))
	h.wait(t)
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.remote.uploads))

	h.vault.Put("Elsewhere/doc.docx", []byte("x"), baseTime)
	err := h.proc.ProcessNow(ctx, "Elsewhere/doc.docx")
	assert.True(t, models.IsKind(err, models.KindValidation))

	err = h.proc.ProcessNow(ctx, "Elsewhere/missing.pdf")
	assert.True(t, models.IsKind(err, models.KindLocalIO))
}

func TestAutoProcessor_CorruptPDFSpendsNoCredit(t *testing.T) {
	h := newHarness(t, testSettings(), nil)
	h.proc.Start()

	require.True(t, h.drop(t, "Inbox/broken.pdf", []byte("%PDF-garbage")))
	h.wait(t)

	assert.Zero(t, atomic.LoadInt32(&h.remote.uploads))
	record, ok := h.proc.Store().Read(context.Background(), "Inbox/broken.pdf")
	require.True(t, ok)
	assert.Equal(t, models.RecordError, record.Status)
	require.Len(t, h.history.attempts, 1)
	assert.Equal(t, models.ReasonInvalidDocument, h.history.attempts[0].ErrorReason)
}

func TestAutoProcessor_IgnoresForeignEvents(t *testing.T) {
	h := newHarness(t, testSettings(), nil)
	h.proc.Start()

	ev := watch.NewFileEvent(watch.SourceLocal, watch.OpCreated, "Inbox/x.png")
	ev.SetType("com.example.other")
	assert.False(t, h.proc.HandleEvent(context.Background(), ev))
}

type transcriberFunc func(ctx context.Context, name string, data []byte) (*models.DocumentJob, error)

func (f transcriberFunc) Process(ctx context.Context, name string, data []byte) (*models.DocumentJob, error) {
	return f(ctx, name, data)
}

// gatedFactory builds transcribers that hold the call for first.png until
// release is closed.
func gatedFactory(calls *int32, started chan<- struct{}, release <-chan struct{}) TranscriberFactory {
	return func(context.Context, config.Settings) (Transcriber, error) {
		return transcriberFunc(func(_ context.Context, name string, _ []byte) (*models.DocumentJob, error) {
			atomic.AddInt32(calls, 1)
			if name == "first.png" {
				close(started)
				<-release
			}
			return &models.DocumentJob{ID: "job-" + name, Status: models.JobStatusProcessed,
				Pages: []models.PageTranscript{{PageNumber: 1, Transcript: name}}}, nil
		}), nil
	}
}

func TestAutoProcessor_ProcessNowKeepsOneQueueEntry(t *testing.T) {
	var calls int32
	started, release := make(chan struct{}), make(chan struct{})
	h := newHarness(t, testSettings(), gatedFactory(&calls, started, release))
	ctx := context.Background()
	h.vault.Put("Inbox/first.png", []byte("first"), baseTime)
	h.vault.Put("Inbox/second.png", []byte("second"), baseTime)

	require.NoError(t, h.proc.ProcessNow(ctx, "Inbox/first.png"))
	<-started
	require.NoError(t, h.proc.ProcessNow(ctx, "Inbox/second.png"))
	require.NoError(t, h.proc.ProcessNow(ctx, "Inbox/second.png"), "a pending file is not an error")
	assert.Equal(t, 1, h.proc.queue.Len())

	close(release)
	h.wait(t)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestAutoProcessor_FileGrownWhileQueuedGetsNoRecord(t *testing.T) {
	var calls int32
	started, release := make(chan struct{}), make(chan struct{})
	s := testSettings()
	s.MaxFileSize = 16
	h := newHarness(t, s, gatedFactory(&calls, started, release))
	h.proc.Start()

	require.True(t, h.drop(t, "Inbox/first.png", []byte("first")))
	<-started
	require.True(t, h.drop(t, "Inbox/big.png", []byte("small")))
	h.vault.Put("Inbox/big.png", make([]byte, 64), baseTime.Add(time.Second))
	close(release)
	h.wait(t)

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "nothing was sent for big.png")
	_, ok := h.proc.Store().Read(context.Background(), "Inbox/big.png")
	assert.False(t, ok, "no sidecar for a file rejected before its attempt")
	assert.Contains(t, h.notifier.all(), "File too large.")
	assert.NotContains(t, h.notifier.all(), "Processing big.png...")

	h.history.mu.Lock()
	defer h.history.mu.Unlock()
	require.Len(t, h.history.attempts, 1)
	assert.Equal(t, "Inbox/first.png", h.history.attempts[0].SourcePath)
}
