// Package ocr is the HTTP client for the remote handwriting transcription
// service. It owns the upload, poll and result protocol.
package ocr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path"
	"strings"
	"time"

	"github.com/Lllllllleong/scanwatch/internal/config"
	"github.com/Lllllllleong/scanwatch/internal/models"
)

const maxJSONBody = 8 << 20

// Client talks to the transcription service. A Client is immutable; build a
// new one when the API key or endpoint changes.
type Client struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	pollInterval time.Duration
	maxAttempts  int
	sleep        func(ctx context.Context, d time.Duration) error
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithPollPolicy sets the wait between status checks and the number of checks.
func WithPollPolicy(interval time.Duration, attempts int) Option {
	return func(c *Client) {
		c.pollInterval = interval
		c.maxAttempts = attempts
	}
}

// WithSleep replaces the function used to wait between status checks.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

// NewClient creates a client for the service at baseURL.
func NewClient(apiKey, baseURL string, opts ...Option) *Client {
	c := &Client{
		httpClient:   &http.Client{Timeout: 60 * time.Second},
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       strings.TrimSpace(apiKey),
		pollInterval: config.DefaultPollInterval,
		maxAttempts:  config.DefaultMaxPollAttempts,
		sleep:        sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewClientFromSettings creates a client using the key, endpoint and poll
// policy in s.
func NewClientFromSettings(s config.Settings, opts ...Option) *Client {
	base := []Option{WithPollPolicy(s.PollInterval, s.MaxPollAttempts)}
	return NewClient(s.APIKey, s.BaseURL, append(base, opts...)...)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GetUser returns the account behind the API key and its credit balance.
func (c *Client) GetUser(ctx context.Context) (*models.UserResponse, error) {
	resp, err := c.do(ctx, http.MethodGet, "/users/me", nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, errInvalidKey(resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, &models.Error{Kind: models.KindRemote, Reason: models.ReasonRequestFailed,
			Message: fmt.Sprintf("Account lookup failed (HTTP %d)", resp.StatusCode), Status: resp.StatusCode}
	}
	var user models.UserResponse
	if err := decodeJSON(resp.Body, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// Upload sends a file for transcription and returns the remote job ID.
func (c *Client) Upload(ctx context.Context, name string, data []byte) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("action", "transcribe"); err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, path.Base(name)))
	h.Set("Content-Type", contentTypeFor(name))
	part, err := mw.CreatePart(h)
	if err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return "", fmt.Errorf("failed to build upload form: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize upload form: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/documents", &body, mw.FormDataContentType())
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", uploadError(resp.StatusCode)
	}
	var up models.UploadResponse
	if err := decodeJSON(resp.Body, &up); err != nil {
		return "", err
	}
	if up.ID == "" {
		return "", models.NewError(models.KindRemote, models.ReasonMalformedResponse, "Upload response did not include a document ID")
	}
	return up.ID, nil
}

// PollStatus performs a single status check for job id.
func (c *Client) PollStatus(ctx context.Context, id string) (*models.StatusResponse, error) {
	resp, err := c.do(ctx, http.MethodGet, "/documents/"+id, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, errInvalidKey(resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, &models.Error{Kind: models.KindRemote, Reason: models.ReasonStatusCheckFailed,
			Message: fmt.Sprintf("Status check failed (HTTP %d)", resp.StatusCode), Status: resp.StatusCode}
	}
	var st models.StatusResponse
	if err := decodeJSON(resp.Body, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// FetchResult retrieves the transcripts of a processed job. An error field in
// the payload is a processing failure even when the HTTP status is 200.
func (c *Client) FetchResult(ctx context.Context, id string) (*models.DocumentJob, error) {
	resp, err := c.do(ctx, http.MethodGet, "/documents/"+id+".json", nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, errInvalidKey(resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, &models.Error{Kind: models.KindRemote, Reason: models.ReasonResultFetchFailed,
			Message: fmt.Sprintf("Fetching results failed (HTTP %d)", resp.StatusCode), Status: resp.StatusCode}
	}
	var result models.ResultResponse
	if err := decodeJSON(resp.Body, &result); err != nil {
		return nil, err
	}
	if result.Error != "" {
		return nil, models.NewError(models.KindRemote, models.ReasonProcessingFailed, result.Error)
	}
	return result.ToJob(), nil
}

// Process uploads a file and polls until the job reaches a terminal state or
// the attempt budget runs out. Every call starts a fresh remote job.
func (c *Client) Process(ctx context.Context, name string, data []byte) (*models.DocumentJob, error) {
	logCtx := slog.With("file", name)

	id, err := c.Upload(ctx, name, data)
	if err != nil {
		logCtx.Error("Upload failed", "error", err)
		return nil, err
	}
	logCtx = logCtx.With("jobId", id)
	logCtx.Info("Document uploaded, polling for results.", "pollInterval", c.pollInterval.String(), "maxAttempts", c.maxAttempts)

	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.sleep(ctx, c.pollInterval); err != nil {
			return nil, err
		}
		st, err := c.PollStatus(ctx, id)
		if err != nil {
			logCtx.Error("Status check failed", "attempt", attempt, "error", err)
			return nil, err
		}
		switch st.Status {
		case models.JobStatusProcessed:
			logCtx.Info("Document processed, fetching results.", "attempt", attempt)
			return c.FetchResult(ctx, id)
		case models.JobStatusFailed:
			msg := st.Error
			if msg == "" {
				msg = "Document processing failed"
			}
			logCtx.Error("Remote processing failed", "attempt", attempt, "error", msg)
			return nil, models.NewError(models.KindRemote, models.ReasonProcessingFailed, msg)
		}
		logCtx.Debug("Document not ready yet.", "attempt", attempt, "status", st.Status)
	}

	budget := time.Duration(c.maxAttempts) * c.pollInterval
	logCtx.Error("Gave up waiting for document.", "attempts", c.maxAttempts, "budget", budget.String())
	return nil, models.NewError(models.KindTimeout, models.ReasonTimeout,
		fmt.Sprintf("Processing timed out after %s", budget))
}

// DownloadThumbnail fetches a page preview with bearer auth. It returns the
// image bytes and their content type.
func (c *Client) DownloadThumbnail(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to build thumbnail request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", models.WrapError(models.KindRemote, models.ReasonRequestFailed, "Thumbnail download failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", &models.Error{Kind: models.KindRemote, Reason: models.ReasonRequestFailed,
			Message: fmt.Sprintf("Thumbnail download failed (HTTP %d)", resp.StatusCode), Status: resp.StatusCode}
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", models.WrapError(models.KindRemote, models.ReasonRequestFailed, "Thumbnail download failed", err)
	}
	return data, resp.Header.Get("Content-Type"), nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader, contentType string) (*http.Response, error) {
	if c.apiKey == "" {
		return nil, models.NewError(models.KindAuth, models.ReasonInvalidAPIKey, "API key missing")
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request %s %s: %w", method, endpoint, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, models.WrapError(models.KindRemote, models.ReasonRequestFailed,
			fmt.Sprintf("Request to %s failed", endpoint), err)
	}
	return resp, nil
}

func decodeJSON(r io.Reader, v any) error {
	if err := json.NewDecoder(io.LimitReader(r, maxJSONBody)).Decode(v); err != nil {
		return models.WrapError(models.KindRemote, models.ReasonMalformedResponse, "Malformed response from server", err)
	}
	return nil
}

func errInvalidKey(status int) error {
	return &models.Error{Kind: models.KindAuth, Reason: models.ReasonInvalidAPIKey, Message: "API key invalid", Status: status}
}

func uploadError(status int) error {
	switch status {
	case http.StatusUnauthorized:
		return errInvalidKey(status)
	case http.StatusForbidden:
		return &models.Error{Kind: models.KindQuota, Reason: models.ReasonInsufficientCredits, Message: "Insufficient credits", Status: status}
	case http.StatusRequestEntityTooLarge:
		return &models.Error{Kind: models.KindValidation, Reason: models.ReasonFileTooLarge, Message: "File too large", Status: status}
	case http.StatusUnsupportedMediaType:
		return &models.Error{Kind: models.KindValidation, Reason: models.ReasonUnsupportedType, Message: "Unsupported file type", Status: status}
	default:
		return &models.Error{Kind: models.KindRemote, Reason: models.ReasonUploadFailed,
			Message: fmt.Sprintf("Upload failed (HTTP %d)", status), Status: status}
	}
}

func contentTypeFor(name string) string {
	if ct := mime.TypeByExtension(strings.ToLower(path.Ext(name))); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
