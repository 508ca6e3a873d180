package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"mime"
	"path"
	"sort"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"github.com/google/uuid"

	"github.com/Lllllllleong/scanwatch/internal/models"
)

const TranscriberSystemPrompt = "You are a handwriting transcription engine. Your task is to transcribe handwritten and printed text from scanned pages exactly as written. You must output your response as a valid JSON array."
const TranscriberUserPrompt = `You will be provided with a scanned document, either a PDF or a single image.

Follow these rules precisely:
1.  Transcribe every page in order. An image is a single page.
2.  Preserve line breaks and list structure. Do not correct spelling or grammar.
3.  Mark words you cannot read as [illegible].
4.  Create a JSON object for each page with exactly two keys:
    - "pageNumber": the 1-based page number.
    - "transcript": the full text of the page, or an empty string if the page has no text.
5.  The final output MUST be a single, valid JSON array of these objects. Do not include any text before or after the JSON array.`

// VertexTranscriber transcribes documents with a Gemini model instead of the
// handwriting service. It completes synchronously, so there is no polling.
type VertexTranscriber struct {
	model      *genai.GenerativeModel
	baseClient *genai.Client
}

// NewVertexTranscriber creates the client and configures the model for JSON output.
func NewVertexTranscriber(ctx context.Context, projectID, region, modelName string) (*VertexTranscriber, error) {
	if projectID == "" || region == "" {
		return nil, fmt.Errorf("NewVertexTranscriber: projectID and region cannot be empty")
	}

	baseClient, err := genai.NewClient(ctx, projectID, region)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}

	model := baseClient.GenerativeModel(modelName)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(TranscriberSystemPrompt)},
	}
	model.GenerationConfig = genai.GenerationConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](0.0),
	}
	model.SafetySettings = []*genai.SafetySetting{
		{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockNone},
		{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockNone},
	}

	return &VertexTranscriber{model: model, baseClient: baseClient}, nil
}

func (t *VertexTranscriber) Process(ctx context.Context, name string, data []byte) (*models.DocumentJob, error) {
	jobID := "vertex-" + uuid.NewString()
	logCtx := slog.With("jobId", jobID, "fileName", name)
	logCtx.Info("Starting transcription.", "size", len(data))

	blob := genai.Blob{MIMEType: mimeTypeFor(name), Data: data}
	resp, err := t.model.GenerateContent(ctx, blob, genai.Text(TranscriberUserPrompt))
	if err != nil {
		logCtx.Error("Vertex AI request failed", "error", err)
		return nil, models.WrapError(models.KindRemote, models.ReasonRequestFailed, "Transcription request failed", err)
	}

	pages, err := parsePages(extractText(resp))
	if err != nil {
		logCtx.Error("Could not parse model output", "error", err)
		return nil, err
	}
	logCtx.Info("Transcription complete.", "pages", len(pages))
	return &models.DocumentJob{
		ID:        jobID,
		FileName:  name,
		Status:    models.JobStatusProcessed,
		PageCount: len(pages),
		Pages:     pages,
	}, nil
}

func (t *VertexTranscriber) Close() error {
	if t.baseClient != nil {
		return t.baseClient.Close()
	}
	return nil
}

// extractText concatenates the text parts of the first candidate and strips
// any code fence the model wrapped around them.
func extractText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	return stripFence(sb.String())
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

var refusalPhrases = []string{
	"i am unable to",
	"i cannot fulfill",
	"i cannot provide",
	"as a large language model",
}

type vertexPage struct {
	PageNumber int    `json:"pageNumber"`
	Transcript string `json:"transcript"`
}

// parsePages decodes the model output into page transcripts ordered by page
// number. Pages without a number are numbered by position.
func parsePages(text string) ([]models.PageTranscript, error) {
	if text == "" {
		return nil, models.NewError(models.KindRemote, models.ReasonMalformedResponse, "Empty response from model")
	}
	lower := strings.ToLower(text)
	for _, phrase := range refusalPhrases {
		if strings.HasPrefix(lower, phrase) {
			return nil, models.NewError(models.KindRemote, models.ReasonProcessingFailed, "Model refused to transcribe the document")
		}
	}

	var raw []vertexPage
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return nil, models.WrapError(models.KindRemote, models.ReasonMalformedResponse, "Malformed response from model", err)
	}
	pages := make([]models.PageTranscript, 0, len(raw))
	for i, p := range raw {
		n := p.PageNumber
		if n <= 0 {
			n = i + 1
		}
		pages = append(pages, models.PageTranscript{PageNumber: n, Transcript: p.Transcript})
	}
	sort.SliceStable(pages, func(i, j int) bool { return pages[i].PageNumber < pages[j].PageNumber })
	return pages, nil
}

func mimeTypeFor(name string) string {
	ext := strings.ToLower(path.Ext(name))
	switch ext {
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".tif", ".tiff":
		return "image/tiff"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
