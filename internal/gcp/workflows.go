package gcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	executions "cloud.google.com/go/workflows/executions/apiv1"
	"cloud.google.com/go/workflows/executions/apiv1/executionspb"

	"github.com/Lllllllleong/scanwatch/internal/models"
)

// WorkflowHook starts a Cloud Workflows execution for every finished
// transcription, handing downstream steps the note it produced.
type WorkflowHook struct {
	client *executions.Client
	parent string
}

func NewWorkflowHook(ctx context.Context, projectID, location, workflowID string) (*WorkflowHook, error) {
	if projectID == "" || workflowID == "" {
		return nil, fmt.Errorf("NewWorkflowHook: projectID and workflowID cannot be empty")
	}
	client, err := executions.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create Workflows Executions client: %w", err)
	}
	return &WorkflowHook{
		client: client,
		parent: fmt.Sprintf("projects/%s/locations/%s/workflows/%s", projectID, location, workflowID),
	}, nil
}

// WorkflowArgument is the JSON argument of each execution.
type WorkflowArgument struct {
	SourcePath string `json:"sourcePath"`
	NotePath   string `json:"notePath"`
	JobID      string `json:"jobId"`
	PageCount  int    `json:"pageCount"`
	FileHash   string `json:"fileHash"`
}

func NewWorkflowArgument(source models.WatchedFile, notePath string, job *models.DocumentJob) WorkflowArgument {
	return WorkflowArgument{
		SourcePath: source.Path,
		NotePath:   notePath,
		JobID:      job.ID,
		PageCount:  job.PageCount,
		FileHash:   source.Fingerprint(),
	}
}

func (h *WorkflowHook) OnTranscribed(ctx context.Context, source models.WatchedFile, notePath string, job *models.DocumentJob) error {
	payloadBytes, err := json.Marshal(NewWorkflowArgument(source, notePath, job))
	if err != nil {
		return fmt.Errorf("failed to marshal workflow payload: %w", err)
	}
	req := &executionspb.CreateExecutionRequest{
		Parent: h.parent,
		Execution: &executionspb.Execution{
			Argument: string(payloadBytes),
		},
	}
	exec, err := h.client.CreateExecution(ctx, req)
	if err != nil {
		return fmt.Errorf("failed to trigger workflow execution: %w", err)
	}
	slog.Info("Workflow triggered.", "workflow", h.parent, "execution", exec.GetName(), "notePath", notePath)
	return nil
}

func (h *WorkflowHook) Close() error {
	return h.client.Close()
}
