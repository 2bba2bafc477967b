package circleci

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lei/ci-relay/internal/models"
)

// mapWorkflow converts a workflow document to the shared status shape
func mapWorkflow(wf *Workflow) *models.BuildStatusInfo {
	status := mapWorkflowStatus(wf.Status)

	var durationMs int64
	if !wf.StoppedAt.IsZero() && !wf.CreatedAt.IsZero() {
		durationMs = wf.StoppedAt.Sub(wf.CreatedAt).Milliseconds()
	}

	return &models.BuildStatusInfo{
		BuildID:     wf.ID,
		BuildNumber: wf.PipelineNumber,
		Status:      status,
		Result:      wf.Status,
		Building:    status == models.StatusRunning,
		DurationMs:  durationMs,
		TimestampMs: wf.CreatedAt.UnixMilli(),
	}
}

// mapWorkflowStatus classifies a native workflow status string. Unrecognized
// codes map to pending.
func mapWorkflowStatus(status string) models.BuildStatus {
	switch status {
	case "success":
		return models.StatusSuccess
	case "failed", "failing", "error", "unauthorized":
		return models.StatusFailure
	case "canceled":
		return models.StatusCancelled
	case "running", "on_hold":
		return models.StatusRunning
	default:
		return models.StatusPending
	}
}

// mapJobStage converts a native job status into a stage code. Jobs the
// workflow has not reached yet carry the not-executed sentinel so the
// orchestrator skips them.
func mapJobStage(status string) string {
	switch status {
	case "not_running", "blocked", "queued":
		return models.StageNotExecuted
	default:
		return strings.ToUpper(status)
	}
}

func jobDurationMillis(job Job) int64 {
	if job.StoppedAt.IsZero() || job.StartedAt.IsZero() {
		return 0
	}
	return job.StoppedAt.Sub(job.StartedAt).Milliseconds()
}

// webhookEvent is the payload CircleCI posts for workflow-completed events
type webhookEvent struct {
	Type     string `json:"type"`
	Pipeline struct {
		ID     string `json:"id"`
		Number int    `json:"number"`
		VCS    struct {
			Branch   string `json:"branch"`
			Revision string `json:"revision"`
		} `json:"vcs"`
	} `json:"pipeline"`
	Workflow struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Status string `json:"status"`
		URL    string `json:"url"`
	} `json:"workflow"`
}

// ParseWebhookPayload implements Provider.ParseWebhookPayload
func (a *Adapter) ParseWebhookPayload(payload []byte) (*models.NormalizedBuildData, error) {
	var event webhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("parse circleci webhook: %w", err)
	}

	return &models.NormalizedBuildData{
		BuildID:     event.Workflow.ID,
		BuildNumber: event.Pipeline.Number,
		BuildURL:    event.Workflow.URL,
		Status:      mapWorkflowStatus(event.Workflow.Status),
		Result:      event.Workflow.Status,
		Branch:      event.Pipeline.VCS.Branch,
		Commit:      event.Pipeline.VCS.Revision,
		JobName:     event.Workflow.Name,
	}, nil
}

// NormalizeBuildData implements Provider.NormalizeBuildData
func (a *Adapter) NormalizeBuildData(partial *models.NormalizedBuildData) *models.NormalizedBuildData {
	out := models.NormalizedBuildData{}
	if partial != nil {
		out = *partial
	}

	out.Provider = ProviderName
	if out.Status == "" {
		out.Status = models.StatusPending
	}
	if out.BuildURL == "" && out.BuildID != "" {
		out.BuildURL = a.workflowURL(out.BuildNumber, out.BuildID)
	}
	if out.JobName == "" {
		out.JobName = a.cfg["project_slug"]
	}

	return &out
}
