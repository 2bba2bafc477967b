// Package circleci implements the provider contract against the CircleCI
// API. CircleCI has no incremental log endpoint, so log streaming is a
// single pass over the finished workflow's jobs, one header plus full output
// per job.
package circleci

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lei/ci-relay/internal/models"
	"github.com/lei/ci-relay/internal/provider"
	"github.com/lei/ci-relay/internal/retry"
	"github.com/lei/ci-relay/pkg/logger"
)

const (
	// ProviderName is the registry name of this provider
	ProviderName = "circleci"

	streamErrorBound    = 5
	resolveAttemptBound = 10
)

// Adapter implements the Provider interface for CircleCI. The workflow id is
// the build id; the pipeline number is surfaced as the build number.
type Adapter struct {
	client *Client
	cfg    provider.Config
	logger *logger.Logger

	streamDelay  time.Duration
	resolveDelay time.Duration

	mu       sync.Mutex
	terminal map[string]*models.BuildStatusInfo
}

// New constructs a CircleCI adapter from opaque configuration
func New(cfg provider.Config, log *logger.Logger) (provider.Provider, error) {
	a := &Adapter{
		cfg:          cfg,
		logger:       log,
		streamDelay:  2 * time.Second,
		resolveDelay: time.Second,
		terminal:     make(map[string]*models.BuildStatusInfo),
	}
	a.client = NewClient(cfg.Get("base_url", DefaultBaseURL), cfg["api_token"], cfg["project_slug"], log)
	return a, nil
}

// Name implements Provider.Name
func (a *Adapter) Name() string {
	return ProviderName
}

// ValidateConfig implements Provider.ValidateConfig
func (a *Adapter) ValidateConfig() error {
	for _, field := range []string{"api_token", "project_slug"} {
		if _, err := a.cfg.Require(field); err != nil {
			return err
		}
	}
	return nil
}

// TriggerBuild implements Provider.TriggerBuild. The pipeline trigger
// response carries the pipeline id; the workflow id used for all later polls
// is resolved with a bounded wait because workflows spawn asynchronously.
func (a *Adapter) TriggerBuild(ctx context.Context, params map[string]any) (*models.BuildInfo, error) {
	// A branch parameter selects the pipeline branch instead of passing
	// through; the caller's map stays untouched.
	branch := a.cfg.Get("branch", "")
	pipelineParams := make(map[string]any, len(params))
	for k, v := range params {
		if k == "branch" {
			if b, ok := v.(string); ok && b != "" {
				branch = b
			}
			continue
		}
		pipelineParams[k] = v
	}

	pipeline, err := a.client.TriggerPipeline(ctx, branch, pipelineParams)
	if err != nil {
		a.logger.Error("circleci: failed to trigger pipeline", "error", err)
		return nil, &provider.TriggerError{Provider: ProviderName, Err: err}
	}

	a.logger.Debug("circleci: pipeline created",
		"pipeline_id", pipeline.ID,
		"pipeline_number", pipeline.Number)

	var workflow *Workflow
	for attempt := 0; attempt < resolveAttemptBound; attempt++ {
		workflows, err := a.client.GetPipelineWorkflows(ctx, pipeline.ID)
		if err == nil && len(workflows) > 0 {
			workflow = &workflows[0]
			break
		}
		if err := retry.Sleep(ctx, a.resolveDelay); err != nil {
			return nil, &provider.TriggerError{Provider: ProviderName, Err: err}
		}
	}
	if workflow == nil {
		a.logger.Error("circleci: no workflow appeared for pipeline", "pipeline_id", pipeline.ID)
		return nil, &provider.TriggerError{Provider: ProviderName, Err: provider.ErrNoBuildID}
	}

	a.logger.Info("circleci: workflow resolved",
		"workflow_id", workflow.ID,
		"workflow", workflow.Name,
		"pipeline_number", pipeline.Number)

	return &models.BuildInfo{
		BuildID:     workflow.ID,
		BuildNumber: pipeline.Number,
		BuildURL:    a.workflowURL(pipeline.Number, workflow.ID),
	}, nil
}

// GetBuildStatus implements Provider.GetBuildStatus
func (a *Adapter) GetBuildStatus(ctx context.Context, buildID string) (*models.BuildStatusInfo, error) {
	a.mu.Lock()
	if cached, ok := a.terminal[buildID]; ok {
		a.mu.Unlock()
		return cached, nil
	}
	a.mu.Unlock()

	workflow, err := a.client.GetWorkflow(ctx, buildID)
	if err != nil {
		return nil, &provider.PollError{Provider: ProviderName, BuildID: buildID, Err: err}
	}

	status := mapWorkflow(workflow)
	if status.Status.Terminal() {
		a.mu.Lock()
		a.terminal[buildID] = status
		a.mu.Unlock()
	}

	return status, nil
}

// StreamLogs implements Provider.StreamLogs. Output only becomes available
// per job after the job completes, so the stream waits for the workflow to
// stop, then walks its jobs exactly once: header chunk, then full content.
func (a *Adapter) StreamLogs(ctx context.Context, buildID string, onChunk func(chunk string)) error {
	consecutiveErrors := 0
	var lastErr error

	for {
		status, err := a.GetBuildStatus(ctx, buildID)
		if err != nil {
			consecutiveErrors++
			lastErr = err
			if consecutiveErrors >= streamErrorBound {
				return &provider.StreamExhaustedError{
					Provider: ProviderName,
					BuildID:  buildID,
					Attempts: streamErrorBound,
					Err:      lastErr,
				}
			}
			if err := retry.Sleep(ctx, a.streamDelay); err != nil {
				return err
			}
			continue
		}

		consecutiveErrors = 0
		if !status.Building {
			break
		}
		if err := retry.Sleep(ctx, a.streamDelay); err != nil {
			return err
		}
	}

	jobs, err := a.client.GetWorkflowJobs(ctx, buildID)
	if err != nil {
		return &provider.PollError{Provider: ProviderName, BuildID: buildID, Err: err}
	}

	for _, job := range jobs {
		onChunk(fmt.Sprintf("=== %s ===\n", job.Name))

		if job.JobNumber == 0 {
			// Approval and never-started jobs have no output
			continue
		}
		output, err := a.client.GetJobOutput(ctx, job.JobNumber)
		if err != nil {
			a.logger.Warn("circleci: failed to fetch job output",
				"workflow_id", buildID,
				"job", job.Name,
				"error", err)
			continue
		}
		if output != "" {
			onChunk(output)
		}
	}

	return nil
}

// GetCompleteLogs implements Provider.GetCompleteLogs by concatenating the
// same per-job chunks the stream produces
func (a *Adapter) GetCompleteLogs(ctx context.Context, buildID string) (string, error) {
	jobs, err := a.client.GetWorkflowJobs(ctx, buildID)
	if err != nil {
		return "", &provider.PollError{Provider: ProviderName, BuildID: buildID, Err: err}
	}

	var b strings.Builder
	for _, job := range jobs {
		fmt.Fprintf(&b, "=== %s ===\n", job.Name)
		if job.JobNumber == 0 {
			continue
		}
		output, err := a.client.GetJobOutput(ctx, job.JobNumber)
		if err != nil {
			continue
		}
		b.WriteString(output)
	}
	return b.String(), nil
}

// GetBuildStages implements StageLister; workflow jobs double as stages
func (a *Adapter) GetBuildStages(ctx context.Context, buildID string) ([]models.StageInfo, error) {
	jobs, err := a.client.GetWorkflowJobs(ctx, buildID)
	if err != nil {
		return nil, &provider.PollError{Provider: ProviderName, BuildID: buildID, Err: err}
	}

	stages := make([]models.StageInfo, 0, len(jobs))
	for _, job := range jobs {
		stages = append(stages, models.StageInfo{
			Name:           job.Name,
			Status:         mapJobStage(job.Status),
			DurationMillis: jobDurationMillis(job),
		})
	}
	return stages, nil
}

// ValidateWebhook implements Provider.ValidateWebhook. CircleCI signs
// webhook bodies with HMAC-SHA256 and sends "v1=<hex>" in the
// circleci-signature header.
func (a *Adapter) ValidateWebhook(header http.Header, payload []byte) bool {
	secret := a.cfg["webhook_secret"]
	if secret == "" {
		return true
	}

	signature := header.Get("circleci-signature")
	var provided string
	for _, part := range strings.Split(signature, ",") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(part), "v1="); ok {
			provided = v
		}
	}
	if provided == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(provided), []byte(expected))
}

func (a *Adapter) workflowURL(pipelineNumber int, workflowID string) string {
	return fmt.Sprintf("https://app.circleci.com/pipelines/%s/%d/workflows/%s",
		a.cfg["project_slug"], pipelineNumber, workflowID)
}
