package circleci

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lei/ci-relay/pkg/logger"
)

// DefaultBaseURL is the public CircleCI API endpoint
const DefaultBaseURL = "https://circleci.com/api/v2"

// Client handles HTTP communication with the CircleCI API
type Client struct {
	baseURL     string
	apiToken    string
	projectSlug string
	httpClient  *http.Client
	logger      *logger.Logger
}

// NewClient creates a new CircleCI API client
func NewClient(baseURL, apiToken, projectSlug string, log *logger.Logger) *Client {
	return &Client{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		apiToken:    apiToken,
		projectSlug: projectSlug,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		logger:      log,
	}
}

// Pipeline is the trigger response
type Pipeline struct {
	ID     string `json:"id"`
	Number int    `json:"number"`
	State  string `json:"state"`
}

// Workflow is one workflow of a pipeline
type Workflow struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Status         string    `json:"status"`
	PipelineNumber int       `json:"pipeline_number"`
	CreatedAt      time.Time `json:"created_at"`
	StoppedAt      time.Time `json:"stopped_at"`
}

// Job is one job of a workflow
type Job struct {
	ID        string    `json:"id"`
	JobNumber int       `json:"job_number"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at"`
}

type itemList[T any] struct {
	Items []T `json:"items"`
}

// doJSON performs an authenticated request and decodes the response into out
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Circle-Token", c.apiToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("circleci: http request", "method", method, "path", path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("circleci api: %d %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// TriggerPipeline starts a pipeline on the configured project
func (c *Client) TriggerPipeline(ctx context.Context, branch string, params map[string]any) (*Pipeline, error) {
	body := map[string]any{}
	if branch != "" {
		body["branch"] = branch
	}
	if len(params) > 0 {
		body["parameters"] = params
	}

	var pipeline Pipeline
	path := fmt.Sprintf("/project/%s/pipeline", c.projectSlug)
	if err := c.doJSON(ctx, "POST", path, body, &pipeline); err != nil {
		return nil, err
	}
	return &pipeline, nil
}

// GetPipelineWorkflows lists the workflows spawned by a pipeline
func (c *Client) GetPipelineWorkflows(ctx context.Context, pipelineID string) ([]Workflow, error) {
	var list itemList[Workflow]
	path := fmt.Sprintf("/pipeline/%s/workflow", url.PathEscape(pipelineID))
	if err := c.doJSON(ctx, "GET", path, nil, &list); err != nil {
		return nil, err
	}
	return list.Items, nil
}

// GetWorkflow fetches the status of one workflow
func (c *Client) GetWorkflow(ctx context.Context, workflowID string) (*Workflow, error) {
	var wf Workflow
	path := fmt.Sprintf("/workflow/%s", url.PathEscape(workflowID))
	if err := c.doJSON(ctx, "GET", path, nil, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// GetWorkflowJobs lists the jobs of a workflow
func (c *Client) GetWorkflowJobs(ctx context.Context, workflowID string) ([]Job, error) {
	var list itemList[Job]
	path := fmt.Sprintf("/workflow/%s/job", url.PathEscape(workflowID))
	if err := c.doJSON(ctx, "GET", path, nil, &list); err != nil {
		return nil, err
	}
	return list.Items, nil
}

// GetJobOutput fetches the combined step output of one job
func (c *Client) GetJobOutput(ctx context.Context, jobNumber int) (string, error) {
	var messages []struct {
		Message string `json:"message"`
	}
	path := fmt.Sprintf("/project/%s/%d/output", c.projectSlug, jobNumber)
	if err := c.doJSON(ctx, "GET", path, nil, &messages); err != nil {
		return "", err
	}

	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Message)
	}
	return b.String(), nil
}
