// Package sink talks to the status-tracking platform that displays run
// progress to the end user. Every reporting call is keyed by the run id from
// the inbound action message.
package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/lei/ci-relay/internal/models"
	"github.com/lei/ci-relay/internal/retry"
	"github.com/lei/ci-relay/pkg/logger"
)

// ReportError indicates a sink reporting call failed after retries.
// Mid-pipeline it propagates and halts the orchestration; only the optional
// entity-upsert step downgrades it to a warning.
type ReportError struct {
	Op    string
	RunID string
	Err   error
}

func (e *ReportError) Error() string {
	return fmt.Sprintf("sink %s for run %s: %v", e.Op, e.RunID, e.Err)
}

func (e *ReportError) Unwrap() error {
	return e.Err
}

// RunUpdate carries a status/label/link update for a run
type RunUpdate struct {
	Status models.BuildStatus `json:"status,omitempty"`
	Label  string             `json:"statusLabel,omitempty"`
	Link   string             `json:"link,omitempty"`
}

// Reporter is the sink surface the orchestrator depends on
type Reporter interface {
	UpdateRun(ctx context.Context, runID string, update RunUpdate) error
	AppendLog(ctx context.Context, runID, message string, terminal models.BuildStatus) error
	UpsertEntity(ctx context.Context, blueprint string, entity map[string]any, runID string) error
}

// Client is the HTTP sink client
type Client struct {
	baseURL      string
	tokenManager *TokenManager
	httpClient   *http.Client
	retryCfg     retry.Config
	logger       *logger.Logger
}

// NewClient creates a new sink client
func NewClient(baseURL string, tokenManager *TokenManager, log *logger.Logger) *Client {
	return &Client{
		baseURL:      baseURL,
		tokenManager: tokenManager,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		retryCfg:     retry.DefaultConfig,
		logger:       log,
	}
}

// UpdateRun patches status, label, and link on a run
func (c *Client) UpdateRun(ctx context.Context, runID string, update RunUpdate) error {
	path := fmt.Sprintf("/v1/actions/runs/%s", url.PathEscape(runID))
	if err := c.doJSON(ctx, "PATCH", path, update); err != nil {
		return &ReportError{Op: "update run", RunID: runID, Err: err}
	}
	return nil
}

// AppendLog appends a log message to a run. A non-empty terminal status
// closes the run and may be set at most once; the sink rejects repeats.
func (c *Client) AppendLog(ctx context.Context, runID, message string, terminal models.BuildStatus) error {
	body := map[string]any{"message": message}
	if terminal != "" {
		body["terminationStatus"] = terminal
	}

	path := fmt.Sprintf("/v1/actions/runs/%s/logs", url.PathEscape(runID))
	if err := c.doJSON(ctx, "POST", path, body); err != nil {
		return &ReportError{Op: "append log", RunID: runID, Err: err}
	}
	return nil
}

// UpsertEntity creates or updates an entity under a blueprint, optionally
// linked to a run
func (c *Client) UpsertEntity(ctx context.Context, blueprint string, entity map[string]any, runID string) error {
	path := fmt.Sprintf("/v1/blueprints/%s/entities?upsert=true", url.PathEscape(blueprint))
	if runID != "" {
		path += "&run_id=" + url.QueryEscape(runID)
	}

	if err := c.doJSON(ctx, "POST", path, entity); err != nil {
		return &ReportError{Op: "upsert entity", RunID: runID, Err: err}
	}
	return nil
}

// doJSON performs an authenticated JSON request with retry and backoff
func (c *Client) doJSON(ctx context.Context, method, path string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal body: %w", err)
	}

	return retry.Do(ctx, c.retryCfg, func(ctx context.Context) error {
		return c.doOnce(ctx, method, path, payload)
	})
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte) error {
	c.logger.Debug("sink: http request", "method", method, "path", path)

	token, err := c.tokenManager.GetToken(ctx)
	if err != nil {
		c.logger.Error("sink: failed to get token", "error", err)
		return fmt.Errorf("get token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error("sink: http request failed", "method", method, "path", path, "error", err)
		return err
	}
	defer resp.Body.Close()

	c.logger.Debug("sink: http response", "method", method, "path", path, "status", resp.StatusCode)

	if resp.StatusCode == http.StatusUnauthorized {
		// Stale token; invalidate so the next attempt refreshes
		c.tokenManager.InvalidateToken()
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, string(respBody))
	}

	return nil
}
