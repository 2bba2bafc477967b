// Package jenkins implements the provider contract against the Jenkins REST
// API: build / buildWithParameters triggers, progressive-text log streaming
// with byte offsets, and workflow-API stage snapshots.
package jenkins

import (
	"context"
	"crypto/hmac"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/lei/ci-relay/internal/models"
	"github.com/lei/ci-relay/internal/provider"
	"github.com/lei/ci-relay/internal/retry"
	"github.com/lei/ci-relay/pkg/logger"
)

const (
	// ProviderName is the registry name of this provider
	ProviderName = "jenkins"

	streamErrorBound    = 5
	resolveAttemptBound = 10
)

// Adapter implements the Provider interface for Jenkins. One adapter drives
// one configured Jenkins job; the build number doubles as the build id.
type Adapter struct {
	client *Client
	cfg    provider.Config
	job    string
	logger *logger.Logger

	// fixed waits, shortened in tests
	streamDelay  time.Duration
	resolveDelay time.Duration

	// terminal statuses already observed, keyed by build id; once a build is
	// terminal, later polls must not report it running again
	mu       sync.Mutex
	terminal map[string]*models.BuildStatusInfo
}

// New constructs a Jenkins adapter from opaque configuration
func New(cfg provider.Config, log *logger.Logger) (provider.Provider, error) {
	a := &Adapter{
		cfg:          cfg,
		job:          cfg["job"],
		logger:       log,
		streamDelay:  2 * time.Second,
		resolveDelay: time.Second,
		terminal:     make(map[string]*models.BuildStatusInfo),
	}
	a.client = NewClient(cfg["url"], cfg["username"], cfg["api_token"], log)
	return a, nil
}

// Name implements Provider.Name
func (a *Adapter) Name() string {
	return ProviderName
}

// ValidateConfig implements Provider.ValidateConfig
func (a *Adapter) ValidateConfig() error {
	for _, field := range []string{"url", "username", "api_token", "job"} {
		if _, err := a.cfg.Require(field); err != nil {
			return err
		}
	}
	return nil
}

// TriggerBuild implements Provider.TriggerBuild. Jenkins does not return the
// build in the trigger response, so the next build number is read before the
// trigger and confirmed afterwards with a bounded wait.
func (a *Adapter) TriggerBuild(ctx context.Context, params map[string]any) (*models.BuildInfo, error) {
	info, err := a.client.GetJobInfo(ctx, a.job)
	if err != nil {
		a.logger.Error("jenkins: failed to resolve next build number", "job", a.job, "error", err)
		return nil, &provider.TriggerError{Provider: ProviderName, Err: err}
	}

	number := info.NextBuildNumber

	a.logger.Debug("jenkins: triggering build",
		"job", a.job,
		"expected_number", number,
		"param_count", len(params))

	if err := a.client.TriggerJob(ctx, a.job, formParams(params)); err != nil {
		return nil, &provider.TriggerError{Provider: ProviderName, Err: err}
	}

	// The build leaves the queue asynchronously; wait a bounded number of
	// polls for its document to appear.
	var build *Build
	for attempt := 0; attempt < resolveAttemptBound; attempt++ {
		build, err = a.client.GetBuild(ctx, a.job, number)
		if err == nil {
			break
		}
		if err := retry.Sleep(ctx, a.resolveDelay); err != nil {
			return nil, &provider.TriggerError{Provider: ProviderName, Err: err}
		}
	}
	if build == nil {
		a.logger.Error("jenkins: build never left the queue", "job", a.job, "number", number)
		return nil, &provider.TriggerError{Provider: ProviderName, Err: provider.ErrNoBuildID}
	}

	a.logger.Info("jenkins: build triggered",
		"job", a.job,
		"build_number", build.Number,
		"build_url", build.URL)

	return &models.BuildInfo{
		BuildID:     strconv.Itoa(build.Number),
		BuildNumber: build.Number,
		BuildURL:    build.URL,
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

	number, err := strconv.Atoi(buildID)
	if err != nil {
		return nil, &provider.PollError{Provider: ProviderName, BuildID: buildID,
			Err: fmt.Errorf("invalid build id: %w", err)}
	}

	build, err := a.client.GetBuild(ctx, a.job, number)
	if err != nil {
		return nil, &provider.PollError{Provider: ProviderName, BuildID: buildID, Err: err}
	}

	status := mapBuild(build)
	if status.Status.Terminal() {
		a.mu.Lock()
		a.terminal[buildID] = status
		a.mu.Unlock()
	}

	return status, nil
}

// StreamLogs implements Provider.StreamLogs with the progressive-text state
// machine: poll at a fixed offset-advancing cadence, retry failed requests at
// the same offset, and give up after five consecutive errors.
func (a *Adapter) StreamLogs(ctx context.Context, buildID string, onChunk func(chunk string)) error {
	number, err := strconv.Atoi(buildID)
	if err != nil {
		return &provider.PollError{Provider: ProviderName, BuildID: buildID,
			Err: fmt.Errorf("invalid build id: %w", err)}
	}

	var offset int64
	consecutiveErrors := 0
	var lastErr error

	for {
		chunk, err := a.client.GetProgressiveLog(ctx, a.job, number, offset)
		if err != nil {
			consecutiveErrors++
			lastErr = err
			a.logger.Warn("jenkins: log poll failed",
				"build_id", buildID,
				"offset", offset,
				"consecutive_errors", consecutiveErrors,
				"error", err)

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
		if chunk.Text != "" {
			onChunk(chunk.Text)
		}
		offset = chunk.NextOffset

		if !chunk.MoreData {
			a.logger.Debug("jenkins: log stream finished", "build_id", buildID, "bytes", offset)
			return nil
		}

		if err := retry.Sleep(ctx, a.streamDelay); err != nil {
			return err
		}
	}
}

// GetCompleteLogs implements Provider.GetCompleteLogs
func (a *Adapter) GetCompleteLogs(ctx context.Context, buildID string) (string, error) {
	number, err := strconv.Atoi(buildID)
	if err != nil {
		return "", &provider.PollError{Provider: ProviderName, BuildID: buildID,
			Err: fmt.Errorf("invalid build id: %w", err)}
	}
	return a.client.GetConsoleText(ctx, a.job, number)
}

// GetBuildStages implements StageLister via the workflow API
func (a *Adapter) GetBuildStages(ctx context.Context, buildID string) ([]models.StageInfo, error) {
	number, err := strconv.Atoi(buildID)
	if err != nil {
		return nil, &provider.PollError{Provider: ProviderName, BuildID: buildID,
			Err: fmt.Errorf("invalid build id: %w", err)}
	}

	described, err := a.client.GetStages(ctx, a.job, number)
	if err != nil {
		return nil, &provider.PollError{Provider: ProviderName, BuildID: buildID, Err: err}
	}

	stages := make([]models.StageInfo, 0, len(described))
	for _, s := range described {
		stages = append(stages, models.StageInfo{
			Name:           s.Name,
			Status:         s.Status,
			DurationMillis: s.DurationMillis,
		})
	}
	return stages, nil
}

// ValidateWebhook implements Provider.ValidateWebhook. Jenkins notification
// webhooks are not signed; when a shared token is configured it is compared
// against the X-Relay-Token header in constant time.
func (a *Adapter) ValidateWebhook(header http.Header, payload []byte) bool {
	secret := a.cfg["webhook_token"]
	if secret == "" {
		return true
	}
	return hmac.Equal([]byte(header.Get("X-Relay-Token")), []byte(secret))
}
