package provider

import (
	"context"
	"net/http"

	"github.com/lei/ci-relay/internal/models"
	"github.com/lei/ci-relay/pkg/logger"
)

// Provider abstracts CI backend operations
type Provider interface {
	// Name returns the provider's registry name ("jenkins", "circleci", ...)
	Name() string

	// ValidateConfig checks that all required configuration is present.
	// Called once at registration; no other method is required to be safe
	// to call before it succeeds.
	ValidateConfig() error

	// TriggerBuild starts a new remote build. Parameters are passed through
	// verbatim apart from provider-specific key re-casing. The returned
	// BuildInfo must carry a resolvable BuildID.
	TriggerBuild(ctx context.Context, params map[string]any) (*models.BuildInfo, error)

	// GetBuildStatus retrieves the current status of a build.
	// Idempotent, side-effect-free read.
	GetBuildStatus(ctx context.Context, buildID string) (*models.BuildStatusInfo, error)

	// StreamLogs delivers log content in bounded chunks to onChunk until the
	// remote signals no more data. Blocks until the stream finishes or fails.
	StreamLogs(ctx context.Context, buildID string, onChunk func(chunk string)) error

	// GetCompleteLogs fetches the full log of a build already known to be finished
	GetCompleteLogs(ctx context.Context, buildID string) (string, error)

	// ParseWebhookPayload extracts a partial NormalizedBuildData from an
	// inbound webhook body
	ParseWebhookPayload(payload []byte) (*models.NormalizedBuildData, error)

	// NormalizeBuildData fills defaults so every field of the result is usable
	// even when the input is partial or nil
	NormalizeBuildData(partial *models.NormalizedBuildData) *models.NormalizedBuildData

	// ValidateWebhook verifies an inbound webhook's authenticity. Providers
	// without signed webhooks return true; signature mismatch returns false,
	// never an error.
	ValidateWebhook(header http.Header, payload []byte) bool
}

// StageLister is implemented by providers that expose a per-build stage list.
// Each call returns a full snapshot, not a diff.
type StageLister interface {
	GetBuildStages(ctx context.Context, buildID string) ([]models.StageInfo, error)
}

// Constructor builds a Provider from opaque configuration
type Constructor func(cfg Config, log *logger.Logger) (Provider, error)

// Config is opaque key-value provider configuration, immutable once the
// provider is constructed
type Config map[string]string

// Get returns the value for key, or def when absent or empty
func (c Config) Get(key, def string) string {
	if v := c[key]; v != "" {
		return v
	}
	return def
}

// Require returns the value for key or a ConfigurationError naming it
func (c Config) Require(key string) (string, error) {
	v := c[key]
	if v == "" {
		return "", &ConfigurationError{Field: key}
	}
	return v, nil
}
