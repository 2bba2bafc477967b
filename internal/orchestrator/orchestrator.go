// Package orchestrator drives one action message through the full build
// lifecycle: resolve a provider, trigger the remote build, relay logs and
// stage transitions while it runs, then reconcile and report the terminal
// result to the sink.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lei/ci-relay/internal/models"
	"github.com/lei/ci-relay/internal/provider"
	"github.com/lei/ci-relay/internal/retry"
	"github.com/lei/ci-relay/internal/sink"
	"github.com/lei/ci-relay/pkg/logger"
)

const (
	defaultLogFlushSize = 500
	defaultStageDelay   = time.Second
	statusPollBound     = 5
)

// Options tune one orchestrator instance
type Options struct {
	// DefaultProvider is used when the message names no provider
	DefaultProvider string

	// EntityBlueprint, when set, enables the entity-upsert side effect on
	// successful runs
	EntityBlueprint string

	// LogFlushSize is the accumulated-log threshold that forces a sink flush
	LogFlushSize int

	// StagePollDelay is the wait between stage-list snapshots
	StagePollDelay time.Duration
}

// Orchestrator coordinates providers and the sink for individual runs.
// Instances are safe for concurrent use; each run owns all of its state.
type Orchestrator struct {
	registry *provider.Registry
	sink     sink.Reporter
	opts     Options
	logger   *logger.Logger
}

// New creates an orchestrator
func New(registry *provider.Registry, reporter sink.Reporter, opts Options, log *logger.Logger) *Orchestrator {
	if opts.LogFlushSize <= 0 {
		opts.LogFlushSize = defaultLogFlushSize
	}
	if opts.StagePollDelay <= 0 {
		opts.StagePollDelay = defaultStageDelay
	}
	return &Orchestrator{
		registry: registry,
		sink:     reporter,
		opts:     opts,
		logger:   log,
	}
}

// HandleMessage executes one action message end to end. Every run-fatal
// error is first reported to the sink as a failure log, then returned so the
// consumer can decide what to do with the message.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg models.ActionMessage) error {
	runID := msg.Context.RunID
	runLog := o.logger.With("run_id", runID, "action", msg.Action.Identifier)

	err := o.run(ctx, runLog, msg)
	if err != nil {
		runLog.Error("orchestrator: run failed", "error", err)
		message := fmt.Sprintf("Action run failed: %s", err.Error())
		if reportErr := o.sink.AppendLog(ctx, runID, message, models.StatusFailure); reportErr != nil {
			runLog.Error("orchestrator: failed to report failure to sink", "error", reportErr)
		}
		return err
	}
	return nil
}

// run is the happy-path lifecycle; any error it returns goes through the
// generic failure path in HandleMessage.
func (o *Orchestrator) run(ctx context.Context, runLog *logger.Logger, msg models.ActionMessage) error {
	runID := msg.Context.RunID

	prov, err := o.registry.Get(providerName(msg.Properties, o.opts.DefaultProvider))
	if err != nil {
		return err
	}
	runLog = runLog.With("provider", prov.Name())

	params := mergeParams(msg)

	runLog.Debug("orchestrator: triggering build", "param_count", len(params))
	info, err := prov.TriggerBuild(ctx, params)
	if err != nil {
		return err
	}

	runLog.Info("orchestrator: build triggered",
		"build_id", info.BuildID,
		"build_number", info.BuildNumber,
		"build_url", info.BuildURL)

	// Optimistic progress report before any polling starts
	err = o.sink.UpdateRun(ctx, runID, sink.RunUpdate{
		Status: models.StatusRunning,
		Label:  fmt.Sprintf("Build #%d in progress", info.BuildNumber),
		Link:   info.BuildURL,
	})
	if err != nil {
		return err
	}

	// The relay gets its own cancelable context so a failed run tears the
	// stream down instead of leaving it polling a build the sink already
	// considers finished. Every exit path below joins streamDone.
	streamCtx, cancelStream := context.WithCancel(ctx)
	streamDone := o.startLogRelay(streamCtx, runLog, runID, prov, info.BuildID)
	defer func() {
		cancelStream()
		<-streamDone
	}()

	if err := o.trackUntilDone(ctx, runLog, runID, prov, info.BuildID); err != nil {
		return err
	}

	// Logs can finish streaming before the remote persists its final result,
	// and the reverse also happens: the stream must be joined before the run
	// is reconciled.
	if err := <-streamDone; err != nil {
		return err
	}

	final, err := prov.GetBuildStatus(ctx, info.BuildID)
	if err != nil {
		return err
	}

	runLog.Info("orchestrator: build finished",
		"build_id", info.BuildID,
		"status", final.Status,
		"result", final.Result,
		"duration_ms", final.DurationMs)

	err = o.sink.UpdateRun(ctx, runID, sink.RunUpdate{
		Status: final.Status,
		Label:  terminalLabel(info, final),
	})
	if err != nil {
		return err
	}

	if final.Status == models.StatusSuccess && o.opts.EntityBlueprint != "" {
		o.upsertEntity(ctx, runLog, msg, info, final)
	}

	return nil
}

// startLogRelay streams logs in a goroutine, accumulating chunks and
// flushing to the sink whenever the buffer reaches the flush threshold. The
// remainder is flushed once streaming ends.
func (o *Orchestrator) startLogRelay(ctx context.Context, runLog *logger.Logger, runID string, prov provider.Provider, buildID string) <-chan error {
	done := make(chan error, 1)

	go func() {
		defer close(done)

		var buf strings.Builder
		var flushErr error

		flush := func() {
			if buf.Len() == 0 || flushErr != nil {
				return
			}
			flushErr = o.sink.AppendLog(ctx, runID, buf.String(), "")
			buf.Reset()
		}

		streamErr := prov.StreamLogs(ctx, buildID, func(chunk string) {
			buf.WriteString(chunk)
			if buf.Len() >= o.opts.LogFlushSize {
				flush()
			}
		})

		flush()

		if streamErr != nil {
			done <- streamErr
			return
		}
		done <- flushErr
	}()

	return done
}

// trackUntilDone polls build status, and stage snapshots for providers that
// expose them, until the remote reports the build is no longer building.
// Each distinct (name, status) stage transition is reported at most once.
func (o *Orchestrator) trackUntilDone(ctx context.Context, runLog *logger.Logger, runID string, prov provider.Provider, buildID string) error {
	stager, hasStages := prov.(provider.StageLister)
	seen := make(map[[2]string]struct{})
	pollErrors := 0

	for {
		status, err := prov.GetBuildStatus(ctx, buildID)
		if err != nil {
			pollErrors++
			runLog.Warn("orchestrator: status poll failed",
				"build_id", buildID,
				"consecutive_errors", pollErrors,
				"error", err)
			if pollErrors >= statusPollBound {
				return err
			}
			if err := retry.Sleep(ctx, o.opts.StagePollDelay); err != nil {
				return err
			}
			continue
		}
		pollErrors = 0

		if hasStages {
			if err := o.relayStages(ctx, runLog, runID, stager, buildID, seen); err != nil {
				return err
			}
		}

		if !status.Building {
			return nil
		}

		if err := retry.Sleep(ctx, o.opts.StagePollDelay); err != nil {
			return err
		}
	}
}

// relayStages reports unseen stage transitions from one snapshot. A failed
// snapshot fetch is tolerated; stage visibility is best effort and the next
// tick retries.
func (o *Orchestrator) relayStages(ctx context.Context, runLog *logger.Logger, runID string, stager provider.StageLister, buildID string, seen map[[2]string]struct{}) error {
	stages, err := stager.GetBuildStages(ctx, buildID)
	if err != nil {
		runLog.Debug("orchestrator: stage poll failed", "build_id", buildID, "error", err)
		return nil
	}

	for _, stage := range stages {
		if stage.Status == models.StageNotExecuted {
			continue
		}

		key := [2]string{stage.Name, stage.Status}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}

		runLog.Debug("orchestrator: stage transition",
			"stage", stage.Name,
			"stage_status", stage.Status)

		err := o.sink.UpdateRun(ctx, runID, sink.RunUpdate{Label: stageLabel(stage)})
		if err != nil {
			return err
		}
	}
	return nil
}

// upsertEntity maps message properties plus build metadata into an entity
// record. Failures here, including panics with non-error values, must not
// alter the already-reported build outcome.
func (o *Orchestrator) upsertEntity(ctx context.Context, runLog *logger.Logger, msg models.ActionMessage, info *models.BuildInfo, final *models.BuildStatusInfo) {
	defer func() {
		if r := recover(); r != nil {
			runLog.Warn("orchestrator: Failed to create entity", "error", fmt.Sprint(r))
		}
	}()

	entity := map[string]any{
		"identifier": fmt.Sprintf("%s-%s", msg.Action.Identifier, info.BuildID),
		"title":      fmt.Sprintf("%s build #%d", msg.Action.Identifier, info.BuildNumber),
		"properties": map[string]any{
			"buildId":     info.BuildID,
			"buildUrl":    info.BuildURL,
			"status":      string(final.Status),
			"triggeredBy": msg.Context.By.Email,
		},
	}
	for k, v := range msg.Properties {
		entity["properties"].(map[string]any)[k] = v
	}

	if err := o.sink.UpsertEntity(ctx, o.opts.EntityBlueprint, entity, msg.Context.RunID); err != nil {
		runLog.Warn("orchestrator: Failed to create entity", "error", err)
	}
}

// providerName resolves which provider a message targets
func providerName(props map[string]any, def string) string {
	if name, ok := props["provider"].(string); ok && name != "" {
		return name
	}
	if name, ok := props["ci_provider"].(string); ok && name != "" {
		return name
	}
	return def
}

// mergeParams builds the parameter set handed to the provider: deployment
// fields and all other message properties pass through unchanged, with a
// correlation id injected.
func mergeParams(msg models.ActionMessage) map[string]any {
	params := make(map[string]any, len(msg.Properties)+2)
	for k, v := range msg.Properties {
		if k == "provider" || k == "ci_provider" {
			continue
		}
		params[k] = v
	}

	// Deployment fields stay addressable even when the message omits them
	for _, field := range []string{"service", "version", "environment", "branch"} {
		if _, ok := params[field]; !ok {
			continue
		}
		params[field] = fmt.Sprint(params[field])
	}

	if msg.Context.RunID != "" {
		params["runId"] = msg.Context.RunID
	} else {
		params["runId"] = uuid.NewString()
	}
	if msg.Context.By.Email != "" {
		params["triggeredBy"] = msg.Context.By.Email
	}

	return params
}

func stageLabel(stage models.StageInfo) string {
	switch stage.Status {
	case "IN_PROGRESS", "RUNNING":
		return fmt.Sprintf("Stage %s running", stage.Name)
	default:
		label := fmt.Sprintf("Stage %s %s", stage.Name, strings.ToLower(stage.Status))
		if stage.DurationMillis > 0 {
			label += fmt.Sprintf(" (%s)", time.Duration(stage.DurationMillis)*time.Millisecond)
		}
		return label
	}
}

func terminalLabel(info *models.BuildInfo, final *models.BuildStatusInfo) string {
	label := fmt.Sprintf("Build #%d %s", info.BuildNumber, final.Status)
	if final.DurationMs > 0 {
		label += fmt.Sprintf(" in %s", time.Duration(final.DurationMs)*time.Millisecond)
	}
	return label
}
