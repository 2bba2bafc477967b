package jenkins

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/lei/ci-relay/internal/models"
)

// mapBuild converts a Jenkins build document to the shared status shape
func mapBuild(build *Build) *models.BuildStatusInfo {
	result := ""
	if build.Result != nil {
		result = *build.Result
	}

	return &models.BuildStatusInfo{
		BuildID:     strconv.Itoa(build.Number),
		BuildNumber: build.Number,
		Status:      mapResult(result, build.Building),
		Result:      result,
		Building:    build.Building,
		DurationMs:  build.Duration,
		TimestampMs: build.Timestamp,
	}
}

// mapResult classifies a native Jenkins result code. Classification is
// deterministic: unrecognized codes map to pending, never to a terminal state.
func mapResult(result string, building bool) models.BuildStatus {
	if building {
		return models.StatusRunning
	}

	switch result {
	case "SUCCESS":
		return models.StatusSuccess
	case "FAILURE", "UNSTABLE":
		return models.StatusFailure
	case "ABORTED":
		return models.StatusCancelled
	default:
		return models.StatusPending
	}
}

// formParams flattens trigger parameters for buildWithParameters. Jenkins
// parameter names are conventionally upper snake case, so keys are re-cased.
func formParams(params map[string]any) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[upperSnake(k)] = fmt.Sprint(v)
	}
	return out
}

// upperSnake converts camelCase or kebab-case keys to UPPER_SNAKE
func upperSnake(key string) string {
	var b strings.Builder
	for i, r := range key {
		switch {
		case r == '-' || r == ' ':
			b.WriteRune('_')
		case unicode.IsUpper(r) && i > 0 && unicode.IsLower(rune(key[i-1])):
			b.WriteRune('_')
			b.WriteRune(r)
		default:
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// notification is the payload shape posted by the Jenkins notification plugin
type notification struct {
	Name  string `json:"name"`
	Build struct {
		Number   int    `json:"number"`
		FullURL  string `json:"full_url"`
		Status   string `json:"status"`
		Phase    string `json:"phase"`
		Duration int64  `json:"duration"`
		SCM      struct {
			Branch string `json:"branch"`
			Commit string `json:"commit"`
		} `json:"scm"`
	} `json:"build"`
}

// ParseWebhookPayload implements Provider.ParseWebhookPayload
func (a *Adapter) ParseWebhookPayload(payload []byte) (*models.NormalizedBuildData, error) {
	var note notification
	if err := json.Unmarshal(payload, &note); err != nil {
		return nil, fmt.Errorf("parse jenkins webhook: %w", err)
	}

	building := note.Build.Phase != "" && note.Build.Phase != "FINALIZED" && note.Build.Phase != "COMPLETED"

	return &models.NormalizedBuildData{
		BuildID:     strconv.Itoa(note.Build.Number),
		BuildNumber: note.Build.Number,
		BuildURL:    note.Build.FullURL,
		Status:      mapResult(note.Build.Status, building),
		Result:      note.Build.Status,
		Branch:      note.Build.SCM.Branch,
		Commit:      note.Build.SCM.Commit,
		JobName:     note.Name,
		DurationMs:  note.Build.Duration,
	}, nil
}

// NormalizeBuildData implements Provider.NormalizeBuildData. Absent fields
// default to the provider name, the configured job, and pending status, so a
// partial payload never produces an unusable record.
func (a *Adapter) NormalizeBuildData(partial *models.NormalizedBuildData) *models.NormalizedBuildData {
	out := models.NormalizedBuildData{}
	if partial != nil {
		out = *partial
	}

	out.Provider = ProviderName
	if out.JobName == "" {
		out.JobName = a.job
	}
	if out.Status == "" {
		out.Status = models.StatusPending
	}
	if out.BuildID == "" && out.BuildNumber > 0 {
		out.BuildID = strconv.Itoa(out.BuildNumber)
	}

	return &out
}
