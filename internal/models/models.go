package models

// BuildInfo identifies a remote build at trigger time. BuildID is the sole
// handle used for all subsequent polling calls and never changes afterwards.
type BuildInfo struct {
	BuildID     string `json:"build_id"`
	BuildNumber int    `json:"build_number"`
	BuildURL    string `json:"build_url"`
}

// BuildStatus is the provider-agnostic status classification
type BuildStatus string

const (
	StatusPending   BuildStatus = "pending"
	StatusRunning   BuildStatus = "running"
	StatusSuccess   BuildStatus = "success"
	StatusFailure   BuildStatus = "failure"
	StatusCancelled BuildStatus = "cancelled"
)

// Terminal reports whether the status closes a run
func (s BuildStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusCancelled:
		return true
	}
	return false
}

// BuildStatusInfo is a point-in-time snapshot of a remote build
type BuildStatusInfo struct {
	BuildID     string      `json:"build_id"`
	BuildNumber int         `json:"build_number"`
	Status      BuildStatus `json:"status"`
	Result      string      `json:"result"` // provider-native result code
	Building    bool        `json:"building"`
	DurationMs  int64       `json:"duration_ms"`
	TimestampMs int64       `json:"timestamp_ms"`
}

// StageInfo describes one stage in a polled stage-list snapshot. The status
// is the provider's native stage code, not the shared BuildStatus enum.
type StageInfo struct {
	Name           string `json:"name"`
	Status         string `json:"status"`
	DurationMillis int64  `json:"duration_millis"`
}

// StageNotExecuted is the sentinel stage status for stages the remote has
// declared but not started; transitions carrying it are never reported.
const StageNotExecuted = "NOT_EXECUTED"

// NormalizedBuildData is the provider-agnostic projection of build metadata,
// produced by Provider.NormalizeBuildData. Every field has a default so
// partial webhook payloads never fail normalization.
type NormalizedBuildData struct {
	Provider    string      `json:"provider"`
	BuildID     string      `json:"build_id"`
	BuildNumber int         `json:"build_number"`
	BuildURL    string      `json:"build_url"`
	Status      BuildStatus `json:"status"`
	Result      string      `json:"result"`
	Branch      string      `json:"branch"`
	Commit      string      `json:"commit"`
	Author      string      `json:"author"`
	JobName     string      `json:"job_name"`
	DurationMs  int64       `json:"duration_ms"`
	TimestampMs int64       `json:"timestamp_ms"`
}

// ActionMessage is the unit of work consumed from the queue
type ActionMessage struct {
	Context    MessageContext `json:"context"`
	Action     ActionRef      `json:"action"`
	Properties map[string]any `json:"properties"`
}

// MessageContext carries run correlation and actor identity
type MessageContext struct {
	RunID string  `json:"runId"`
	By    Invoker `json:"by"`
}

// Invoker identifies who triggered the action
type Invoker struct {
	Email string `json:"email"`
}

// ActionRef names the action being executed
type ActionRef struct {
	Identifier string `json:"identifier"`
}
