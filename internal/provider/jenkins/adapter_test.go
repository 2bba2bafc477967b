package jenkins

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lei/ci-relay/internal/models"
	"github.com/lei/ci-relay/internal/provider"
	"github.com/lei/ci-relay/pkg/logger"
)

func newTestAdapter(t *testing.T, baseURL string) *Adapter {
	t.Helper()

	prov, err := New(provider.Config{
		"url":       baseURL,
		"username":  "relay",
		"api_token": "token",
		"job":       "deploy",
	}, logger.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	a := prov.(*Adapter)
	a.streamDelay = time.Millisecond
	a.resolveDelay = time.Millisecond
	return a
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     provider.Config
		wantErr bool
	}{
		{
			name: "complete config",
			cfg: provider.Config{
				"url": "http://jenkins.local", "username": "u", "api_token": "t", "job": "deploy",
			},
		},
		{
			name:    "missing api token",
			cfg:     provider.Config{"url": "http://jenkins.local", "username": "u", "job": "deploy"},
			wantErr: true,
		},
		{
			name:    "missing job",
			cfg:     provider.Config{"url": "http://jenkins.local", "username": "u", "api_token": "t"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			prov, err := New(tt.cfg, logger.Nop())
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			err = prov.ValidateConfig()
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateConfig() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestTriggerBuild_WithParameters(t *testing.T) {
	var triggerPath string
	var triggerForm map[string][]string

	mux := http.NewServeMux()
	mux.HandleFunc("/job/deploy/api/json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"name":"deploy","url":"http://jenkins.local/job/deploy/","nextBuildNumber":42}`)
	})
	mux.HandleFunc("/job/deploy/buildWithParameters", func(w http.ResponseWriter, r *http.Request) {
		triggerPath = r.URL.Path
		r.ParseForm()
		triggerForm = r.PostForm
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/job/deploy/42/api/json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"number":42,"url":"http://jenkins.local/job/deploy/42/","building":true}`)
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	a := newTestAdapter(t, server.URL)
	info, err := a.TriggerBuild(context.Background(), map[string]any{"serviceName": "api", "version": "1.2.3"})
	if err != nil {
		t.Fatalf("TriggerBuild() error = %v", err)
	}

	if info.BuildID != "42" {
		t.Errorf("BuildID = %q, want %q", info.BuildID, "42")
	}
	if !strings.Contains(info.BuildURL, "42") {
		t.Errorf("BuildURL = %q, want it to contain the build number", info.BuildURL)
	}
	if triggerPath != "/job/deploy/buildWithParameters" {
		t.Errorf("trigger path = %q, want parameterized endpoint", triggerPath)
	}
	if got := triggerForm["SERVICE_NAME"]; len(got) != 1 || got[0] != "api" {
		t.Errorf("SERVICE_NAME = %v, want [api]", got)
	}
	if got := triggerForm["VERSION"]; len(got) != 1 || got[0] != "1.2.3" {
		t.Errorf("VERSION = %v, want [1.2.3]", got)
	}
}

func TestTriggerBuild_NoParametersUsesPlainBuildPath(t *testing.T) {
	var triggerPath string

	mux := http.NewServeMux()
	mux.HandleFunc("/job/deploy/api/json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"nextBuildNumber":7,"url":"http://jenkins.local/job/deploy/"}`)
	})
	mux.HandleFunc("/job/deploy/build", func(w http.ResponseWriter, r *http.Request) {
		triggerPath = r.URL.Path
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/job/deploy/7/api/json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"number":7,"url":"http://jenkins.local/job/deploy/7/","building":true}`)
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	a := newTestAdapter(t, server.URL)
	info, err := a.TriggerBuild(context.Background(), map[string]any{})
	if err != nil {
		t.Fatalf("TriggerBuild() error = %v", err)
	}

	if triggerPath != "/job/deploy/build" {
		t.Errorf("trigger path = %q, want plain build endpoint", triggerPath)
	}
	if info.BuildID != "7" {
		t.Errorf("BuildID = %q, want %q", info.BuildID, "7")
	}
}

func TestTriggerBuild_BuildNeverAppears(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/job/deploy/api/json", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"nextBuildNumber":9}`)
	})
	mux.HandleFunc("/job/deploy/build", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/job/deploy/9/api/json", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	a := newTestAdapter(t, server.URL)
	_, err := a.TriggerBuild(context.Background(), map[string]any{})

	var triggerErr *provider.TriggerError
	if !errors.As(err, &triggerErr) {
		t.Fatalf("TriggerBuild() error = %v, want TriggerError", err)
	}
	if !errors.Is(err, provider.ErrNoBuildID) {
		t.Errorf("TriggerBuild() error = %v, want wrapped ErrNoBuildID", err)
	}
}

func TestStreamLogs_ChunksMatchCompleteLogs(t *testing.T) {
	const fullLog = "line one\nline two\nline three\n"
	chunkBounds := []int{9, 18, len(fullLog)}

	mux := http.NewServeMux()
	mux.HandleFunc("/job/deploy/42/logText/progressiveText", func(w http.ResponseWriter, r *http.Request) {
		start := 0
		fmt.Sscanf(r.URL.Query().Get("start"), "%d", &start)

		end := len(fullLog)
		for _, bound := range chunkBounds {
			if bound > start {
				end = bound
				break
			}
		}

		w.Header().Set("X-Text-Size", fmt.Sprint(end))
		if end < len(fullLog) {
			w.Header().Set("X-More-Data", "true")
		}
		fmt.Fprint(w, fullLog[start:end])
	})
	mux.HandleFunc("/job/deploy/42/consoleText", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, fullLog)
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	a := newTestAdapter(t, server.URL)

	var chunks []string
	err := a.StreamLogs(context.Background(), "42", func(chunk string) {
		chunks = append(chunks, chunk)
	})
	if err != nil {
		t.Fatalf("StreamLogs() error = %v", err)
	}

	complete, err := a.GetCompleteLogs(context.Background(), "42")
	if err != nil {
		t.Fatalf("GetCompleteLogs() error = %v", err)
	}

	if got := strings.Join(chunks, ""); got != complete {
		t.Errorf("streamed chunks = %q, complete log = %q", got, complete)
	}
	if len(chunks) != 3 {
		t.Errorf("chunk count = %d, want 3", len(chunks))
	}
}

func TestStreamLogs_FailsAfterFiveConsecutiveErrors(t *testing.T) {
	requests := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/job/deploy/42/logText/progressiveText", func(w http.ResponseWriter, r *http.Request) {
		requests++
		w.WriteHeader(http.StatusInternalServerError)
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	a := newTestAdapter(t, server.URL)
	err := a.StreamLogs(context.Background(), "42", func(string) {
		t.Error("onChunk should never fire when every poll fails")
	})

	var exhausted *provider.StreamExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("StreamLogs() error = %v, want StreamExhaustedError", err)
	}
	if !strings.Contains(err.Error(), "failed after 5 attempts") {
		t.Errorf("StreamLogs() error = %q, want attempt bound in message", err)
	}
	if requests != 5 {
		t.Errorf("request count = %d, want exactly 5", requests)
	}
}

func TestStreamLogs_ErrorCounterResetsOnSuccess(t *testing.T) {
	requests := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/job/deploy/42/logText/progressiveText", func(w http.ResponseWriter, r *http.Request) {
		requests++
		// Fail four times, succeed once, fail four more, then finish.
		// Never five in a row, so the stream must survive.
		switch {
		case requests <= 4 || (requests >= 6 && requests <= 9):
			w.WriteHeader(http.StatusInternalServerError)
		case requests == 5:
			w.Header().Set("X-Text-Size", "4")
			w.Header().Set("X-More-Data", "true")
			fmt.Fprint(w, "log\n")
		default:
			w.Header().Set("X-Text-Size", "4")
			w.Header().Set("X-More-Data", "false")
		}
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	a := newTestAdapter(t, server.URL)
	err := a.StreamLogs(context.Background(), "42", func(string) {})
	if err != nil {
		t.Fatalf("StreamLogs() error = %v, want success after interleaved failures", err)
	}
}

func TestGetBuildStatus_MonotonicAfterTerminal(t *testing.T) {
	responses := []string{
		`{"number":42,"result":"ABORTED","building":false,"duration":1000}`,
		`{"number":42,"result":null,"building":true}`,
	}
	call := 0

	mux := http.NewServeMux()
	mux.HandleFunc("/job/deploy/42/api/json", func(w http.ResponseWriter, r *http.Request) {
		body := responses[len(responses)-1]
		if call < len(responses) {
			body = responses[call]
		}
		call++
		fmt.Fprint(w, body)
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	a := newTestAdapter(t, server.URL)

	first, err := a.GetBuildStatus(context.Background(), "42")
	if err != nil {
		t.Fatalf("GetBuildStatus() error = %v", err)
	}
	if first.Status != models.StatusCancelled {
		t.Fatalf("first status = %q, want cancelled", first.Status)
	}

	// The remote flapping back to building must not surface as running
	second, err := a.GetBuildStatus(context.Background(), "42")
	if err != nil {
		t.Fatalf("GetBuildStatus() error = %v", err)
	}
	if second.Status != models.StatusCancelled {
		t.Errorf("second status = %q, want cached terminal cancelled", second.Status)
	}
	if call != 1 {
		t.Errorf("remote polled %d times, want 1 (terminal cached)", call)
	}
}

func TestGetBuildStages(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/job/deploy/42/wfapi/describe", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"stages":[
			{"name":"Build","status":"SUCCESS","durationMillis":4000},
			{"name":"Deploy","status":"IN_PROGRESS","durationMillis":0}
		]}`)
	})

	server := httptest.NewServer(mux)
	defer server.Close()

	a := newTestAdapter(t, server.URL)
	stages, err := a.GetBuildStages(context.Background(), "42")
	if err != nil {
		t.Fatalf("GetBuildStages() error = %v", err)
	}

	if len(stages) != 2 {
		t.Fatalf("stage count = %d, want 2", len(stages))
	}
	if stages[0].Name != "Build" || stages[0].Status != "SUCCESS" || stages[0].DurationMillis != 4000 {
		t.Errorf("stages[0] = %+v", stages[0])
	}
	if stages[1].Status != "IN_PROGRESS" {
		t.Errorf("stages[1].Status = %q, want IN_PROGRESS", stages[1].Status)
	}
}

func TestValidateWebhook_SharedToken(t *testing.T) {
	prov, err := New(provider.Config{
		"url": "http://jenkins.local", "username": "u", "api_token": "t", "job": "deploy",
		"webhook_token": "s3cret",
	}, logger.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	header := http.Header{}
	header.Set("X-Relay-Token", "s3cret")
	if !prov.ValidateWebhook(header, nil) {
		t.Error("ValidateWebhook() = false with matching token")
	}

	header.Set("X-Relay-Token", "wrong")
	if prov.ValidateWebhook(header, nil) {
		t.Error("ValidateWebhook() = true with mismatched token")
	}
}
