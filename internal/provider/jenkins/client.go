package jenkins

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/lei/ci-relay/pkg/logger"
)

// Client handles HTTP communication with the Jenkins API
type Client struct {
	baseURL    string
	username   string
	apiToken   string
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient creates a new Jenkins API client
func NewClient(baseURL, username, apiToken string, log *logger.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		username:   username,
		apiToken:   apiToken,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     log,
	}
}

// JobInfo is the subset of the job api/json document the relay needs
type JobInfo struct {
	Name            string `json:"name"`
	URL             string `json:"url"`
	NextBuildNumber int    `json:"nextBuildNumber"`
}

// Build is the subset of the build api/json document the relay needs.
// Result is null while the build is in flight, so it stays a pointer.
type Build struct {
	Number    int     `json:"number"`
	URL       string  `json:"url"`
	Result    *string `json:"result"`
	Building  bool    `json:"building"`
	Duration  int64   `json:"duration"`
	Timestamp int64   `json:"timestamp"`
}

// StageDescription is one entry of the wfapi/describe stage snapshot
type StageDescription struct {
	Name           string `json:"name"`
	Status         string `json:"status"`
	DurationMillis int64  `json:"durationMillis"`
}

type stageDescribeResponse struct {
	Stages []StageDescription `json:"stages"`
}

// LogChunk is one progressive-text response: the text starting at the
// requested offset plus the continuation metadata Jenkins returns in headers.
type LogChunk struct {
	Text       string
	NextOffset int64
	MoreData   bool
}

func (c *Client) authHeader() string {
	auth := base64.StdEncoding.EncodeToString([]byte(c.username + ":" + c.apiToken))
	return "Basic " + auth
}

// newRequest builds an authenticated request for path relative to the base URL
func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", c.authHeader())
	return req, nil
}

// GetJobInfo fetches the job document, including the next build number
func (c *Client) GetJobInfo(ctx context.Context, job string) (*JobInfo, error) {
	path := fmt.Sprintf("/job/%s/api/json", url.PathEscape(job))

	req, err := c.newRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var info JobInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode job info: %w", err)
	}

	return &info, nil
}

// TriggerJob starts a build. An empty params map uses the plain build
// endpoint; otherwise buildWithParameters receives the params form-encoded.
func (c *Client) TriggerJob(ctx context.Context, job string, params map[string]string) error {
	var path string
	var body io.Reader

	form := url.Values{}
	if len(params) == 0 {
		path = fmt.Sprintf("/job/%s/build", url.PathEscape(job))
		// The Stapler servlet wants a json form field even for empty builds
		form.Set("json", "{}")
	} else {
		path = fmt.Sprintf("/job/%s/buildWithParameters", url.PathEscape(job))
		for k, v := range params {
			form.Set(k, v)
		}
	}
	body = strings.NewReader(form.Encode())

	req, err := c.newRequest(ctx, "POST", path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Error("jenkins: trigger request failed", "job", job, "status", resp.StatusCode)
		return statusError(resp)
	}

	return nil
}

// GetBuild fetches the build document for a build number
func (c *Client) GetBuild(ctx context.Context, job string, number int) (*Build, error) {
	path := fmt.Sprintf("/job/%s/%d/api/json", url.PathEscape(job), number)

	req, err := c.newRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var build Build
	if err := json.NewDecoder(resp.Body).Decode(&build); err != nil {
		return nil, fmt.Errorf("decode build: %w", err)
	}

	return &build, nil
}

// GetProgressiveLog fetches console output starting at offset. Jenkins
// reports the next offset in X-Text-Size and whether more output is coming
// in X-More-Data.
func (c *Client) GetProgressiveLog(ctx context.Context, job string, number int, offset int64) (*LogChunk, error) {
	path := fmt.Sprintf("/job/%s/%d/logText/progressiveText?start=%d",
		url.PathEscape(job), number, offset)

	req, err := c.newRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	text, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read log chunk: %w", err)
	}

	chunk := &LogChunk{
		Text:       string(text),
		NextOffset: offset,
		MoreData:   resp.Header.Get("X-More-Data") == "true",
	}
	if size := resp.Header.Get("X-Text-Size"); size != "" {
		if parsed, err := strconv.ParseInt(size, 10, 64); err == nil {
			chunk.NextOffset = parsed
		}
	}

	return chunk, nil
}

// GetConsoleText fetches the complete console output in one shot
func (c *Client) GetConsoleText(ctx context.Context, job string, number int) (string, error) {
	path := fmt.Sprintf("/job/%s/%d/consoleText", url.PathEscape(job), number)

	req, err := c.newRequest(ctx, "GET", path, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", statusError(resp)
	}

	text, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read console text: %w", err)
	}

	return string(text), nil
}

// GetStages fetches the pipeline stage snapshot via the workflow API.
// Freestyle jobs without the workflow plugin return 404.
func (c *Client) GetStages(ctx context.Context, job string, number int) ([]StageDescription, error) {
	path := fmt.Sprintf("/job/%s/%d/wfapi/describe", url.PathEscape(job), number)

	req, err := c.newRequest(ctx, "GET", path, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var describe stageDescribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&describe); err != nil {
		return nil, fmt.Errorf("decode stage description: %w", err)
	}

	return describe.Stages, nil
}

// statusError converts a non-2xx response into an error carrying the body
func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("jenkins api: %d %s", resp.StatusCode, strings.TrimSpace(string(body)))
}
