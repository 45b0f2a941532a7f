// Package remote is the HTTP client for the Remote Analysis Service.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kiranshivaraju/scanpoll/pkg/models"
)

// DefaultGitHubRepo is reported when the service config does not name one.
const DefaultGitHubRepo = "https://github.com/MAILABHASKE/mailab-models"

// Sentinel errors for Remote Analysis Service failures.
var (
	ErrServiceUnreachable = errors.New("analysis service unreachable")
	ErrServiceError       = errors.New("analysis service error")
	ErrServiceTimeout     = errors.New("analysis service timeout")
	ErrJobNotFound        = errors.New("analysis job not found")
)

// Client is the interface for talking to the Remote Analysis Service.
type Client interface {
	Submit(ctx context.Context, req models.JobRequest) (models.SubmitResponse, error)
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	Config(ctx context.Context) (models.ServiceConfig, error)
	SubmitFeedback(ctx context.Context, jobID string, fb models.Feedback) error
	DownloadResults(ctx context.Context, jobID string) (*Download, error)
	Ready(ctx context.Context) error
}

// Download is a streamed result payload. The caller must close Body.
type Download struct {
	Body        io.ReadCloser
	Filename    string
	ContentType string
	Size        int64
}

// HTTPClient implements Client using the service's REST API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a new Remote Analysis Service client. timeout bounds
// every request except result downloads, which are bounded by ctx only.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the service root, used to build absolute artifact links.
func (c *HTTPClient) BaseURL() string {
	return c.baseURL
}

// VisualizationURL returns the absolute URL of a job's visualization image.
func (c *HTTPClient) VisualizationURL(job *models.Job) (string, bool) {
	if job == nil {
		return "", false
	}
	loc, ok := job.Results.VisualizationLocation()
	if !ok {
		return "", false
	}
	return c.baseURL + loc, true
}

func (c *HTTPClient) Submit(ctx context.Context, req models.JobRequest) (models.SubmitResponse, error) {
	var out models.SubmitResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/ai/analyze", req, &out); err != nil {
		return models.SubmitResponse{}, err
	}
	return out, nil
}

func (c *HTTPClient) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := c.doJSON(ctx, http.MethodGet, "/api/ai/job/"+url.PathEscape(jobID), nil, &job); err != nil {
		return nil, err
	}
	if job.ID == "" {
		job.ID = jobID
	}
	return &job, nil
}

func (c *HTTPClient) Config(ctx context.Context) (models.ServiceConfig, error) {
	var cfg models.ServiceConfig
	if err := c.doJSON(ctx, http.MethodGet, "/api/ai/config", nil, &cfg); err != nil {
		return models.ServiceConfig{}, err
	}
	if cfg.Models == nil {
		cfg.Models = []models.ModelInfo{}
	}
	if cfg.GitHubRepo == "" {
		cfg.GitHubRepo = DefaultGitHubRepo
	}
	return cfg, nil
}

func (c *HTTPClient) SubmitFeedback(ctx context.Context, jobID string, fb models.Feedback) error {
	body := struct {
		JobID    string          `json:"jobId"`
		Feedback models.Feedback `json:"feedback"`
	}{JobID: jobID, Feedback: fb}
	return c.doJSON(ctx, http.MethodPost, "/api/ai/feedback", body, nil)
}

func (c *HTTPClient) DownloadResults(ctx context.Context, jobID string) (*Download, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/api/ai/results/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	// Result archives can be large; rely on ctx instead of the client timeout.
	streaming := &http.Client{Transport: c.client.Transport}
	resp, err := streaming.Do(httpReq)
	if err != nil {
		return nil, classifyError(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}

	return &Download{
		Body:        resp.Body,
		Filename:    attachmentFilename(resp.Header.Get("Content-Disposition")),
		ContentType: resp.Header.Get("Content-Type"),
		Size:        resp.ContentLength,
	}, nil
}

func (c *HTTPClient) Ready(ctx context.Context) error {
	if err := c.doJSON(ctx, http.MethodGet, "/api/ai/config", nil, nil); err != nil {
		return fmt.Errorf("%w: %v", ErrServiceUnreachable, err)
	}
	return nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if in != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding response: %v", ErrServiceError, err)
	}
	return nil
}

// statusError builds an error from a non-2xx response, preferring the
// service's own {"error": "..."} message.
func statusError(resp *http.Response) error {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	_ = json.Unmarshal(raw, &body)

	msg := body.Error
	if msg == "" {
		msg = body.Message
	}

	sentinel := ErrServiceError
	if resp.StatusCode == http.StatusNotFound {
		sentinel = ErrJobNotFound
	}
	if msg == "" {
		return fmt.Errorf("%w: status %d", sentinel, resp.StatusCode)
	}
	return &ServiceError{StatusCode: resp.StatusCode, Message: msg, sentinel: sentinel}
}

// ServiceError carries the message the remote service attached to a failed request.
type ServiceError struct {
	StatusCode int
	Message    string
	sentinel   error
}

func (e *ServiceError) Error() string { return e.Message }

func (e *ServiceError) Unwrap() error { return e.sentinel }

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrServiceTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrServiceTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrServiceUnreachable, err)
}

func attachmentFilename(disposition string) string {
	if disposition == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(disposition)
	if err != nil {
		return ""
	}
	return params["filename"]
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
