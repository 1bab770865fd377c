// Package api is the REST client for the transcription platform: job
// creation (file upload or media URL), status reads used by the polling
// fallback, and the job list behind the dashboard refresh.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/velisarios/akroasis/internal/observe"
)

// defaultTimeout bounds plain (non-upload) requests.
const defaultTimeout = 30 * time.Second

// ErrNotFound is returned when the server reports 404 for a job.
var ErrNotFound = errors.New("api: job not found")

// Option is a functional option for configuring a [Client].
type Option func(*Client)

// WithToken sets the bearer credential attached to every request.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpc = hc }
}

// Client talks to the transcription REST API. Safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

// New creates a [Client] for the API rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("api: baseURL must not be empty")
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("api: parse base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api: base URL scheme %q is not http(s)", u.Scheme)
	}

	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: defaultTimeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// UploadRequest describes a file submission.
type UploadRequest struct {
	// FileName is the original file name, shown in dashboards.
	FileName string

	// Media is the audio content. Read fully before the request is sent so
	// byte progress can be computed against a known total.
	Media io.Reader

	// Language is the expected speech language (e.g. "el").
	Language string

	// Model selects the ASR engine (e.g. "whisper", "wav2vec2").
	Model string

	// OnProgress receives upload percentage callbacks in 0..100. May be nil.
	OnProgress func(percent int)
}

// CreateFromFile uploads an audio file and returns the created job.
func (c *Client) CreateFromFile(ctx context.Context, req UploadRequest) (Job, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	part, err := mw.CreateFormFile("file", req.FileName)
	if err != nil {
		return Job{}, fmt.Errorf("api: build upload: %w", err)
	}
	if _, err := io.Copy(part, req.Media); err != nil {
		return Job{}, fmt.Errorf("api: read media: %w", err)
	}
	if req.Language != "" {
		if err := mw.WriteField("language", req.Language); err != nil {
			return Job{}, fmt.Errorf("api: build upload: %w", err)
		}
	}
	if req.Model != "" {
		if err := mw.WriteField("model", req.Model); err != nil {
			return Job{}, fmt.Errorf("api: build upload: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return Job{}, fmt.Errorf("api: build upload: %w", err)
	}

	total := int64(body.Len())
	reader := newProgressReader(&body, total, req.OnProgress)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/jobs", reader)
	if err != nil {
		return Job{}, fmt.Errorf("api: create upload request: %w", err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	httpReq.ContentLength = total

	var resp createResponse
	if err := c.do(httpReq, "CreateFromFile", &resp); err != nil {
		return Job{}, err
	}
	return resp.Transcription, nil
}

// CreateFromURL submits a remote media URL for transcription.
func (c *Client) CreateFromURL(ctx context.Context, mediaURL, language, model string) (Job, error) {
	payload, err := json.Marshal(map[string]string{
		"url":      mediaURL,
		"language": language,
		"model":    model,
	})
	if err != nil {
		return Job{}, fmt.Errorf("api: encode url submission: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/jobs/url", bytes.NewReader(payload))
	if err != nil {
		return Job{}, fmt.Errorf("api: create url request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	var resp createResponse
	if err := c.do(httpReq, "CreateFromURL", &resp); err != nil {
		return Job{}, err
	}
	return resp.Transcription, nil
}

// Job fetches the current status of one job. Used by the polling fallback.
func (c *Client) Job(ctx context.Context, jobID string) (Job, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return Job{}, fmt.Errorf("api: create status request: %w", err)
	}

	var job Job
	if err := c.do(httpReq, "Job", &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// Jobs lists all of the caller's transcription jobs.
func (c *Client) Jobs(ctx context.Context) ([]Job, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/jobs", nil)
	if err != nil {
		return nil, fmt.Errorf("api: create list request: %w", err)
	}

	var resp listResponse
	if err := c.do(httpReq, "Jobs", &resp); err != nil {
		return nil, err
	}
	return resp.Transcriptions, nil
}

// Health probes the API's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("api: create health request: %w", err)
	}
	return c.do(httpReq, "Health", nil)
}

// do executes the request with the bearer credential, checks the status, and
// decodes the JSON response into out (when non-nil).
func (c *Client) do(req *http.Request, op string, out any) error {
	ctx, span := observe.StartSpan(req.Context(), "api."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.method", req.Method),
			attribute.String("url.path", req.URL.Path),
		),
	)
	defer span.End()
	req = req.WithContext(ctx)

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("api: %s: %w", op, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("api: %s: %w", op, ErrNotFound)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr errorResponse
		if decErr := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&apiErr); decErr == nil && apiErr.Error != "" {
			return fmt.Errorf("api: %s: server returned %d: %s", op, resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("api: %s: server returned %d", op, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: %s: decode response: %w", op, err)
	}
	return nil
}
