// Package client is a Go client for the PromptFlow HTTP API. It is used by
// the promptflow CLI and by delegated workers posting callbacks.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/promptflow/pkg/models"
)

const (
	defaultTimeout      = 30 * time.Second
	defaultPollInterval = 2 * time.Second
	maxErrorBody        = 4 * 1024
)

// APIError is a non-2xx reply from the API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    any
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("promptflow API error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("promptflow API error (%d %s): %s", e.StatusCode, e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client talks to a PromptFlow server.
type Client struct {
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	newBackOff   func() backoff.BackOff
	pollInterval time.Duration
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBackOff sets the retry policy for idempotent requests. f is called once
// per request.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(c *Client) { c.newBackOff = f }
}

// WithPollInterval sets how often WaitForJob polls.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) { c.pollInterval = d }
}

// New creates a client for the server at baseURL. apiKey may be empty for
// callback-only use.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       apiKey,
		httpClient:   &http.Client{Timeout: defaultTimeout},
		newBackOff:   defaultBackOff,
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = time.Minute
	return b
}

// CreateJob submits a job. With a non-empty idempotencyKey the request is
// retried on transient failures and repeats return the original job.
func (c *Client) CreateJob(ctx context.Context, req models.CreateJobRequest, idempotencyKey string) (*models.JobAck, error) {
	r := request{method: http.MethodPost, url: c.baseURL + "/api/v1/jobs", body: req}
	if idempotencyKey != "" {
		r.headers = map[string]string{models.IdempotencyKeyHeader: idempotencyKey}
		r.retry = true
	}
	var ack models.JobAck
	if err := c.do(ctx, r, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

func (c *Client) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	var job models.Job
	err := c.do(ctx, request{method: http.MethodGet, url: c.jobURL(id), retry: true}, &job)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobs returns the caller's most recent jobs. limit <= 0 uses the server default.
func (c *Client) ListJobs(ctx context.Context, limit int) ([]models.JobSummary, error) {
	u := c.baseURL + "/api/v1/jobs"
	if limit > 0 {
		u += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}
	var jobs []models.JobSummary
	if err := c.do(ctx, request{method: http.MethodGet, url: u, retry: true}, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// CancelJob cancels a pending or running job. It is not retried: a repeat
// after a lost reply would be rejected as not cancellable.
func (c *Client) CancelJob(ctx context.Context, id uuid.UUID) (*models.JobAck, error) {
	var ack models.JobAck
	if err := c.do(ctx, request{method: http.MethodDelete, url: c.jobURL(id)}, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

// SendCallback posts cumulative results to a job's callback URL. Callbacks
// carry the full result set, so retries are safe.
func (c *Client) SendCallback(ctx context.Context, callbackURL, token string, payload models.CallbackPayload) (*models.CallbackAck, error) {
	var ack models.CallbackAck
	err := c.do(ctx, request{
		method:  http.MethodPost,
		url:     callbackURL,
		headers: map[string]string{models.CallbackTokenHeader: token},
		body:    payload,
		retry:   true,
	}, &ack)
	if err != nil {
		return nil, err
	}
	return &ack, nil
}

// WaitForJob polls until the job reaches a terminal status or ctx is done.
func (c *Client) WaitForJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		job, err := c.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if models.IsTerminalStatus(job.Status) {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) jobURL(id uuid.UUID) string {
	return c.baseURL + "/api/v1/jobs/" + id.String()
}

type request struct {
	method  string
	url     string
	headers map[string]string
	body    any
	retry   bool
}

func (c *Client) do(ctx context.Context, r request, out any) error {
	var payload []byte
	if r.body != nil {
		var err error
		if payload, err = json.Marshal(r.body); err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}

	op := func() error {
		err := c.once(ctx, r, payload, out)
		if err != nil && (!r.retry || !transient(ctx, err)) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, backoff.WithContext(c.newBackOff(), ctx))
}

func (c *Client) once(ctx context.Context, r request, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, r.method, r.url, body)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", r.method, r.url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeError(resp)
	}

	var env struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("decoding response data: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{StatusCode: resp.StatusCode}

	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
			Details any    `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &env) == nil && env.Error.Message != "" {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
		apiErr.Details = env.Error.Details
		return apiErr
	}

	apiErr.Message = strings.TrimSpace(string(raw))
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}

// transient reports whether a failed request may succeed when repeated.
func transient(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
