// Package backend holds the HTTP plumbing and error taxonomy shared by the
// individual LLM provider packages.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// Sentinel errors for provider failures. The ai package re-exports them.
var (
	ErrProviderUnavailable = errors.New("ai provider unavailable")
	ErrInferenceTimeout    = errors.New("ai inference timeout")
	ErrInvalidResponse     = errors.New("ai provider returned invalid response")
	ErrProviderError       = errors.New("ai provider returned an error")
	ErrMissingAPIKey       = errors.New("api key not configured for provider")
)

// maxErrorBody caps how much of a non-2xx response body ends up in an error.
const maxErrorBody = 4 * 1024

// StatusError is returned when a provider answers with a non-2xx status.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error (%d): %s", e.Provider, e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrProviderError }

// MissingAPIKey builds the configuration error for a provider without credentials.
func MissingAPIKey(provider string) error {
	return fmt.Errorf("%w: %s", ErrMissingAPIKey, provider)
}

// PostJSON marshals body, POSTs it to url with the given headers and decodes
// a 2xx JSON reply into out.
func PostJSON(ctx context.Context, client *http.Client, provider, url string, headers map[string]string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", provider, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building %s request: %w", provider, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return ClassifyError(provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(provider, resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decoding %s response: %v", ErrInvalidResponse, provider, err)
	}
	return nil
}

// StatusDoer wraps an http.Client for SDKs that only report failed calls as
// formatted strings. A non-2xx reply is turned into a *StatusError before the
// SDK sees it, so callers can still match status codes with errors.As.
type StatusDoer struct {
	Provider string
	Client   *http.Client
}

func (d *StatusDoer) Do(req *http.Request) (*http.Response, error) {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	return nil, statusError(d.Provider, resp)
}

func statusError(provider string, resp *http.Response) *StatusError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(raw))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	return &StatusError{Provider: provider, StatusCode: resp.StatusCode, Body: msg}
}

// TokenCount reads a numeric counter from an SDK's generation info. Absent or
// non-numeric values count as zero.
func TokenCount(info map[string]any, key string) int {
	switch n := info[key].(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// ClassifyError maps transport-level errors to sentinel errors.
func ClassifyError(provider string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %w", ErrInferenceTimeout, provider, err)
	}
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s request cancelled: %w", provider, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %s: %v", ErrInferenceTimeout, provider, err)
		}
		return fmt.Errorf("%w: %s: %v", ErrProviderUnavailable, provider, err)
	}

	return fmt.Errorf("%w: %s: %v", ErrProviderError, provider, err)
}
