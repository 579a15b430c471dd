package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/getmockd/faultd/pkg/admin"
	"github.com/getmockd/faultd/pkg/httputil"
	"github.com/getmockd/faultd/pkg/runtime"
)

// AdminClient talks to the admin API of a running faultd.
type AdminClient interface {
	// Health checks that the admin API answers.
	Health() (*admin.HealthResponse, error)
	// Stats returns the per-route fault counters.
	Stats() (*admin.StatsResponse, error)
	// Runtime returns the effective runtime overrides.
	Runtime() (*admin.RuntimeResponse, error)
	// SetRuntime sets key to value and returns the effective entry. cluster
	// writes the shared Redis layer instead of the instance's admin layer.
	SetRuntime(key string, value uint64, cluster bool) (*runtime.Entry, error)
	// UnsetRuntime removes an override set by SetRuntime.
	UnsetRuntime(key string, cluster bool) error
}

// APIError represents an error response from the admin API.
type APIError struct {
	StatusCode int
	ErrorCode  string
	Message    string
}

func (e *APIError) Error() string {
	return e.Message
}

// adminClient implements AdminClient using HTTP.
type adminClient struct {
	baseURL    string
	httpClient *http.Client
}

// ClientOption configures an admin client.
type ClientOption func(*adminClient)

// WithTimeout sets the HTTP timeout for the client.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *adminClient) {
		c.httpClient.Timeout = timeout
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *adminClient) {
		c.httpClient = hc
	}
}

// NewAdminClient creates a new admin API client.
// The baseURL should be the admin API base URL (e.g., "http://localhost:9901").
func NewAdminClient(baseURL string, opts ...ClientOption) AdminClient {
	c := &adminClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Health checks if the server is running.
func (c *adminClient) Health() (*admin.HealthResponse, error) {
	var out admin.HealthResponse
	if err := c.getJSON("/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stats returns the per-route fault counters.
func (c *adminClient) Stats() (*admin.StatsResponse, error) {
	var out admin.StatsResponse
	if err := c.getJSON("/stats", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Runtime returns the effective runtime overrides.
func (c *adminClient) Runtime() (*admin.RuntimeResponse, error) {
	var out admin.RuntimeResponse
	if err := c.getJSON("/runtime", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SetRuntime sets a runtime override.
func (c *adminClient) SetRuntime(key string, value uint64, cluster bool) (*runtime.Entry, error) {
	body, err := json.Marshal(admin.SetRuntimeRequest{Value: &value})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	resp, err := c.doRequest(http.MethodPut, runtimePath(key, cluster), body)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseError(resp)
	}
	var entry runtime.Entry
	if err := json.NewDecoder(resp.Body).Decode(&entry); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &entry, nil
}

// UnsetRuntime removes a runtime override.
func (c *adminClient) UnsetRuntime(key string, cluster bool) error {
	resp, err := c.doRequest(http.MethodDelete, runtimePath(key, cluster), nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return c.parseError(resp)
	}
	return nil
}

func runtimePath(key string, cluster bool) string {
	p := "/runtime/" + url.PathEscape(key)
	if cluster {
		p += "?scope=cluster"
	}
	return p
}

func (c *adminClient) getJSON(path string, out any) error {
	resp, err := c.doRequest(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.parseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// doRequest performs an HTTP request.
func (c *adminClient) doRequest(method, path string, body []byte) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &APIError{
			StatusCode: 0,
			ErrorCode:  "connection_error",
			Message:    fmt.Sprintf("cannot connect to admin API at %s: %v", c.baseURL, err),
		}
	}
	return resp, nil
}

// parseError converts an error response into an APIError.
func (c *adminClient) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errResp httputil.ErrorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Message != "" {
		return &APIError{
			StatusCode: resp.StatusCode,
			ErrorCode:  errResp.Error,
			Message:    errResp.Message,
		}
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		ErrorCode:  "unknown_error",
		Message:    fmt.Sprintf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
	}
}

// FormatConnectionError returns a user-friendly error message for connection failures.
func FormatConnectionError(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode == "connection_error" {
		return fmt.Sprintf(`Error: %s

Suggestions:
  • Start the proxy: faultd serve --config faultd.yaml
  • Check that admin.listen in the config matches --admin-url`, apiErr.Message)
	}
	return err.Error()
}
