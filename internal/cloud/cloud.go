// Package cloud is the client for the remote records endpoint. The endpoint
// accepts idempotent upsert/delete keyed by (table, record id), so replaying
// a change after a partial failure is always safe.
package cloud

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

	"github.com/google/uuid"
)

var ErrInvalidInput = errors.New("invalid input")

// Client applies tracked changes against the remote store.
type Client interface {
	Upsert(ctx context.Context, table string, recordID string, record json.RawMessage) error
	Delete(ctx context.Context, table string, recordID string) error
	Health(ctx context.Context) error
}

// StatusError is a non-2xx response from the cloud endpoint.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("cloud request failed: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("cloud request failed: status=%d message=%s", e.StatusCode, e.Message)
}

// Temporary reports whether the failure is worth retrying.
func (e *StatusError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

type HTTPClientOptions struct {
	BaseURL    string
	Token      string
	DeviceID   string
	HTTPClient *http.Client
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

type HTTPClient struct {
	baseURL    string
	token      string
	deviceID   string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

func NewHTTPClient(opts HTTPClientOptions) *HTTPClient {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8080"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 100 * time.Millisecond
	}
	maxDelay := opts.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	return &HTTPClient{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		deviceID:   strings.TrimSpace(opts.DeviceID),
		httpClient: httpClient,
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
	}
}

func (c *HTTPClient) Upsert(ctx context.Context, table, recordID string, record json.RawMessage) error {
	if strings.TrimSpace(table) == "" || strings.TrimSpace(recordID) == "" {
		return ErrInvalidInput
	}
	path := fmt.Sprintf("/v1/sync/%s/%s", url.PathEscape(table), url.PathEscape(recordID))
	return c.do(ctx, http.MethodPut, path, record)
}

func (c *HTTPClient) Delete(ctx context.Context, table, recordID string) error {
	if strings.TrimSpace(table) == "" || strings.TrimSpace(recordID) == "" {
		return ErrInvalidInput
	}
	path := fmt.Sprintf("/v1/sync/%s/%s", url.PathEscape(table), url.PathEscape(recordID))
	return c.do(ctx, http.MethodDelete, path, nil)
}

func (c *HTTPClient) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/v1/health", nil)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body json.RawMessage) error {
	correlationID := "sync_" + uuid.NewString()
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return err
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		if c.deviceID != "" {
			req.Header.Set("X-Device-Id", c.deviceID)
		}
		req.Header.Set("X-Correlation-Id", correlationID)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if attempt < c.maxRetries {
				if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return waitErr
				}
				continue
			}
			return err
		}
		respBody, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return readErr
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return nil
		}
		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < c.maxRetries {
			if waitErr := sleepContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return waitErr
			}
			continue
		}

		statusErr := &StatusError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		var parsed struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &parsed) == nil {
			statusErr.Code = parsed.Code
			if strings.TrimSpace(parsed.Message) != "" {
				statusErr.Message = parsed.Message
			}
		}
		return statusErr
	}
}

func (c *HTTPClient) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfterSeconds(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	if delay > c.maxDelay {
		return c.maxDelay
	}
	return delay
}

func parseRetryAfterSeconds(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds < 0 {
		return 0
	}
	return time.Duration(seconds) * time.Second
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
