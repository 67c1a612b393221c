package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Retry constants for catalog operations. The backoff is deliberately
// fixed rather than exponential: catalog failures are either transient
// server hiccups (a short fixed delay suffices) or terminal statuses
// (never retried at all).
const (
	maxAttempts    = 4
	catalogBackoff = 3 * time.Second
	userAgent      = "arkivault-go/0.1"
	authHeader     = "X-Auth-Token"
)

// Client is the HTTP client for the catalog service. It attaches the
// auth token, retries transient failures with a fixed backoff, and
// classifies terminal statuses into sentinel errors.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger

	// sleepFunc waits between retries. Tests override to avoid delays.
	sleepFunc func(ctx context.Context, d time.Duration) error
}

// NewClient creates a catalog client. baseURL has no trailing slash.
func NewClient(baseURL, token string, httpClient *http.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: httpClient,
		logger:     logger,
		sleepFunc:  timeSleep,
	}
}

// doJSON executes method against path with an optional JSON body,
// retrying transient failures up to maxAttempts with a fixed backoff.
// On success the response body is decoded into out (when non-nil).
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var payload []byte

	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return fmt.Errorf("api: encoding %s %s body: %w", method, path, err)
		}
	}

	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.sleepFunc(ctx, catalogBackoff); err != nil {
				return fmt.Errorf("api: request canceled: %w", err)
			}
		}

		err := c.doJSONOnce(ctx, method, path, payload, out)
		if err == nil {
			return nil
		}

		if ctx.Err() != nil {
			return fmt.Errorf("api: request canceled: %w", ctx.Err())
		}

		var apiErr *APIError
		if errors.As(err, &apiErr) && isTerminal(apiErr.StatusCode) {
			return err
		}

		lastErr = err

		if attempt < maxAttempts {
			c.logger.Warn("retrying catalog request",
				slog.String("method", method),
				slog.String("path", path),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		}
	}

	return fmt.Errorf("api: %s %s failed after %d attempts: %w", method, path, maxAttempts, lastErr)
}

// doJSONOnce executes a single request without retry.
func (c *Client) doJSONOnce(ctx context.Context, method, path string, payload []byte, out any) error {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("api: creating request: %w", err)
	}

	req.Header.Set(authHeader, c.token)
	req.Header.Set("User-Agent", userAgent)

	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
		if out == nil {
			return nil
		}

		if decErr := json.NewDecoder(resp.Body).Decode(out); decErr != nil {
			return fmt.Errorf("api: decoding %s %s response: %w", method, path, decErr)
		}

		return nil
	}

	errBody, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		errBody = []byte("(failed to read response body)")
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		RequestID:  resp.Header.Get("request-id"),
		Message:    string(errBody),
		Err:        classifyStatus(resp.StatusCode),
	}
}

// timeSleep waits for d or until ctx is canceled. Default sleepFunc.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
