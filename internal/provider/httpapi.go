package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
)

// Retry settings for the raw HTTP providers. Variables so tests can
// shorten them.
var (
	retryAttempts uint = 3
	retryDelay         = 500 * time.Millisecond
	retryMaxDelay      = 8 * time.Second
)

// APIError is a non-2xx answer from a provider API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string { return fmt.Sprintf("API error %d: %s", e.Status, e.Body) }

// retryable reports whether a failed call is worth repeating: rate limits,
// server errors and transport failures.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status == http.StatusTooManyRequests || apiErr.Status >= 500
	}
	var decodeErr *decodeError
	return !errors.As(err, &decodeErr)
}

type decodeError struct{ error }

func (d *decodeError) Unwrap() error { return d.error }

// postJSON posts body to url and decodes the JSON answer into out,
// retrying transient failures.
func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body, out any, logger *zap.Logger) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
			if err != nil {
				return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
			}
			req.Header.Set("Content-Type", "application/json")
			for k, v := range headers {
				req.Header.Set(k, v)
			}

			resp, err := client.Do(req)
			if err != nil {
				return fmt.Errorf("send request: %w", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
				return &APIError{Status: resp.StatusCode, Body: string(respBody)}
			}
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return &decodeError{fmt.Errorf("decode response: %w", err)}
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(retryAttempts),
		retry.Delay(retryDelay),
		retry.MaxDelay(retryMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(retryable),
		retry.OnRetry(func(n uint, err error) {
			logger.Warn("provider request failed, retrying",
				zap.String("url", url), zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
}
