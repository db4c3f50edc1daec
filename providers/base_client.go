package providers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/corelane/taskcore/core"
)

// BaseClient provides the HTTP plumbing shared by every concrete
// provider client: a timeout-bound http.Client and exponential-backoff
// retry for transient (non-quota) errors. Quota-class errors are never
// retried here; they propagate so the Manager's key rotation can act
// on them.
type BaseClient struct {
	HTTPClient *http.Client
	Logger     core.Logger

	MaxRetries int
	RetryDelay time.Duration
}

// NewBaseClient builds a BaseClient with the provider's per-call timeout.
func NewBaseClient(timeout time.Duration, logger core.Logger) *BaseClient {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &BaseClient{
		HTTPClient: &http.Client{Timeout: timeout},
		Logger:     logger,
		MaxRetries: 2,
		RetryDelay: 500 * time.Millisecond,
	}
}

// Do executes req, retrying on 5xx responses and network errors with
// exponential backoff up to MaxRetries. Every response below 500,
// including any 429, is returned immediately without retry so the
// caller can classify it and rotate keys instead of burning the retry
// budget.
func (b *BaseClient) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	var lastErr error

	for attempt := 0; attempt <= b.MaxRetries; attempt++ {
		clone := req.Clone(ctx)
		resp, err := b.HTTPClient.Do(clone)

		if err == nil && resp.StatusCode < 500 {
			return resp, nil
		}

		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("server error: status %d", resp.StatusCode)
			resp.Body.Close()
		}

		if attempt == b.MaxRetries {
			break
		}

		delay := b.RetryDelay * time.Duration(1<<uint(attempt))
		b.Logger.Debug("retrying provider request", map[string]interface{}{
			"attempt": attempt + 1,
			"delay":   delay.String(),
			"error":   lastErr.Error(),
		})

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("request failed after %d retries: %w", b.MaxRetries, lastErr)
}
