package notify

import (
	"context"
	"math/rand"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	// maxAttempts is the total delivery attempts per target: the first try
	// plus two retries.
	maxAttempts = 3

	// attemptTimeout bounds a single outbound request.
	attemptTimeout = 10 * time.Second
)

// newRetryClient builds the retrying HTTP client shared by the webhook,
// SMS, and push channels: up to three attempts, exponential backoff with
// ±20% jitter, no retry on permanent (4xx) rejections.
func newRetryClient() *retryablehttp.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = maxAttempts - 1
	rc.Logger = nil
	rc.HTTPClient = &http.Client{Timeout: attemptTimeout}
	rc.Backoff = jitterBackoff
	rc.CheckRetry = checkRetry
	return rc
}

// jitterBackoff waits 2^(n+1) seconds before retry n, jittered ±20%.
func jitterBackoff(_, _ time.Duration, attemptNum int, _ *http.Response) time.Duration {
	base := time.Duration(1<<uint(attemptNum+1)) * time.Second
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(float64(base) * jitter)
}

// checkRetry retries network failures and 5xx/429 responses. 4xx responses
// (including 410 Gone from push endpoints) are permanent and returned to
// the channel for classification.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return true, nil
	}
	return false, nil
}

// permanentStatus reports whether code is a permanent rejection: retrying
// it cannot succeed.
func permanentStatus(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusTooManyRequests
}
