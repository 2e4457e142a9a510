package cdn

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/wowserhq/cascore/casctypes"
)

// RetryPolicy controls range-fetch retry behaviour, grounded on
// http-range.go's retryExpotentialBackoff, generalized with jitter and
// a fatal/retryable split on HTTP status per spec.md §5 ("timeouts... a
// timeout surfaces as Network(Timeout)"; 4xx responses are a
// client-side error that retrying cannot fix, 5xx/transport failures
// are worth retrying).
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy matches spec.md's default of up to 3 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond}
}

// RangeFetcher issues single HTTP Range requests against a CDN host,
// retrying transient failures with exponential backoff and jitter.
type RangeFetcher struct {
	client *http.Client
	policy RetryPolicy
}

// NewRangeFetcher constructs a fetcher. A nil client builds one via
// NewHTTPClient.
func NewRangeFetcher(client *http.Client, policy RetryPolicy) *RangeFetcher {
	if client == nil {
		client = NewHTTPClient(0)
	}
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}
	return &RangeFetcher{client: client, policy: policy}
}

// fatalHTTPStatus reports whether status is a client error that no
// amount of retrying will resolve.
func fatalHTTPStatus(status int) bool {
	return status >= 400 && status < 500
}

// Fetch retrieves the half-open byte range r from url, translated to
// the inclusive HTTP Range header CDN hosts expect.
func (f *RangeFetcher) Fetch(ctx context.Context, url string, r Range) ([]byte, error) {
	var lastErr error
	delay := f.policy.BaseDelay

	for attempt := 0; attempt < f.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			jitter := time.Duration(rand.Int63n(int64(delay) + 1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay + jitter):
			}
			delay *= 2
		}

		data, status, err := f.doFetch(ctx, url, r)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if status != 0 && fatalHTTPStatus(status) {
			return nil, &casctypes.HTTPStatusError{Code: status, Context: url}
		}
	}
	return nil, fmt.Errorf("cdn: range fetch %s [%d-%d) failed after %d attempts: %w", url, r.Start, r.End, f.policy.MaxAttempts, lastErr)
}

func (f *RangeFetcher) doFetch(ctx context.Context, url string, r Range) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, 0, err
	}
	// HTTP Range is inclusive; r is the half-open [Start, End).
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", r.Start, r.End-1))

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, &casctypes.HTTPStatusError{Code: resp.StatusCode, Context: url}
	}

	want := int(r.End - r.Start)
	buf := make([]byte, want)
	n, err := io.ReadFull(resp.Body, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, resp.StatusCode, err
	}
	return buf[:n], resp.StatusCode, nil
}
