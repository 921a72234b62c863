// Package fetch downloads remote archives to local paths over HTTP.
//
// Transient server-side failures are retried with exponential backoff inside
// the HTTP client's transport; callers see a single Fetch call that either
// lands the complete blob at the destination path or reports one of two
// terminal conditions: the retry budget ran out ([ErrRetryExhausted]) or the
// remote could not serve the request at all ([ErrConnectionFailed]).
//
// Destination files are published atomically (temp file + rename), so the
// destination path never holds a partial download.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/natefinch/atomic"
	"oras.land/oras-go/v2/registry/remote/retry"
)

// Fetch errors. Both are terminal: the fetcher has already retried where
// retrying could help.
var (
	// ErrRetryExhausted is returned when the remote kept answering with a
	// retryable status for the whole retry budget.
	ErrRetryExhausted = errors.New("retry budget exhausted")

	// ErrConnectionFailed is returned when the remote is unreachable or
	// answers with a non-retryable, non-success status.
	ErrConnectionFailed = errors.New("connection failed")
)

// Defaults for the retry policy.
const (
	DefaultRetries    = 5
	DefaultBackoff    = 300 * time.Millisecond
	DefaultMaxBackoff = 5 * time.Second
)

// DefaultRetryStatuses are the HTTP status codes treated as transient.
func DefaultRetryStatuses() []int {
	return []int{
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout,
	}
}

// HTTP downloads blobs over HTTP with retries. Construct with [NewHTTP].
//
// HTTP is safe for concurrent use.
type HTTP struct {
	client      *http.Client
	retries     int
	backoff     time.Duration
	maxBackoff  time.Duration
	retryStatus map[int]struct{}
}

// Option configures an [HTTP] fetcher.
type Option func(*HTTP)

// WithRetries sets how many times a retryable response is retried after the
// initial attempt. Zero disables retrying.
func WithRetries(n int) Option {
	return func(h *HTTP) {
		if n >= 0 {
			h.retries = n
		}
	}
}

// WithBackoff sets the base wait between retries. The wait grows
// exponentially from this base and is clamped by [WithMaxBackoff].
func WithBackoff(d time.Duration) Option {
	return func(h *HTTP) {
		if d > 0 {
			h.backoff = d
		}
	}
}

// WithMaxBackoff caps the wait between retries.
func WithMaxBackoff(d time.Duration) Option {
	return func(h *HTTP) {
		if d > 0 {
			h.maxBackoff = d
		}
	}
}

// WithRetryStatuses replaces the set of HTTP status codes treated as
// transient.
func WithRetryStatuses(codes ...int) Option {
	return func(h *HTTP) {
		h.retryStatus = make(map[int]struct{}, len(codes))
		for _, code := range codes {
			h.retryStatus[code] = struct{}{}
		}
	}
}

// WithClient replaces the default retrying HTTP client wholesale. Retry
// options only shape the default client; a custom client brings its own
// transport behavior.
func WithClient(client *http.Client) Option {
	return func(h *HTTP) {
		h.client = client
	}
}

// NewHTTP returns a fetcher with the default retry policy, adjusted by opts.
func NewHTTP(opts ...Option) *HTTP {
	h := &HTTP{
		retries:    DefaultRetries,
		backoff:    DefaultBackoff,
		maxBackoff: DefaultMaxBackoff,
	}

	WithRetryStatuses(DefaultRetryStatuses()...)(h)

	for _, opt := range opts {
		opt(h)
	}

	if h.client == nil {
		h.client = &http.Client{
			Transport: &retry.Transport{
				Base:   http.DefaultTransport,
				Policy: h.policy,
			},
		}
	}

	return h
}

// Fetch downloads srcURL and writes it to dst atomically. The file at dst is
// either absent or complete; it never holds a partial body.
//
// Transient statuses are retried by the transport before Fetch sees the
// response. A retryable status that survives the whole budget maps to
// [ErrRetryExhausted]; transport failures and non-retryable statuses map to
// [ErrConnectionFailed].
func (h *HTTP) Fetch(ctx context.Context, dst, srcURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srcURL, nil)
	if err != nil {
		return fmt.Errorf("building request for %s: %w", srcURL, err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: GET %s: %w", ErrConnectionFailed, srcURL, err)
	}

	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := atomic.WriteFile(dst, resp.Body); err != nil {
			return fmt.Errorf("writing %s: %w", dst, err)
		}

		return nil
	case h.isRetryStatus(resp.StatusCode):
		return fmt.Errorf("%w: GET %s: %s after %d retries", ErrRetryExhausted, srcURL, resp.Status, h.retries)
	default:
		return fmt.Errorf("%w: GET %s: %s", ErrConnectionFailed, srcURL, resp.Status)
	}
}

func (h *HTTP) isRetryStatus(code int) bool {
	_, ok := h.retryStatus[code]
	return ok
}

// policy builds the per-request retry policy for the default transport.
func (h *HTTP) policy() retry.Policy {
	return &retry.GenericPolicy{
		Retryable: h.retryable,
		Backoff:   retry.ExponentialBackoff(h.backoff, 2, 0.1),
		MinWait:   h.backoff,
		MaxWait:   h.maxBackoff,
		MaxRetry:  h.retries,
	}
}

// retryable reports whether the transport should retry. Network timeouts and
// the configured transient statuses are retried; everything else surfaces to
// Fetch for classification.
func (h *HTTP) retryable(resp *http.Response, err error) (bool, error) {
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return true, nil
		}

		return false, err
	}

	return h.isRetryStatus(resp.StatusCode), nil
}
