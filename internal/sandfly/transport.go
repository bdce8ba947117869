package sandfly

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

// Transport defaults.
const (
	DefaultTimeout        = 60 * time.Second
	DefaultMaxRetries     = 5
	DefaultInitialBackoff = time.Second
	backoffMultiplier     = 2.0
	maxBackoffInterval    = 2 * time.Minute
)

// ProxyConfig is an optional forward proxy for all traffic to one Sandfly
// server. User and Pass are embedded in the proxy URL only when both are set.
type ProxyConfig struct {
	URL  string
	User string
	Pass string
}

// Credentials holds everything needed to talk to one Sandfly server. A value
// is immutable for the duration of a collector run.
type Credentials struct {
	// URL is the server base URL, e.g. "https://sandfly.example.com".
	URL      string
	Username string
	Password string

	// VerifyTLS controls server certificate verification. Config defaults it
	// to true; a zero Credentials value skips verification.
	VerifyTLS bool

	// Timeout bounds each HTTP attempt, including reading its body. Retry
	// waits are not counted. Zero means DefaultTimeout.
	Timeout time.Duration

	Proxy *ProxyConfig

	// RequestsPerSecond throttles requests client-side. Zero disables it.
	RequestsPerSecond float64
}

// RetryPolicy controls how 429 and 5xx responses are retried.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int

	// InitialBackoff is the wait before the first retry; each following wait
	// doubles.
	InitialBackoff time.Duration
}

// DefaultRetryPolicy returns 5 retries starting at one second.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: DefaultMaxRetries, InitialBackoff: DefaultInitialBackoff}
}

// NewHTTPClient builds the transport session for one source: TLS policy,
// optional proxy, optional rate limit and status-driven retries. base may be
// nil, in which case a clone of http.DefaultTransport is used.
func NewHTTPClient(creds Credentials, policy RetryPolicy, base http.RoundTripper) (*http.Client, error) {
	if base == nil {
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.TLSClientConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: !creds.VerifyTLS, //nolint:gosec // operator opt-out for self-signed servers
		}
		tr.Proxy = nil
		if creds.Proxy != nil && creds.Proxy.URL != "" {
			pu, err := proxyURL(*creds.Proxy)
			if err != nil {
				return nil, err
			}
			tr.Proxy = http.ProxyURL(pu)
		}
		base = tr
	}

	timeout := creds.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	rt := &retryTransport{
		base:       base,
		timeout:    timeout,
		maxRetries: policy.MaxRetries,
		initial:    policy.InitialBackoff,
	}
	if rt.initial <= 0 {
		rt.initial = DefaultInitialBackoff
	}
	if rt.maxRetries < 0 {
		rt.maxRetries = 0
	}
	if creds.RequestsPerSecond > 0 {
		rt.limiter = rate.NewLimiter(rate.Limit(creds.RequestsPerSecond), 1)
	}

	// No Client.Timeout: it would cap the whole retry chain.
	return &http.Client{Transport: rt}, nil
}

// proxyURL parses the proxy address and embeds user:pass when both are set.
func proxyURL(p ProxyConfig) (*url.URL, error) {
	u, err := url.Parse(p.URL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("parse proxy url: %q has no scheme or host", p.URL)
	}
	if p.User != "" && p.Pass != "" {
		u.User = url.UserPassword(p.User, p.Pass)
	}
	return u, nil
}

// ---------------------------------------------------------------------------
// retryTransport
// ---------------------------------------------------------------------------

// retryTransport retries GET and POST requests that come back 429 or 5xx.
// Transport-level errors are returned immediately. When retries run out the
// last response is handed back unchanged so the caller can map its status.
type retryTransport struct {
	base       http.RoundTripper
	timeout    time.Duration
	maxRetries int
	initial    time.Duration
	limiter    *rate.Limiter
}

// errRetryableStatus marks an attempt that should be retried.
var errRetryableStatus = errors.New("retryable status")

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Method != http.MethodGet && req.Method != http.MethodPost {
		if err := t.wait(req); err != nil {
			return nil, err
		}
		return t.attempt(req)
	}

	b := &retryAfterBackOff{BackOff: backoff.WithMaxRetries(t.newExponential(), uint64(t.maxRetries))}
	policy := backoff.WithContext(b, req.Context())

	var (
		last  *http.Response
		tries int
	)
	op := func() error {
		if last != nil {
			drainAndClose(last)
			last = nil
		}
		if err := t.wait(req); err != nil {
			return backoff.Permanent(err)
		}

		r := req
		if tries > 0 && req.Body != nil && req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return backoff.Permanent(fmt.Errorf("rewind request body: %w", err))
			}
			r = req.Clone(req.Context())
			r.Body = body
		}
		tries++

		resp, err := t.attempt(r)
		if err != nil {
			return backoff.Permanent(err)
		}
		last = resp
		if !retryableStatus(resp.StatusCode) {
			return nil
		}
		b.hint = retryAfter(resp)
		return errRetryableStatus
	}

	err := backoff.Retry(op, policy)
	if err == nil || errors.Is(err, errRetryableStatus) {
		return last, nil
	}
	if last != nil {
		drainAndClose(last)
	}
	return nil, err
}

// attempt sends one request under its own deadline. The deadline stays armed
// until the response body is closed.
func (t *retryTransport) attempt(req *http.Request) (*http.Response, error) {
	if t.timeout <= 0 {
		return t.base.RoundTrip(req)
	}
	ctx, cancel := context.WithTimeout(req.Context(), t.timeout)
	resp, err := t.base.RoundTrip(req.WithContext(ctx))
	if err != nil {
		cancel()
		if errors.Is(err, context.DeadlineExceeded) && req.Context().Err() == nil {
			return nil, fmt.Errorf("%s %s: no response within %s: %w", req.Method, req.URL.Redacted(), t.timeout, err)
		}
		return nil, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// cancelOnClose releases an attempt's deadline once its body is closed.
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnClose) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func (t *retryTransport) newExponential() *backoff.ExponentialBackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = t.initial
	eb.Multiplier = backoffMultiplier
	eb.RandomizationFactor = 0
	eb.MaxInterval = maxBackoffInterval
	eb.MaxElapsedTime = 0
	eb.Reset()
	return eb
}

func (t *retryTransport) wait(req *http.Request) error {
	if t.limiter == nil {
		return nil
	}
	if err := t.limiter.Wait(req.Context()); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	return nil
}

// retryableStatus reports whether a response status should be retried.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// retryAfter reads a Retry-After header given in seconds on 429/503.
func retryAfter(resp *http.Response) time.Duration {
	if resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusServiceUnavailable {
		return 0
	}
	secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
	if err != nil || secs <= 0 {
		return 0
	}
	d := time.Duration(secs) * time.Second
	if d > maxBackoffInterval {
		d = maxBackoffInterval
	}
	return d
}

// retryAfterBackOff stretches the next wait to a server-provided Retry-After.
type retryAfterBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	d := b.BackOff.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	if b.hint > d {
		d = b.hint
	}
	b.hint = 0
	return d
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}
