// Package sandfly is a client for the Sandfly Security REST API: a retrying
// transport session, a token manager with proactive and reactive refresh, the
// login role gate, and typed helpers for the endpoints the collector reads.
package sandfly

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pankaj-dahiya-devops/sandfly-collector/internal/version"
)

const tracerName = "github.com/pankaj-dahiya-devops/sandfly-collector/internal/sandfly"

// Endpoint paths.
const (
	DefaultProbePath = "/v4/version"
	hostsPath        = "/hosts"
	maxResultIDPath  = "/results/getMaxID"
	resultPathPrefix = "/results/"
)

// ---------------------------------------------------------------------------
// Options
// ---------------------------------------------------------------------------

type clientOptions struct {
	logger    *slog.Logger
	clock     Clock
	retry     RetryPolicy
	transport http.RoundTripper
	tracer    trace.Tracer
	probePath string
}

// Option configures a Client.
type Option func(*clientOptions)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *clientOptions) { o.logger = l }
}

// WithClock replaces time.Now for token expiry bookkeeping.
func WithClock(c Clock) Option {
	return func(o *clientOptions) { o.clock = c }
}

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *clientOptions) { o.retry = p }
}

// WithBaseTransport replaces the underlying round tripper. TLS and proxy
// settings from Credentials are not applied to an injected transport.
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(o *clientOptions) { o.transport = rt }
}

// WithTracer sets the tracer used for login, refresh and GET spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *clientOptions) { o.tracer = t }
}

// WithProbePath sets the path used by Version. Empty keeps DefaultProbePath.
func WithProbePath(p string) Option {
	return func(o *clientOptions) {
		if p != "" {
			o.probePath = p
		}
	}
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// Client is an authenticated Sandfly API session for one source. It is not
// safe for concurrent use.
type Client struct {
	baseURL   string
	http      *http.Client
	tokens    *TokenManager
	logger    *slog.Logger
	tracer    trace.Tracer
	probePath string
}

// NewClient builds the transport session and token manager without
// contacting the server. Call Login before any GET.
func NewClient(creds Credentials, opts ...Option) (*Client, error) {
	o := clientOptions{
		retry:     DefaultRetryPolicy(),
		probePath: DefaultProbePath,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}

	base := strings.TrimRight(creds.URL, "/")
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid sandfly url %q", creds.URL)
	}

	httpClient, err := NewHTTPClient(creds, o.retry, o.transport)
	if err != nil {
		return nil, err
	}

	return &Client{
		baseURL:   base,
		http:      httpClient,
		tokens:    NewTokenManager(creds, httpClient, o.clock, o.logger, o.tracer),
		logger:    o.logger,
		tracer:    o.tracer,
		probePath: o.probePath,
	}, nil
}

// Connect is NewClient followed by Login.
func Connect(ctx context.Context, creds Credentials, opts ...Option) (*Client, error) {
	c, err := NewClient(creds, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Login(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Login authenticates and runs the role gate.
func (c *Client) Login(ctx context.Context) error {
	return c.tokens.Login(ctx)
}

// Identity returns the account captured at login.
func (c *Client) Identity() Identity { return c.tokens.Identity() }

// Tokens exposes the session's token manager.
func (c *Client) Tokens() *TokenManager { return c.tokens }

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// JSON decodes the response body into v.
func (r *Response) JSON(v any) error {
	return json.Unmarshal(r.Body, v)
}

// Get issues an authenticated GET. A 401 triggers exactly one token refresh
// and one retry; a second 401 is an *AuthorizationError. Any other non-200 is
// an *APICallError.
func (c *Client) Get(ctx context.Context, path string, query url.Values) (resp *Response, err error) {
	ctx, span := c.tracer.Start(ctx, "sandfly.Get", trace.WithAttributes(attribute.String("sandfly.path", path)))
	defer func() {
		if resp != nil {
			span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
		}
		endSpan(span, err)
	}()

	resp, err = c.getOnce(ctx, path, query)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.logger.Info("request rejected with 401, refreshing token", "path", path)
		if err := c.tokens.Refresh(ctx); err != nil {
			return nil, err
		}
		resp, err = c.getOnce(ctx, path, query)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, &AuthorizationError{Reason: fmt.Sprintf("GET %s still unauthorized after token refresh", path)}
		}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APICallError{Path: path, StatusCode: resp.StatusCode, Body: truncateBody(resp.Body)}
	}
	return resp, nil
}

// GetJSON is Get followed by decoding the body into v.
func (c *Client) GetJSON(ctx context.Context, path string, query url.Values, v any) error {
	resp, err := c.Get(ctx, path, query)
	if err != nil {
		return err
	}
	if err := resp.JSON(v); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) getOnce(ctx context.Context, path string, query url.Values) (*Response, error) {
	auth, err := c.tokens.AuthHeader(ctx)
	if err != nil {
		return nil, err
	}

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request for %s: %w", path, err)
	}
	req.Header.Set("Authorization", auth)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())

	hr, err := c.http.Do(req)
	if err != nil {
		return nil, &ConnectivityError{Op: "GET " + path, Err: err}
	}
	defer hr.Body.Close()

	body, err := io.ReadAll(hr.Body)
	if err != nil {
		return nil, &ConnectivityError{Op: "GET " + path, Err: fmt.Errorf("read response body: %w", err)}
	}
	return &Response{StatusCode: hr.StatusCode, Header: hr.Header, Body: body}, nil
}

// ---------------------------------------------------------------------------
// Endpoint helpers
// ---------------------------------------------------------------------------

// Envelope is the paged list wrapper returned by list endpoints.
type Envelope struct {
	Data        []json.RawMessage `json:"data"`
	MoreResults bool              `json:"more_results"`
	Total       int               `json:"total"`
}

// Hosts returns the full host inventory.
func (c *Client) Hosts(ctx context.Context) (*Envelope, error) {
	var env Envelope
	if err := c.GetJSON(ctx, hostsPath, nil, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

type maxIDResponse struct {
	ID   *int64 `json:"id"`
	Data *struct {
		ID *int64 `json:"id"`
	} `json:"data"`
}

// MaxResultID returns the highest result ID currently stored on the server.
func (c *Client) MaxResultID(ctx context.Context) (int64, error) {
	var r maxIDResponse
	if err := c.GetJSON(ctx, maxResultIDPath, nil, &r); err != nil {
		return 0, err
	}
	var id *int64
	switch {
	case r.ID != nil:
		id = r.ID
	case r.Data != nil && r.Data.ID != nil:
		id = r.Data.ID
	default:
		return 0, fmt.Errorf("decode %s response: no id field", maxResultIDPath)
	}
	if *id < 0 {
		return 0, fmt.Errorf("decode %s response: negative id %d", maxResultIDPath, *id)
	}
	return *id, nil
}

// Result returns the raw JSON document of one result.
func (c *Client) Result(ctx context.Context, id int64) (json.RawMessage, error) {
	path := resultPathPrefix + strconv.FormatInt(id, 10)
	resp, err := c.Get(ctx, path, nil)
	if err != nil {
		return nil, err
	}
	if !json.Valid(resp.Body) {
		return nil, fmt.Errorf("decode %s response: body is not valid JSON", path)
	}
	return json.RawMessage(resp.Body), nil
}

// Version calls the reachability probe and returns its raw body.
func (c *Client) Version(ctx context.Context) (json.RawMessage, error) {
	resp, err := c.Get(ctx, c.probePath, nil)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(resp.Body), nil
}
