package sandfly_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pankaj-dahiya-devops/sandfly-collector/internal/sandfly"
	"github.com/pankaj-dahiya-devops/sandfly-collector/internal/sandfly/sandflytest"
)

// ── helpers ───────────────────────────────────────────────────────────────────

type fakeClock struct{ now time.Time }

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCreds(srv *sandflytest.Server) sandfly.Credentials {
	return sandfly.Credentials{
		URL:       srv.URL,
		Username:  sandflytest.Username,
		Password:  sandflytest.Password,
		VerifyTLS: true,
		Timeout:   5 * time.Second,
	}
}

func testOptions(clk *fakeClock, extra ...sandfly.Option) []sandfly.Option {
	opts := []sandfly.Option{
		sandfly.WithLogger(discardLogger()),
		sandfly.WithClock(clk.Now),
		sandfly.WithRetryPolicy(sandfly.RetryPolicy{MaxRetries: 2, InitialBackoff: time.Millisecond}),
	}
	return append(opts, extra...)
}

func connect(t *testing.T, srv *sandflytest.Server, clk *fakeClock, extra ...sandfly.Option) *sandfly.Client {
	t.Helper()
	c, err := sandfly.Connect(context.Background(), testCreds(srv), testOptions(clk, extra...)...)
	require.NoError(t, err)
	return c
}

func newMuxServer(t *testing.T, h http.Handler) string {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv.URL
}

func countRequests(reqs []string, want string) int {
	n := 0
	for _, r := range reqs {
		if r == want {
			n++
		}
	}
	return n
}

// ── login ─────────────────────────────────────────────────────────────────────

func TestConnect_ValidCredentialsYieldFreshSession(t *testing.T) {
	srv := sandflytest.NewServer()
	defer srv.Close()
	clk := newFakeClock()

	c := connect(t, srv, clk)

	assert.Equal(t, sandfly.StateAuthenticated, c.Tokens().State())
	assert.False(t, c.Tokens().Expired())
	assert.Equal(t, clk.Now().Add(sandfly.TokenLifetime), c.Tokens().ExpiresAt())
	assert.Equal(t, []string{"api_result_read"}, c.Identity().Roles)
	assert.Equal(t, sandflytest.Username, c.Identity().Username)
	assert.Equal(t, 1, srv.Logins())
}

func TestConnect_InvalidPassword(t *testing.T) {
	srv := sandflytest.NewServer()
	defer srv.Close()

	creds := testCreds(srv)
	creds.Password = "wrong"
	_, err := sandfly.Connect(context.Background(), creds, testOptions(newFakeClock())...)

	var authErr *sandfly.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, http.StatusUnauthorized, authErr.StatusCode)
	assert.Contains(t, err.Error(), "invalid username or password")
}

func TestConnect_LoginServerErrorAfterRetries(t *testing.T) {
	srv := sandflytest.NewServer()
	defer srv.Close()
	srv.Set(func(s *sandflytest.Server) { s.LoginStatus = http.StatusBadGateway })

	_, err := sandfly.Connect(context.Background(), testCreds(srv), testOptions(newFakeClock())...)

	var authErr *sandfly.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, http.StatusBadGateway, authErr.StatusCode)
	assert.Contains(t, authErr.Body, "forced")
	// first attempt plus two retries
	assert.Equal(t, 3, srv.Logins())
}

func TestConnect_MissingUserObjectIsMalformed(t *testing.T) {
	srv := sandflytest.NewServer()
	defer srv.Close()
	srv.Set(func(s *sandflytest.Server) { s.OmitUser = true })

	_, err := sandfly.Connect(context.Background(), testCreds(srv), testOptions(newFakeClock())...)

	var authErr *sandfly.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Contains(t, authErr.Reason, "missing user details")
}

func TestConnect_DisjointRolesRejectedAfterAuthentication(t *testing.T) {
	srv := sandflytest.NewServer()
	defer srv.Close()
	srv.Set(func(s *sandflytest.Server) { s.Roles = []string{"viewer", "reporting"} })

	_, err := sandfly.Connect(context.Background(), testCreds(srv), testOptions(newFakeClock())...)

	var authzErr *sandfly.AuthorizationError
	require.ErrorAs(t, err, &authzErr)
	assert.Equal(t, sandfly.RequiredRoles, authzErr.Required)
	assert.Equal(t, []string{"viewer", "reporting"}, authzErr.Detected)
	assert.Contains(t, err.Error(), "insufficient permissions")
	assert.Equal(t, 1, srv.Logins(), "authentication itself succeeded once")
}

func TestConnect_NoRolesRejected(t *testing.T) {
	srv := sandflytest.NewServer()
	defer srv.Close()
	srv.Set(func(s *sandflytest.Server) { s.Roles = nil })

	_, err := sandfly.Connect(context.Background(), testCreds(srv), testOptions(newFakeClock())...)

	var authzErr *sandfly.AuthorizationError
	require.ErrorAs(t, err, &authzErr)
	assert.Contains(t, authzErr.Reason, "no roles")
}

func TestConnect_UnreachableServer(t *testing.T) {
	srv := sandflytest.NewServer()
	creds := testCreds(srv)
	srv.Close()

	_, err := sandfly.Connect(context.Background(), creds, testOptions(newFakeClock())...)

	var connErr *sandfly.ConnectivityError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "login", connErr.Op)
}

func TestNewClient_RejectsInvalidURL(t *testing.T) {
	_, err := sandfly.NewClient(sandfly.Credentials{URL: "sandfly.local"})
	require.Error(t, err)
}

func TestGet_BeforeLoginFails(t *testing.T) {
	srv := sandflytest.NewServer()
	defer srv.Close()

	c, err := sandfly.NewClient(testCreds(srv), testOptions(newFakeClock())...)
	require.NoError(t, err)

	_, err = c.Hosts(context.Background())
	assert.ErrorIs(t, err, sandfly.ErrNotAuthenticated)
}

// ── proactive refresh ─────────────────────────────────────────────────────────

func TestGet_AgedTokenRefreshesExactlyOnceBeforeRequest(t *testing.T) {
	srv := sandflytest.NewServer()
	defer srv.Close()
	clk := newFakeClock()
	c := connect(t, srv, clk)

	clk.Advance(sandfly.TokenLifetime + time.Second)
	_, err := c.Hosts(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{
		"POST /v4/auth/login",
		"POST /v4/auth/refresh",
		"GET /hosts",
	}, srv.Requests())
	assert.Equal(t, 1, c.Tokens().Refreshes())
	assert.False(t, c.Tokens().Expired())
}

func TestGet_TokenAtExactExpiryRefreshes(t *testing.T) {
	srv := sandflytest.NewServer()
	defer srv.Close()
	clk := newFakeClock()
	c := connect(t, srv, clk)

	clk.Advance(sandfly.TokenLifetime)
	_, err := c.Hosts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, srv.Refreshes())
}

func TestGet_FreshTokenDoesNotRefresh(t *testing.T) {
	srv := sandflytest.NewServer()
	defer srv.Close()
	clk := newFakeClock()
	c := connect(t, srv, clk)

	clk.Advance(sandfly.TokenLifetime - time.Second)
	_, err := c.Hosts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, srv.Refreshes())
}

func TestRefresh_RejectedIsFatalWithoutRelogin(t *testing.T) {
	srv := sandflytest.NewServer()
	defer srv.Close()
	clk := newFakeClock()
	c := connect(t, srv, clk)
	srv.Set(func(s *sandflytest.Server) { s.RefreshStatus = http.StatusForbidden })

	clk.Advance(sandfly.TokenLifetime + time.Second)
	_, err := c.Hosts(context.Background())

	var authErr *sandfly.AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, http.StatusForbidden, authErr.StatusCode)
	assert.Equal(t, sandfly.StateFailed, c.Tokens().State())
	assert.Equal(t, 1, srv.Logins())
	assert.Equal(t, 0, countRequests(srv.Requests(), "GET /hosts"))
}

func TestRefresh_KeepsPreviousRefreshTokenWhenOmitted(t *testing.T) {
	srv := sandflytest.NewServer()
	defer srv.Close()
	clk := newFakeClock()
	c := connect(t, srv, clk)
	srv.Set(func(s *sandflytest.Server) { s.OmitRefreshToken = true })

	for i := 0; i < 2; i++ {
		clk.Advance(sandfly.TokenLifetime + time.Second)
		_, err := c.Hosts(context.Background())
		require.NoError(t, err, "refresh %d", i+1)
	}
	assert.Equal(t, 2, srv.Refreshes())
}

// ── reactive refresh ──────────────────────────────────────────────────────────

func TestGet_UnauthorizedRefreshesAndRetriesOnce(t *testing.T) {
	srv := sandflytest.NewServer()
	defer srv.Close()
	c := connect(t, srv, newFakeClock())
	srv.Set(func(s *sandflytest.Server) { s.Unauthorized = 1 })

	env, err := c.Hosts(context.Background())
	require.NoError(t, err)
	assert.Len(t, env.Data, 2)

	reqs := srv.Requests()
	assert.Equal(t, 2, countRequests(reqs, "GET /hosts"))
	assert.Equal(t, 1, countRequests(reqs, "POST /v4/auth/refresh"))
}

func TestGet_SecondUnauthorizedIsAuthorizationError(t *testing.T) {
	srv := sandflytest.NewServer()
	defer srv.Close()
	c := connect(t, srv, newFakeClock())
	srv.Set(func(s *sandflytest.Server) { s.Unauthorized = 5 })

	_, err := c.Hosts(context.Background())

	var authzErr *sandfly.AuthorizationError
	require.ErrorAs(t, err, &authzErr)
	reqs := srv.Requests()
	assert.Equal(t, 2, countRequests(reqs, "GET /hosts"), "exactly one retry")
	assert.Equal(t, 1, countRequests(reqs, "POST /v4/auth/refresh"), "exactly one refresh")
}

// ── transport retries ─────────────────────────────────────────────────────────

func TestGet_TransientUnavailableIsRetried(t *testing.T) {
	srv := sandflytest.NewServer()
	defer srv.Close()
	c := connect(t, srv, newFakeClock())
	srv.Set(func(s *sandflytest.Server) { s.Flaky = 2 })

	_, err := c.Hosts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, countRequests(srv.Requests(), "GET /hosts"))
}

func TestGet_ExhaustedRetriesBecomeAPICallError(t *testing.T) {
	srv := sandflytest.NewServer()
	defer srv.Close()
	c := connect(t, srv, newFakeClock())
	srv.Set(func(s *sandflytest.Server) { s.ResultStatus[5] = http.StatusInternalServerError })

	_, err := c.Result(context.Background(), 5)

	var apiErr *sandfly.APICallError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "/results/5", apiErr.Path)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
	assert.Equal(t, []int64{5, 5, 5}, srv.ResultFetches())
}

func TestGet_RetriesOutlastShortTimeout(t *testing.T) {
	srv := sandflytest.NewServer()
	defer srv.Close()
	creds := testCreds(srv)
	creds.Timeout = 100 * time.Millisecond
	c, err := sandfly.Connect(context.Background(), creds, testOptions(newFakeClock(),
		sandfly.WithRetryPolicy(sandfly.RetryPolicy{MaxRetries: 5, InitialBackoff: 20 * time.Millisecond}))...)
	require.NoError(t, err)
	srv.Set(func(s *sandflytest.Server) { s.ResultStatus[9] = http.StatusServiceUnavailable })

	_, err = c.Result(context.Background(), 9)

	var apiErr *sandfly.APICallError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.StatusCode)
	var connErr *sandfly.ConnectivityError
	assert.False(t, errors.As(err, &connErr))
	assert.Len(t, srv.ResultFetches(), 6)
}

func TestGet_ClientErrorIsNotRetried(t *testing.T) {
	srv := sandflytest.NewServer()
	defer srv.Close()
	c := connect(t, srv, newFakeClock())
	srv.Set(func(s *sandflytest.Server) { s.ResultStatus[7] = http.StatusNotFound })

	_, err := c.Result(context.Background(), 7)

	var apiErr *sandfly.APICallError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, []int64{7}, srv.ResultFetches())
}

func TestGet_CancelledContext(t *testing.T) {
	srv := sandflytest.NewServer()
	defer srv.Close()
	c := connect(t, srv, newFakeClock())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.Hosts(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

// ── endpoint helpers ──────────────────────────────────────────────────────────

func TestMaxResultID(t *testing.T) {
	srv := sandflytest.NewServer()
	defer srv.Close()
	srv.Set(func(s *sandflytest.Server) { s.MaxID = 4711 })
	c := connect(t, srv, newFakeClock())

	id, err := c.MaxResultID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4711), id)
}

func TestResult_ReturnsRawDocument(t *testing.T) {
	srv := sandflytest.NewServer()
	defer srv.Close()
	srv.Set(func(s *sandflytest.Server) {
		s.Results[42] = json.RawMessage(`{"id":42,"data":{"hostname":"web-01","status":"alert"}}`)
	})
	c := connect(t, srv, newFakeClock())

	raw, err := c.Result(context.Background(), 42)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":42,"data":{"hostname":"web-01","status":"alert"}}`, string(raw))
}

func TestHosts_DecodesEnvelope(t *testing.T) {
	srv := sandflytest.NewServer()
	defer srv.Close()
	c := connect(t, srv, newFakeClock())

	env, err := c.Hosts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, env.Total)
	assert.False(t, env.MoreResults)
	require.Len(t, env.Data, 2)
	assert.JSONEq(t, `{"host_id":"h-1","hostname":"web-01"}`, string(env.Data[0]))
}

func TestVersion_UsesConfiguredProbePath(t *testing.T) {
	srv := sandflytest.NewServer()
	defer srv.Close()
	c := connect(t, srv, newFakeClock(), sandfly.WithProbePath("/v4/version"))

	raw, err := c.Version(context.Background())
	require.NoError(t, err)
	assert.Contains(t, string(raw), "5.1.0")

	c2 := connect(t, srv, newFakeClock(), sandfly.WithProbePath("/version"))
	_, err = c2.Version(context.Background())
	var apiErr *sandfly.APICallError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestGet_SendsBearerAndAcceptHeaders(t *testing.T) {
	var seen http.Header
	mux := http.NewServeMux()
	mux.HandleFunc("/v4/auth/login", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"access_token":"a1","refresh_token":"r1","user":{"roles":["admin"]}}`)
	})
	mux.HandleFunc("/hosts", func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Clone()
		_, _ = io.WriteString(w, `{"data":[],"more_results":false,"total":0}`)
	})
	srv := newMuxServer(t, mux)

	c, err := sandfly.Connect(context.Background(), sandfly.Credentials{URL: srv, Username: "u", Password: "p"},
		testOptions(newFakeClock())...)
	require.NoError(t, err)
	_, err = c.Hosts(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "Bearer a1", seen.Get("Authorization"))
	assert.Equal(t, "application/json", seen.Get("Accept"))
}
