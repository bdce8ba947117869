package sandfly

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pankaj-dahiya-devops/sandfly-collector/internal/version"
)

// TokenLifetime is how long an access token is trusted locally after a
// successful login or refresh.
const TokenLifetime = 300 * time.Second

const (
	loginPath   = "/v4/auth/login"
	refreshPath = "/v4/auth/refresh"
)

// Clock returns the current time. Tests substitute it to age tokens.
type Clock func() time.Time

// SessionState is the lifecycle position of a TokenManager.
type SessionState string

const (
	StateUnauthenticated SessionState = "unauthenticated"
	StateAuthenticated   SessionState = "authenticated"
	StateFailed          SessionState = "failed"
)

// TokenManager owns the access/refresh token pair for one source. It is not
// safe for concurrent use; a collector run drives it from a single goroutine.
type TokenManager struct {
	baseURL string
	creds   Credentials
	http    *http.Client
	now     Clock
	logger  *slog.Logger
	tracer  trace.Tracer

	state        SessionState
	accessToken  string
	refreshToken string
	expiresAt    time.Time
	identity     Identity
	refreshes    int
}

// NewTokenManager returns an unauthenticated manager. Call Login before
// requesting headers.
func NewTokenManager(creds Credentials, httpClient *http.Client, now Clock, logger *slog.Logger, tracer trace.Tracer) *TokenManager {
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &TokenManager{
		baseURL: strings.TrimRight(creds.URL, "/"),
		creds:   creds,
		http:    httpClient,
		now:     now,
		logger:  logger,
		tracer:  tracer,
		state:   StateUnauthenticated,
	}
}

type loginRequest struct {
	Username    string `json:"username"`
	Password    string `json:"password"`
	FullDetails bool   `json:"full_details"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	User         *struct {
		Username string   `json:"username"`
		Roles    []string `json:"roles"`
	} `json:"user"`
}

// Login authenticates with username and password, then runs the role gate
// against the roles returned in the login response.
func (m *TokenManager) Login(ctx context.Context) (err error) {
	ctx, span := m.tracer.Start(ctx, "sandfly.Login")
	defer func() { endSpan(span, err) }()

	m.logger.Info("authenticating to sandfly api", "url", m.baseURL, "username", m.creds.Username)

	payload, err := json.Marshal(loginRequest{
		Username:    m.creds.Username,
		Password:    m.creds.Password,
		FullDetails: true,
	})
	if err != nil {
		return fmt.Errorf("encode login request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+loginPath, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	status, body, err := m.do(req)
	if err != nil {
		m.state = StateFailed
		return &ConnectivityError{Op: "login", Err: err}
	}
	span.SetAttributes(attribute.Int("http.status_code", status))

	switch {
	case status == http.StatusUnauthorized:
		m.state = StateFailed
		return &AuthenticationError{Reason: "invalid username or password", StatusCode: status}
	case status != http.StatusOK:
		m.state = StateFailed
		return &AuthenticationError{Reason: "unexpected login response", StatusCode: status, Body: truncateBody(body)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		m.state = StateFailed
		return &AuthenticationError{Reason: "malformed login response: " + err.Error()}
	}
	if tr.AccessToken == "" || tr.RefreshToken == "" {
		m.state = StateFailed
		return &AuthenticationError{Reason: "login response missing access or refresh token"}
	}
	if tr.User == nil {
		m.state = StateFailed
		return &AuthenticationError{Reason: "login response missing user details"}
	}

	m.accessToken = tr.AccessToken
	m.refreshToken = tr.RefreshToken
	m.expiresAt = m.now().Add(TokenLifetime)
	m.identity = Identity{Username: tr.User.Username, Roles: append([]string(nil), tr.User.Roles...)}
	if m.identity.Username == "" {
		m.identity.Username = m.creds.Username
	}

	if err := CheckRoles(m.identity.Roles); err != nil {
		m.state = StateFailed
		return err
	}

	m.state = StateAuthenticated
	m.logger.Info("authentication and role validation successful", "roles", strings.Join(m.identity.Roles, ","))
	return nil
}

// AuthHeader returns the Authorization header value, refreshing first when
// the local expiry has passed.
func (m *TokenManager) AuthHeader(ctx context.Context) (string, error) {
	if m.state != StateAuthenticated {
		return "", ErrNotAuthenticated
	}
	if m.Expired() {
		if err := m.Refresh(ctx); err != nil {
			return "", err
		}
	}
	return "Bearer " + m.accessToken, nil
}

// Refresh exchanges the refresh token for a new token pair. Any non-200
// answer fails the session; there is no fallback to a fresh login.
func (m *TokenManager) Refresh(ctx context.Context) (err error) {
	if m.state != StateAuthenticated {
		return ErrNotAuthenticated
	}
	ctx, span := m.tracer.Start(ctx, "sandfly.Refresh")
	defer func() { endSpan(span, err) }()

	m.logger.Info("refreshing sandfly api token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+refreshPath, nil)
	if err != nil {
		return fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+m.refreshToken)
	req.Header.Set("Accept", "application/json")

	status, body, err := m.do(req)
	if err != nil {
		m.state = StateFailed
		return &ConnectivityError{Op: "refresh", Err: err}
	}
	span.SetAttributes(attribute.Int("http.status_code", status))
	if status != http.StatusOK {
		m.state = StateFailed
		return &AuthenticationError{Reason: "token refresh failed", StatusCode: status, Body: truncateBody(body)}
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		m.state = StateFailed
		return &AuthenticationError{Reason: "malformed refresh response: " + err.Error()}
	}
	if tr.AccessToken == "" {
		m.state = StateFailed
		return &AuthenticationError{Reason: "refresh response missing access token"}
	}

	m.accessToken = tr.AccessToken
	if tr.RefreshToken != "" {
		m.refreshToken = tr.RefreshToken
	}
	m.expiresAt = m.now().Add(TokenLifetime)
	m.refreshes++
	return nil
}

// Expired reports whether the local validity window has closed.
func (m *TokenManager) Expired() bool {
	return !m.now().Before(m.expiresAt)
}

// State returns the current session state.
func (m *TokenManager) State() SessionState { return m.state }

// Identity returns the account captured at login.
func (m *TokenManager) Identity() Identity { return m.identity }

// Refreshes returns how many successful refreshes this session performed.
func (m *TokenManager) Refreshes() int { return m.refreshes }

// ExpiresAt returns the end of the current validity window.
func (m *TokenManager) ExpiresAt() time.Time { return m.expiresAt }

func (m *TokenManager) do(req *http.Request) (int, []byte, error) {
	req.Header.Set("User-Agent", version.UserAgent())
	resp, err := m.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response body: %w", err)
	}
	return resp.StatusCode, body, nil
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
