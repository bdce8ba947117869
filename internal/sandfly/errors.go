package sandfly

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// ErrNotAuthenticated is returned by TokenManager operations that require a
// completed login.
var ErrNotAuthenticated = errors.New("sandfly: session is not authenticated")

// maxBodyInError caps how much of a server response body is carried in error
// messages.
const maxBodyInError = 512

// ConnectivityError reports that the Sandfly server could not be reached at
// all: DNS, TCP, TLS or proxy failure, or a request that never got a response.
type ConnectivityError struct {
	// Op names the call that failed, e.g. "login" or "GET /hosts".
	Op  string
	Err error
}

func (e *ConnectivityError) Error() string {
	return fmt.Sprintf("sandfly: cannot reach server during %s: %v", e.Op, e.Err)
}

func (e *ConnectivityError) Unwrap() error { return e.Err }

// AuthenticationError reports rejected credentials, a malformed login or
// refresh response, or a refused token refresh.
type AuthenticationError struct {
	Reason string

	// StatusCode is zero when the failure was not an HTTP status (e.g. a
	// response body that could not be decoded).
	StatusCode int
	Body       string
}

func (e *AuthenticationError) Error() string {
	if e.StatusCode == 0 {
		return "sandfly: authentication failed: " + e.Reason
	}
	if e.Body == "" {
		return fmt.Sprintf("sandfly: authentication failed: %s (HTTP %d)", e.Reason, e.StatusCode)
	}
	return fmt.Sprintf("sandfly: authentication failed: %s (HTTP %d): %s", e.Reason, e.StatusCode, e.Body)
}

// AuthorizationError reports an authenticated account that may not perform
// the requested work: either the role gate refused it at login, or the server
// kept answering 401 after a token refresh.
type AuthorizationError struct {
	Reason string

	// Required and Detected are populated by the role gate only.
	Required []string
	Detected []string
}

func (e *AuthorizationError) Error() string {
	if len(e.Required) == 0 {
		return "sandfly: not authorized: " + e.Reason
	}
	detected := "none"
	if len(e.Detected) > 0 {
		detected = strings.Join(e.Detected, ", ")
	}
	return fmt.Sprintf("sandfly: not authorized: %s: account must have at least one of %s (detected: %s)",
		e.Reason, strings.Join(e.Required, ", "), detected)
}

// APICallError reports a terminal non-200 response to an authenticated GET,
// including 429/5xx responses that outlived the transport's retries.
type APICallError struct {
	Path       string
	StatusCode int
	Body       string
}

func (e *APICallError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("sandfly: GET %s returned HTTP %d", e.Path, e.StatusCode)
	}
	return fmt.Sprintf("sandfly: GET %s returned HTTP %d: %s", e.Path, e.StatusCode, e.Body)
}

// truncateBody shortens a response body for inclusion in an error.
func truncateBody(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= maxBodyInError {
		return s
	}
	cut := maxBodyInError
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
