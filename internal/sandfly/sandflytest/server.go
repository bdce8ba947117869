// Package sandflytest provides an in-memory Sandfly API for tests.
package sandflytest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
)

// Default credentials accepted by the stub.
const (
	Username = "collector"
	Password = "s3cret"
)

// Server is a deterministic stand-in for a Sandfly server. Exported fields
// may be changed between requests; all access is guarded by the server's
// mutex.
type Server struct {
	*httptest.Server

	mu sync.Mutex

	// Roles returned in the login response's user object.
	Roles []string
	// OmitUser drops the user object from the login response.
	OmitUser bool
	// LoginStatus and RefreshStatus force a status on the auth endpoints.
	LoginStatus   int
	RefreshStatus int
	// OmitRefreshToken drops refresh_token from refresh responses.
	OmitRefreshToken bool

	// Hosts is the inventory served by /hosts.
	Hosts []json.RawMessage
	// MaxID is served by /results/getMaxID.
	MaxID int64
	// Results holds explicit result bodies; missing IDs get a generated body.
	Results map[int64]json.RawMessage
	// ResultStatus forces a status for specific result IDs.
	ResultStatus map[int64]int

	// Unauthorized makes the next N authenticated GETs answer 401 regardless
	// of the token presented.
	Unauthorized int
	// Flaky makes the next N requests of any kind answer 503.
	Flaky int

	accessToken  string
	refreshToken string
	tokenSeq     int

	requests  []string
	logins    int
	refreshes int
}

// NewServer starts a stub with one api_result_read role, two hosts and no
// results. Callers must Close it.
func NewServer() *Server {
	s := &Server{
		Roles: []string{"api_result_read"},
		Hosts: []json.RawMessage{
			json.RawMessage(`{"host_id":"h-1","hostname":"web-01"}`),
			json.RawMessage(`{"host_id":"h-2","hostname":"db-01"}`),
		},
		Results:      map[int64]json.RawMessage{},
		ResultStatus: map[int64]int{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// Requests returns "METHOD path" for every request served, in order.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.requests...)
}

// ResultFetches returns the result IDs requested, in order.
func (s *Server) ResultFetches() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for _, r := range s.requests {
		p, ok := strings.CutPrefix(r, "GET /results/")
		if !ok {
			continue
		}
		if id, err := strconv.ParseInt(p, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

// Logins returns how many login calls were served.
func (s *Server) Logins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.logins
}

// Refreshes returns how many refresh calls were served.
func (s *Server) Refreshes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshes
}

// Set runs fn with the server locked so tests can mutate fields safely.
func (s *Server) Set(fn func(srv *Server)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, r.Method+" "+r.URL.Path)

	if s.Flaky > 0 {
		s.Flaky--
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "unavailable"})
		return
	}

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/v4/auth/login":
		s.handleLogin(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/v4/auth/refresh":
		s.handleRefresh(w, r)
	case r.Method == http.MethodGet:
		s.handleGet(w, r)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	s.logins++
	if s.LoginStatus != 0 {
		writeJSON(w, s.LoginStatus, map[string]string{"error": "forced"})
		return
	}

	var req struct {
		Username    string `json:"username"`
		Password    string `json:"password"`
		FullDetails bool   `json:"full_details"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !req.FullDetails {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad request"})
		return
	}
	if req.Username != Username || req.Password != Password {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid credentials"})
		return
	}

	s.issueTokens()
	body := map[string]any{
		"access_token":  s.accessToken,
		"refresh_token": s.refreshToken,
	}
	if !s.OmitUser {
		body["user"] = map[string]any{"username": req.Username, "roles": s.Roles}
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.refreshes++
	if s.RefreshStatus != 0 {
		writeJSON(w, s.RefreshStatus, map[string]string{"error": "forced"})
		return
	}
	if r.Header.Get("Authorization") != "Bearer "+s.refreshToken {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "bad refresh token"})
		return
	}

	prevRefresh := s.refreshToken
	s.issueTokens()
	body := map[string]any{"access_token": s.accessToken}
	if s.OmitRefreshToken {
		s.refreshToken = prevRefresh
	} else {
		body["refresh_token"] = s.refreshToken
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	if s.accessToken == "" || r.Header.Get("Authorization") != "Bearer "+s.accessToken {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		return
	}
	if s.Unauthorized > 0 {
		s.Unauthorized--
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "token rejected"})
		return
	}

	switch p := r.URL.Path; {
	case p == "/v4/version":
		writeJSON(w, http.StatusOK, map[string]string{"version": "5.1.0"})
	case p == "/hosts":
		writeJSON(w, http.StatusOK, map[string]any{
			"data":         s.Hosts,
			"more_results": false,
			"total":        len(s.Hosts),
		})
	case p == "/results/getMaxID":
		writeJSON(w, http.StatusOK, map[string]int64{"id": s.MaxID})
	case strings.HasPrefix(p, "/results/"):
		id, err := strconv.ParseInt(strings.TrimPrefix(p, "/results/"), 10, 64)
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
			return
		}
		if code, ok := s.ResultStatus[id]; ok {
			writeJSON(w, code, map[string]string{"error": fmt.Sprintf("result %d unavailable", id)})
			return
		}
		if body, ok := s.Results[id]; ok {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write(body)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": "alert"})
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	}
}

func (s *Server) issueTokens() {
	s.tokenSeq++
	s.accessToken = fmt.Sprintf("access-%d", s.tokenSeq)
	s.refreshToken = fmt.Sprintf("refresh-%d", s.tokenSeq)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
