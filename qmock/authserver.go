package qmock

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// AuthServer is a fake auth API on httptest. Each issued access token is
// "access-N" and refresh token "refresh-N" for an increasing N.
type AuthServer struct {
	*httptest.Server

	// TokenTTL is added to the current time for expiresAt. Zero omits expiresAt.
	TokenTTL time.Duration

	mu       sync.Mutex
	users    map[string]string // email -> password
	refresh  map[string]bool   // valid refresh tokens
	access   map[string]bool   // valid access tokens
	next     int
	delay    time.Duration
	handlers map[string]http.HandlerFunc

	refreshCalls atomic.Int64
	profileCalls atomic.Int64
	requests     []*http.Request
}

// NewAuthServer starts a fake auth API. Paths are served under /api/.
func NewAuthServer() *AuthServer {
	s := &AuthServer{
		TokenTTL: time.Hour,
		users:    make(map[string]string),
		refresh:  make(map[string]bool),
		access:   make(map[string]bool),
		handlers: make(map[string]http.HandlerFunc),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/auth/login", s.login)
	mux.HandleFunc("POST /api/auth/register", s.register)
	mux.HandleFunc("POST /api/auth/refresh", s.doRefresh)
	mux.HandleFunc("GET /api/user/profile", s.profile)
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.requests = append(s.requests, r.Clone(r.Context()))
		h := s.handlers[r.URL.Path]
		s.mu.Unlock()
		if h != nil {
			h(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	return s
}

// BaseURL is the API root to give to clients.
func (s *AuthServer) BaseURL() string {
	return s.URL + "/api/"
}

// AddUser registers an account that can log in.
func (s *AuthServer) AddUser(email, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[email] = password
}

// Issue mints a valid token pair without a login call.
func (s *AuthServer) Issue() (access, refresh string, expiresAt int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked()
}

// RevokeAccess invalidates an access token so protected calls answer 401.
func (s *AuthServer) RevokeAccess(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.access, token)
}

// SetRefreshDelay delays every refresh response.
func (s *AuthServer) SetRefreshDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// Handle overrides the handler for an exact path such as "/api/user/profile".
func (s *AuthServer) Handle(path string, h http.HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[path] = h
}

// RefreshCalls returns the number of refresh requests received.
func (s *AuthServer) RefreshCalls() int {
	return int(s.refreshCalls.Load())
}

// ProfileCalls returns the number of profile requests received.
func (s *AuthServer) ProfileCalls() int {
	return int(s.profileCalls.Load())
}

// Requests returns a copy of every request received so far.
func (s *AuthServer) Requests() []*http.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*http.Request(nil), s.requests...)
}

func (s *AuthServer) issueLocked() (string, string, int64) {
	s.next++
	access := fmt.Sprintf("access-%d", s.next)
	refresh := fmt.Sprintf("refresh-%d", s.next)
	s.access[access] = true
	s.refresh[refresh] = true
	var exp int64
	if s.TokenTTL > 0 {
		exp = time.Now().Add(s.TokenTTL).UnixMilli()
	}
	return access, refresh, exp
}

func (s *AuthServer) writeTokens(w http.ResponseWriter) {
	access, refresh, exp := s.issueLocked()
	body := map[string]any{"accessToken": access, "refreshToken": refresh}
	if exp > 0 {
		body["expiresAt"] = exp
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *AuthServer) login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "malformed request"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if pw, ok := s.users[req.Email]; !ok || pw != req.Password {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "Invalid email or password", "errorCode": "INVALID_CREDENTIALS"})
		return
	}
	s.writeTokens(w)
}

func (s *AuthServer) register(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Name     string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "email is required"})
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[req.Email]; ok {
		writeJSON(w, http.StatusConflict, map[string]any{"error": "Email already registered", "errorCode": "EMAIL_TAKEN"})
		return
	}
	s.users[req.Email] = req.Password
	s.writeTokens(w)
}

func (s *AuthServer) doRefresh(w http.ResponseWriter, r *http.Request) {
	s.refreshCalls.Add(1)
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "malformed request"})
		return
	}

	s.mu.Lock()
	delay := s.delay
	s.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.refresh[req.RefreshToken] {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "refresh token expired"})
		return
	}
	delete(s.refresh, req.RefreshToken)
	s.writeTokens(w)
}

func (s *AuthServer) profile(w http.ResponseWriter, r *http.Request) {
	s.profileCalls.Add(1)
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	s.mu.Lock()
	valid := ok && s.access[token]
	s.mu.Unlock()
	if !valid {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "token expired"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":    "u-1",
		"email": "user@example.com",
		"name":  "Test User",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
