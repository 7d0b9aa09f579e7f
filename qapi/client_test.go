package qapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/kardianos/qauth/qmock"
	"github.com/stretchr/testify/require"
)

func TestLoginRegister(t *testing.T) {
	srv := qmock.NewAuthServer()
	defer srv.Close()
	srv.AddUser("a@example.com", "pw")
	c := &Client{BaseURL: srv.BaseURL(), HTTP: srv.Client()}

	cred, err := c.Login(t.Context(), "a@example.com", "pw")
	require.NoError(t, err)
	require.NotEmpty(t, cred.AccessToken)
	require.NotEmpty(t, cred.RefreshToken)
	require.Greater(t, cred.ExpiresAt, time.Now().UnixMilli())

	_, err = c.Login(t.Context(), "a@example.com", "wrong")
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, KindClient, ae.Kind)
	require.Equal(t, http.StatusUnauthorized, ae.Status)
	require.Equal(t, "Invalid email or password", ae.Message)
	require.Equal(t, "INVALID_CREDENTIALS", ae.Code)
	require.False(t, ae.Retryable)

	cred, err = c.Register(t.Context(), "b@example.com", "pw2", "B")
	require.NoError(t, err)
	require.NotEmpty(t, cred.AccessToken)

	_, err = c.Register(t.Context(), "b@example.com", "pw2", "B")
	require.ErrorAs(t, err, &ae)
	require.Equal(t, http.StatusConflict, ae.Status)
	require.Equal(t, "Email already registered", ae.Message)
	require.Equal(t, "EMAIL_TAKEN", ae.Code)
}

func TestRefresh(t *testing.T) {
	srv := qmock.NewAuthServer()
	defer srv.Close()
	_, refresh, _ := srv.Issue()
	c := &Client{BaseURL: srv.BaseURL(), HTTP: srv.Client()}

	s, err := c.Refresh(t.Context(), refresh)
	require.NoError(t, err)
	require.NotEmpty(t, s.AccessToken)
	require.NotEqual(t, refresh, s.RefreshToken)

	_, err = c.Refresh(t.Context(), refresh)
	require.True(t, IsUnauthorized(err))
}

func TestExpiryFromJWT(t *testing.T) {
	exp := time.Now().Add(15 * time.Minute).Truncate(time.Second)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "u-1",
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("server-side-secret"))
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"accessToken":"` + token + `","refreshToken":"r"}`))
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, HTTP: srv.Client()}
	cred, err := c.Login(t.Context(), "a", "b")
	require.NoError(t, err)
	require.Equal(t, exp.UnixMilli(), cred.ExpiresAt)

	got, ok := TokenExpiry(token)
	require.True(t, ok)
	require.True(t, got.Equal(exp))

	_, ok = TokenExpiry("opaque-token")
	require.False(t, ok)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		kind      ErrorKind
		message   string
		code      string
		retryable bool
	}{
		{"json message", 400, `{"message":"bad input","errorCode":"VALIDATION"}`, KindClient, "bad input", "VALIDATION", false},
		{"json error field", 422, `{"error":"email invalid"}`, KindClient, "email invalid", "", false},
		{"message wins over error", 400, `{"message":"m","error":"e"}`, KindClient, "m", "", false},
		{"client retryable flag", 429, `{"message":"slow down","retryable":true}`, KindClient, "slow down", "", true},
		{"server default retryable", 503, `{"message":"maintenance"}`, KindServer, "maintenance", "", true},
		{"server not retryable", 500, `{"message":"broken","retryable":false}`, KindServer, "broken", "", false},
		{"plain text", 400, "just text", KindClient, "just text", "", false},
		{"html ignored 404", 404, "<html><body>nope</body></html>", KindClient, "Resource not found (404)", "", false},
		{"empty 401", 401, "", KindClient, "Unauthorized (401)", "", false},
		{"empty 403", 403, "", KindClient, "Forbidden (403)", "", false},
		{"empty 500", 500, "", KindServer, "Internal Server Error (500)", "", true},
		{"empty other", 418, "", KindClient, "Unknown error (418)", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := &Client{BaseURL: srv.URL + "/api", HTTP: srv.Client()}
			_, err := c.Profile(t.Context())
			var ae *APIError
			require.ErrorAs(t, err, &ae)
			require.Equal(t, tt.kind, ae.Kind)
			require.Equal(t, tt.status, ae.Status)
			require.Equal(t, tt.message, ae.Message)
			require.Equal(t, tt.code, ae.Code)
			require.Equal(t, tt.retryable, ae.Retryable)
		})
	}
}

func TestCustomReasonPhrase(t *testing.T) {
	resp := &http.Response{StatusCode: 404, Status: "404 No Such Note", Body: http.NoBody}
	require.Equal(t, "No Such Note", ResponseError(resp).Message)
}

func TestTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	hc := srv.Client()
	hc.Timeout = 20 * time.Millisecond
	c := &Client{BaseURL: srv.URL, HTTP: hc}
	_, err := c.Profile(t.Context())
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, KindTimeout, ae.Kind)
	require.Equal(t, http.StatusRequestTimeout, ae.Status)
	require.Equal(t, CodeTimeout, ae.Code)
	require.True(t, ae.Retryable)

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	_, err = (&Client{BaseURL: srv.URL, HTTP: srv.Client()}).Profile(ctx)
	require.ErrorAs(t, err, &ae)
	require.Equal(t, KindTimeout, ae.Kind)
}

func TestNetworkError(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()

	c := &Client{BaseURL: "http://" + addr + "/api/"}
	_, err = c.Login(t.Context(), "a", "b")
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, KindNetwork, ae.Kind)
	require.Equal(t, CodeNetwork, ae.Code)
	require.False(t, ae.Retryable, "only timeouts and 5xx are retryable unless the server says so")
	require.Zero(t, ae.Status)
}

func TestEndpointJoin(t *testing.T) {
	for _, base := range []string{"https://h/api", "https://h/api/"} {
		u, err := (&Client{BaseURL: base}).endpoint(PathLogin)
		require.NoError(t, err)
		require.Equal(t, "https://h/api/auth/login", u)
	}
	u, err := (&Client{}).endpoint(PathProfile)
	require.NoError(t, err)
	require.Equal(t, "https://api.example.com/api/user/profile", u)
}

func TestMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{not json"))
	}))
	defer srv.Close()
	_, err := (&Client{BaseURL: srv.URL, HTTP: srv.Client()}).Profile(t.Context())
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	require.Equal(t, KindUnexpected, ae.Kind)
	require.False(t, errors.Is(err, context.Canceled))
}
