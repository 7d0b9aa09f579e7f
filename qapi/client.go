// Package qapi talks to the authentication endpoints and reduces every failure
// to an *APIError.
package qapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/kardianos/qauth/qdef"
)

// DefaultBaseURL is used when Client.BaseURL is empty.
const DefaultBaseURL = "https://api.example.com/api/"

// Endpoint paths relative to the base URL.
const (
	PathLogin    = "auth/login"
	PathRegister = "auth/register"
	PathRefresh  = "auth/refresh"
	PathProfile  = "user/profile"
)

const maxBody = 1 << 20

// Credentials is the token triple returned by login, register and refresh.
type Credentials struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresAt    int64  `json:"expiresAt,omitempty"`
}

// Session converts the credentials into a session snapshot.
func (c Credentials) Session() qdef.AuthSession {
	return qdef.AuthSession{AccessToken: c.AccessToken, RefreshToken: c.RefreshToken, ExpiresAt: c.ExpiresAt}
}

// Profile is the signed-in user.
type Profile struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Name     string `json:"name"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// Client calls the auth API.
//
// Login, Register and Refresh must go through an HTTP client without the
// credential pipeline. Profile is protected and expects HTTP to attach the
// bearer token, so callers use a separate Client for it.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// Login exchanges an email and password for credentials.
func (c *Client) Login(ctx context.Context, email, password string) (Credentials, error) {
	var resp Credentials
	err := c.do(ctx, http.MethodPost, PathLogin, loginRequest{Email: email, Password: password}, &resp)
	if err != nil {
		return Credentials{}, err
	}
	return withExpiry(resp), nil
}

// Register creates an account and returns its first credentials.
func (c *Client) Register(ctx context.Context, email, password, name string) (Credentials, error) {
	var resp Credentials
	err := c.do(ctx, http.MethodPost, PathRegister, registerRequest{Email: email, Password: password, Name: name}, &resp)
	if err != nil {
		return Credentials{}, err
	}
	return withExpiry(resp), nil
}

// Refresh exchanges a refresh token for a new credential triple.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (qdef.AuthSession, error) {
	var resp Credentials
	err := c.do(ctx, http.MethodPost, PathRefresh, refreshRequest{RefreshToken: refreshToken}, &resp)
	if err != nil {
		return qdef.AuthSession{}, err
	}
	if resp.AccessToken == "" {
		return qdef.AuthSession{}, &APIError{Kind: KindUnexpected, Status: http.StatusOK, Message: "refresh response has no access token"}
	}
	return withExpiry(resp).Session(), nil
}

// Profile fetches the signed-in user's profile.
func (c *Client) Profile(ctx context.Context) (Profile, error) {
	var p Profile
	if err := c.do(ctx, http.MethodGet, PathProfile, nil, &p); err != nil {
		return Profile{}, err
	}
	return p, nil
}

func (c *Client) endpoint(path string) (string, error) {
	base := c.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("qauth: base url: %w", err)
	}
	return u.JoinPath(path).String(), nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	target, err := c.endpoint(path)
	if err != nil {
		return &APIError{Kind: KindUnexpected, Message: "Unexpected error: " + err.Error(), Err: err}
	}
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return &APIError{Kind: KindUnexpected, Message: "Unexpected error: " + err.Error(), Err: err}
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return &APIError{Kind: KindUnexpected, Message: "Unexpected error: " + err.Error(), Err: err}
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return classifyTransport(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return ResponseError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBody)).Decode(out); err != nil {
		return &APIError{Kind: KindUnexpected, Status: resp.StatusCode, Message: "Unexpected error: " + err.Error(), Err: err}
	}
	return nil
}

// withExpiry fills ExpiresAt from the access token's exp claim when the
// response omitted it. The token is not verified; the client never holds the
// signing key and only uses the claim to schedule refresh.
func withExpiry(c Credentials) Credentials {
	if c.ExpiresAt > 0 || c.AccessToken == "" {
		return c
	}
	if exp, ok := TokenExpiry(c.AccessToken); ok {
		c.ExpiresAt = exp.UnixMilli()
	}
	return c
}

// TokenExpiry returns the exp claim of a JWT access token.
func TokenExpiry(token string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
