package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/kardianos/qauth"
	"github.com/kardianos/qauth/qapi"
)

func describe(loggedIn bool, expiry time.Time) string {
	if !loggedIn {
		return "logged out"
	}
	if expiry.IsZero() {
		return "logged in, expiry unknown"
	}
	return fmt.Sprintf("logged in, expires %s", expiry.Local().Format(time.RFC3339))
}

// printSession never prints token material.
func printSession(w io.Writer, c *qauth.Client) error {
	s := c.Session()
	st := c.Store()
	health := "durable"
	if st.IsDegraded() {
		health = "degraded (memory only)"
	}
	_, err := fmt.Fprintf(w, "session: %s\nstore:   %s\npath:    %s\n", describe(s.HasCredential(), s.Expiry()), health, st.Path())
	return err
}

// resolvePath joins a relative path onto the API base URL. Absolute URLs are used as is.
func resolvePath(base, p string) (string, error) {
	if strings.HasPrefix(p, "http://") || strings.HasPrefix(p, "https://") {
		return p, nil
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid server URL: %w", err)
	}
	return u.JoinPath(strings.TrimPrefix(p, "/")).String(), nil
}

func get(ctx context.Context, hc *http.Client, target string, w io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return qapi.ResponseError(resp)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}
