package qapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// ErrorKind classifies a failed call.
type ErrorKind int

const (
	KindTimeout ErrorKind = iota + 1
	KindNetwork
	KindServer
	KindClient
	KindUnexpected
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindNetwork:
		return "network"
	case KindServer:
		return "server"
	case KindClient:
		return "client"
	case KindUnexpected:
		return "unexpected"
	default:
		return "unknown"
	}
}

const (
	CodeTimeout = "TIMEOUT"
	CodeNetwork = "NETWORK_ERROR"
)

// APIError is a failed call reduced to what a caller shows or acts on.
type APIError struct {
	Kind      ErrorKind
	Status    int    // HTTP status, 408 for timeouts, 0 when no response arrived.
	Message   string // Human readable.
	Code      string // Machine readable, may be empty.
	Retryable bool

	Err error // Underlying transport error, if any.
}

func (e *APIError) Error() string {
	var b strings.Builder
	b.WriteString("qauth: api ")
	b.WriteString(e.Kind.String())
	if e.Status != 0 {
		fmt.Fprintf(&b, " %d", e.Status)
	}
	if e.Code != "" {
		b.WriteString(" [" + e.Code + "]")
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	return b.String()
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// IsUnauthorized reports whether err is an APIError for status 401.
func IsUnauthorized(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.Status == http.StatusUnauthorized
}

// classifyTransport turns an error returned by http.Client.Do into an APIError.
func classifyTransport(err error) *APIError {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &APIError{
			Kind:      KindTimeout,
			Status:    http.StatusRequestTimeout,
			Message:   "Request timed out. Please try again.",
			Code:      CodeTimeout,
			Retryable: true,
			Err:       err,
		}
	}
	if errors.Is(err, context.Canceled) {
		return &APIError{Kind: KindUnexpected, Message: "Unexpected error: " + err.Error(), Err: err}
	}
	var oe *net.OpError
	var de *net.DNSError
	if errors.As(err, &oe) || errors.As(err, &de) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return &APIError{
			Kind:      KindNetwork,
			Message:   "Network error. Please check your connection.",
			Code:      CodeNetwork,
			Err:       err,
		}
	}
	return &APIError{Kind: KindUnexpected, Message: "Unexpected error: " + err.Error(), Err: err}
}

// errorBody is the optional structured error payload.
type errorBody struct {
	Message   string `json:"message"`
	Error     string `json:"error"`
	ErrorCode string `json:"errorCode"`
	Retryable *bool  `json:"retryable"`
}

const maxErrorBody = 64 << 10

// ResponseError builds an APIError from a non-2xx response. The body is consumed.
func ResponseError(resp *http.Response) *APIError {
	status := resp.StatusCode
	e := &APIError{Status: status}
	if status >= 500 {
		e.Kind = KindServer
		e.Retryable = true
	} else {
		e.Kind = KindClient
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	text := strings.TrimSpace(string(raw))

	var body errorBody
	if text != "" && json.Unmarshal(raw, &body) == nil {
		switch {
		case body.Message != "":
			e.Message = body.Message
		case body.Error != "":
			e.Message = body.Error
		}
		e.Code = body.ErrorCode
		if body.Retryable != nil {
			e.Retryable = *body.Retryable
		}
	} else if text != "" && !looksLikeHTML(text) {
		e.Message = text
	}

	if e.Message == "" {
		e.Message = statusMessage(resp)
	}
	return e
}

func looksLikeHTML(s string) bool {
	l := strings.ToLower(s)
	return strings.HasPrefix(l, "<!doctype") || strings.HasPrefix(l, "<html") || strings.Contains(l, "<body")
}

// statusMessage uses the response's own reason phrase when it carries one,
// then a fixed text for the statuses users commonly hit.
func statusMessage(resp *http.Response) string {
	code := resp.StatusCode
	if _, reason, ok := strings.Cut(resp.Status, " "); ok && reason != "" && reason != http.StatusText(code) {
		return reason
	}
	switch code {
	case http.StatusNotFound:
		return "Resource not found (404)"
	case http.StatusUnauthorized:
		return "Unauthorized (401)"
	case http.StatusForbidden:
		return "Forbidden (403)"
	case http.StatusInternalServerError:
		return "Internal Server Error (500)"
	}
	return fmt.Sprintf("Unknown error (%d)", code)
}
