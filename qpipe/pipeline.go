// Package qpipe decorates outbound HTTP requests with credentials.
//
// Transport is an http.RoundTripper. For a protected request it first lets
// the refresher renew an expiring token, then attaches the bearer token from
// the session current after that step. A 401 answer to a protected request
// logs the session out before the response is returned.
package qpipe

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/kardianos/qauth/qdef"
	"github.com/kardianos/qauth/qstate"
	"github.com/rs/zerolog"
)

// DefaultPublicPaths are the path fragments of requests sent without credentials.
var DefaultPublicPaths = []string{"/auth/login", "/auth/register", "/auth/refresh"}

// Header names set on every request.
const (
	HeaderAppVersion = "X-App-Version"
	HeaderLanguage   = "Accept-Language"
	HeaderRequestID  = "X-Request-ID"
)

// Sessions is the part of the session controller the pipeline uses.
type Sessions interface {
	Current() qdef.AuthSession
	LogoutWithReason(reason qdef.LogoutReason)
}

// Ensurer runs the refresh protocol. *qrefresh.Refresher satisfies it.
type Ensurer interface {
	Ensure(ctx context.Context) qdef.RefreshOutcome
}

// Config configures a Transport.
type Config struct {
	// Base performs the request. Defaults to http.DefaultTransport.
	Base http.RoundTripper

	Sessions  Sessions
	Refresher Ensurer

	// PublicPaths defaults to DefaultPublicPaths. A request whose path
	// contains any entry is public.
	PublicPaths []string

	AppVersion string
	Locale     string

	Logger   zerolog.Logger
	Observer qdef.Observer
}

// Transport is the credential pipeline stage.
type Transport struct {
	base       http.RoundTripper
	sessions   Sessions
	refresher  Ensurer
	public     []string
	appVersion string
	locale     string
	log        zerolog.Logger
	obs        qdef.Observer
}

var _ http.RoundTripper = (*Transport)(nil)

// New creates a Transport.
func New(cfg Config) *Transport {
	if cfg.Base == nil {
		cfg.Base = http.DefaultTransport
	}
	if cfg.PublicPaths == nil {
		cfg.PublicPaths = DefaultPublicPaths
	}
	if cfg.Observer == nil {
		cfg.Observer = qdef.NopObserver{}
	}
	return &Transport{
		base:       cfg.Base,
		sessions:   cfg.Sessions,
		refresher:  cfg.Refresher,
		public:     cfg.PublicPaths,
		appVersion: cfg.AppVersion,
		locale:     cfg.Locale,
		log:        cfg.Logger.With().Str("component", "qpipe").Logger(),
		obs:        cfg.Observer,
	}
}

// IsPublic reports whether path is sent without credentials.
func (t *Transport) IsPublic(path string) bool {
	for _, p := range t.public {
		if strings.Contains(path, p) {
			return true
		}
	}
	return false
}

// RoundTrip implements http.RoundTripper. The request passed in is never modified.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	sm := requestStates.Start(qdef.RequestNotChecked, func(from, to qdef.RequestState, _ string) {
		t.obs.OnRequestState(from, to)
	})

	out := req.Clone(req.Context())
	public := t.IsPublic(req.URL.Path)
	if !public {
		sm.MustTransitionTo(qdef.RequestRefreshEvaluated)
		outcome := t.refresher.Ensure(req.Context())
		sm.MustTransitionTo(outcome.RequestState())

		if s := t.sessions.Current(); s.AccessToken != "" {
			out.Header.Set("Authorization", "Bearer "+s.AccessToken)
		}
	}
	t.decorate(out)
	sm.MustTransitionTo(qdef.RequestHeaderAttached)

	log := t.log.With().Str("method", req.Method).Str("path", req.URL.Path).Str("request_id", out.Header.Get(HeaderRequestID)).Logger()

	resp, err := t.base.RoundTrip(out)
	if err != nil {
		sm.MustTransitionTo(qdef.RequestTransportFailed)
		log.Debug().Err(err).Msg("transport failed")
		return nil, err
	}
	sm.MustTransitionTo(qdef.RequestSent)

	if resp.StatusCode == http.StatusUnauthorized && !public {
		sm.MustTransitionTo(qdef.RequestUnauthorized)
		log.Info().Msg("received 401, logging out")
		t.sessions.LogoutWithReason(qdef.LogoutUnauthorized)
		sm.MustTransitionTo(qdef.RequestLoggedOut)
		return resp, nil
	}
	sm.MustTransitionTo(qdef.RequestOK)
	return resp, nil
}

func (t *Transport) decorate(r *http.Request) {
	if t.appVersion != "" {
		r.Header.Set(HeaderAppVersion, t.appVersion)
	}
	if t.locale != "" {
		r.Header.Set(HeaderLanguage, t.locale)
	}
	if r.Header.Get(HeaderRequestID) == "" {
		r.Header.Set(HeaderRequestID, uuid.NewString())
	}
}

// requestStates is the per-request credential state machine.
var requestStates = qstate.NewTable([]qstate.Transition[qdef.RequestState]{
	{From: qdef.RequestNotChecked, To: qdef.RequestRefreshEvaluated, Name: "protected request"},
	{From: qdef.RequestNotChecked, To: qdef.RequestHeaderAttached, Name: "public request"},

	{From: qdef.RequestRefreshEvaluated, To: qdef.RequestRefreshed, Name: "token refreshed"},
	{From: qdef.RequestRefreshEvaluated, To: qdef.RequestNotExpiring, Name: "token valid"},
	{From: qdef.RequestRefreshEvaluated, To: qdef.RequestRefreshFailed, Name: "refresh failed"},

	{From: qdef.RequestRefreshed, To: qdef.RequestHeaderAttached, Name: "attach headers"},
	{From: qdef.RequestNotExpiring, To: qdef.RequestHeaderAttached, Name: "attach headers"},
	{From: qdef.RequestRefreshFailed, To: qdef.RequestHeaderAttached, Name: "attach headers"},

	{From: qdef.RequestHeaderAttached, To: qdef.RequestSent, Name: "response received"},
	{From: qdef.RequestHeaderAttached, To: qdef.RequestTransportFailed, Name: "transport error"},

	{From: qdef.RequestSent, To: qdef.RequestOK, Name: "pass through"},
	{From: qdef.RequestSent, To: qdef.RequestUnauthorized, Name: "protected 401"},
	{From: qdef.RequestUnauthorized, To: qdef.RequestLoggedOut, Name: "session cleared"},
})
