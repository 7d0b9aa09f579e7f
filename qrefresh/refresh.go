// Package qrefresh decides whether the access token must be renewed before a
// request and performs the renewal at most once across concurrent callers.
package qrefresh

import (
	"context"
	"sync"
	"time"

	"github.com/kardianos/qauth/qdef"
	"github.com/rs/zerolog"
)

const (
	// DefaultWindow is how long before expiry a token is considered expiring.
	DefaultWindow = 5 * time.Minute

	// DefaultTimeout bounds a single refresh call.
	DefaultTimeout = 30 * time.Second
)

// Sessions is the part of the session controller the refresher needs.
type Sessions interface {
	Current() qdef.AuthSession
	UpdateIfCurrent(prevRefreshToken, accessToken, refreshToken string, expiresAt int64) bool
}

// TokenRefresher exchanges a refresh token for new credentials.
// *qapi.Client satisfies it.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (qdef.AuthSession, error)
}

// Config configures a Refresher.
type Config struct {
	Sessions  Sessions
	Refresher TokenRefresher

	// Lock serializes the decide-and-refresh sequence. Defaults to a mutex
	// owned by the Refresher.
	Lock sync.Locker

	// Window defaults to DefaultWindow.
	Window time.Duration

	// Timeout defaults to DefaultTimeout.
	Timeout time.Duration

	// Now defaults to time.Now.
	Now func() time.Time

	Logger   zerolog.Logger
	Observer qdef.Observer
}

// Refresher runs the refresh protocol.
type Refresher struct {
	sessions Sessions
	api      TokenRefresher
	lock     sync.Locker
	window   time.Duration
	timeout  time.Duration
	now      func() time.Time
	log      zerolog.Logger
	obs      qdef.Observer
}

// New creates a Refresher.
func New(cfg Config) *Refresher {
	if cfg.Lock == nil {
		cfg.Lock = &sync.Mutex{}
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Observer == nil {
		cfg.Observer = qdef.NopObserver{}
	}
	return &Refresher{
		sessions: cfg.Sessions,
		api:      cfg.Refresher,
		lock:     cfg.Lock,
		window:   cfg.Window,
		timeout:  cfg.Timeout,
		now:      cfg.Now,
		log:      cfg.Logger.With().Str("component", "qrefresh").Logger(),
		obs:      cfg.Observer,
	}
}

// Ensure refreshes the session if it is about to expire. It never fails the
// caller: a failed or timed out refresh leaves the session unchanged and
// reports RefreshFailed.
func (r *Refresher) Ensure(ctx context.Context) qdef.RefreshOutcome {
	if !r.sessions.Current().ExpiringWithin(r.now(), r.window) {
		return qdef.NotExpiring
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	// A peer may have refreshed while this caller waited.
	s := r.sessions.Current()
	if !s.ExpiringWithin(r.now(), r.window) {
		r.log.Debug().Msg("token already refreshed by another request")
		return qdef.NotExpiring
	}

	outcome := r.refreshLocked(ctx, s.RefreshToken)
	r.obs.OnRefresh(outcome)
	return outcome
}

func (r *Refresher) refreshLocked(ctx context.Context, refreshToken string) qdef.RefreshOutcome {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	r.log.Debug().Msg("token expiring soon, refreshing")
	next, err := r.api.Refresh(ctx, refreshToken)
	if err != nil {
		r.log.Warn().Err(err).Msg("token refresh failed")
		return qdef.RefreshFailed
	}
	if next.AccessToken == "" {
		r.log.Warn().Msg("token refresh returned no access token")
		return qdef.RefreshFailed
	}
	if !r.sessions.UpdateIfCurrent(refreshToken, next.AccessToken, next.RefreshToken, next.ExpiresAt) {
		r.log.Info().Msg("session changed during refresh, discarding new tokens")
		return qdef.RefreshFailed
	}
	r.log.Info().Int64("expiresAt", next.ExpiresAt).Msg("token refreshed")
	return qdef.Refreshed
}
