// Package qsession owns the current authentication session: it loads it from
// the secret store, publishes snapshots to readers and observers, and is the
// only writer back to the store.
package qsession

import (
	"sync"
	"sync/atomic"

	"github.com/kardianos/qauth/qdef"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// Store is the persistence the controller writes through.
// *qstore.SecretStore satisfies it.
type Store interface {
	GetString(f qdef.Field) string
	SetString(f qdef.Field, value string) error
	GetInt64(f qdef.Field) int64
	SetInt64(f qdef.Field, value int64) error
	Clear() error
}

// Options configures a Controller.
type Options struct {
	Logger   zerolog.Logger
	Observer qdef.Observer
}

// Controller holds the authoritative session snapshot.
type Controller struct {
	store Store
	log   zerolog.Logger
	obs   qdef.Observer

	cur atomic.Pointer[qdef.AuthSession]

	writeMu sync.Mutex // Serializes persist-then-publish.

	subMu  sync.Mutex
	subs   map[*Subscription]struct{}
	update chan struct{}
}

var _ oauth2.TokenSource = (*Controller)(nil)

// New loads the persisted session and publishes it before returning.
func New(store Store, opt Options) *Controller {
	if opt.Observer == nil {
		opt.Observer = qdef.NopObserver{}
	}
	c := &Controller{
		store:  store,
		log:    opt.Logger.With().Str("component", "qsession").Logger(),
		obs:    opt.Observer,
		subs:   make(map[*Subscription]struct{}),
		update: make(chan struct{}),
	}
	s := qdef.AuthSession{
		AccessToken:  store.GetString(qdef.FieldAccessToken),
		RefreshToken: store.GetString(qdef.FieldRefreshToken),
		ExpiresAt:    store.GetInt64(qdef.FieldExpiresAt),
	}
	c.cur.Store(&s)
	c.log.Debug().Stringer("session", s).Msg("loaded session")
	return c
}

// Current returns the latest published snapshot without blocking.
func (c *Controller) Current() qdef.AuthSession {
	return *c.cur.Load()
}

// OnUpdate returns a channel closed on the next publication.
func (c *Controller) OnUpdate() <-chan struct{} {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	return c.update
}

// UpdateSession persists the new credential triple and then publishes it.
// Persistence failures are logged; the published value is authoritative for
// this process either way.
func (c *Controller) UpdateSession(accessToken, refreshToken string, expiresAt int64) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.updateLocked(accessToken, refreshToken, expiresAt)
}

// UpdateIfCurrent is UpdateSession guarded by the refresh token the caller
// started from. It reports false and changes nothing when the session has
// moved on, for example after a logout during a refresh call.
func (c *Controller) UpdateIfCurrent(prevRefreshToken, accessToken, refreshToken string, expiresAt int64) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.Current().RefreshToken != prevRefreshToken {
		return false
	}
	c.updateLocked(accessToken, refreshToken, expiresAt)
	return true
}

func (c *Controller) updateLocked(accessToken, refreshToken string, expiresAt int64) {
	if err := c.store.SetString(qdef.FieldAccessToken, accessToken); err != nil {
		c.log.Warn().Err(err).Str("field", qdef.FieldAccessToken.Key()).Msg("persist failed")
	}
	if err := c.store.SetString(qdef.FieldRefreshToken, refreshToken); err != nil {
		c.log.Warn().Err(err).Str("field", qdef.FieldRefreshToken.Key()).Msg("persist failed")
	}
	if err := c.store.SetInt64(qdef.FieldExpiresAt, expiresAt); err != nil {
		c.log.Warn().Err(err).Str("field", qdef.FieldExpiresAt.Key()).Msg("persist failed")
	}
	c.publish(qdef.AuthSession{AccessToken: accessToken, RefreshToken: refreshToken, ExpiresAt: expiresAt})
}

// Logout clears the session. It always succeeds and may be called repeatedly.
func (c *Controller) Logout() {
	c.LogoutWithReason(qdef.LogoutExplicit)
}

// LogoutWithReason clears the session and reports reason to the observer.
func (c *Controller) LogoutWithReason(reason qdef.LogoutReason) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.store.Clear(); err != nil {
		c.log.Warn().Err(err).Msg("clear failed during logout")
	}
	c.publish(qdef.AuthSession{})
	c.log.Info().Str("reason", string(reason)).Msg("logged out")
	c.obs.OnLogout(reason)
}

// Token returns the current access token for use with oauth2.NewClient.
// It never refreshes; attach a pipeline transport for that.
func (c *Controller) Token() (*oauth2.Token, error) {
	s := c.Current()
	if !s.HasCredential() {
		return nil, qdef.ErrNoSession
	}
	t := &oauth2.Token{
		AccessToken:  s.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: s.RefreshToken,
	}
	if exp := s.Expiry(); !exp.IsZero() {
		t.Expiry = exp
	}
	return t, nil
}

// publish must be called with writeMu held.
func (c *Controller) publish(s qdef.AuthSession) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.cur.Store(&s)
	for sub := range c.subs {
		sub.send(s)
	}
	close(c.update)
	c.update = make(chan struct{})
}
