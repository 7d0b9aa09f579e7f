// Package qauth persists, refreshes and injects authentication credentials for
// outbound HTTP requests.
//
// A Client composes the pieces: an encrypted secret store that survives
// corruption, a session controller publishing the current credentials, a
// refresher renewing tokens shortly before expiry, and an HTTP pipeline that
// attaches the bearer token and logs out on 401.
package qauth

import (
	"context"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/kardianos/qauth/qapi"
	"github.com/kardianos/qauth/qdef"
	"github.com/kardianos/qauth/qpipe"
	"github.com/kardianos/qauth/qrefresh"
	"github.com/kardianos/qauth/qsession"
	"github.com/kardianos/qauth/qstore"
	"github.com/rs/zerolog"
)

// DefaultTimeout bounds every HTTP call and every refresh.
const DefaultTimeout = 30 * time.Second

// ClientOpt configures a Client.
type ClientOpt struct {
	// BaseURL is the API root, for example "https://api.example.com/api/".
	// Defaults to qapi.DefaultBaseURL.
	BaseURL string

	// DataDir holds the encrypted container. Defaults to qstore.DefaultDir.
	DataDir string

	// StoreName names the container. Defaults to qstore.DefaultName.
	StoreName string

	// Backend replaces the bbolt container. DataDir and StoreName are then unused.
	Backend qstore.Backend

	// AppVersion is sent as X-App-Version.
	AppVersion string

	// Locale is sent as Accept-Language. Defaults to the language of the
	// process locale, or "en".
	Locale string

	// RefreshWindow defaults to qrefresh.DefaultWindow.
	RefreshWindow time.Duration

	// Timeout defaults to DefaultTimeout.
	Timeout time.Duration

	// Transport is the base round tripper below the credential pipeline.
	// Defaults to http.DefaultTransport.
	Transport http.RoundTripper

	// Locker serializes token refresh. Defaults to a mutex owned by the Client.
	Locker sync.Locker

	// PublicPaths defaults to qpipe.DefaultPublicPaths.
	PublicPaths []string

	Logger   zerolog.Logger
	Observer qdef.Observer
}

// Client is the credential lifecycle for one account.
type Client struct {
	log       zerolog.Logger
	store     *qstore.SecretStore
	session   *qsession.Controller
	refresher *qrefresh.Refresher
	auth      *qapi.Client // Plain client for the public auth endpoints.
	api       *qapi.Client // Goes through the pipeline.
	http      *http.Client
}

// NewClient creates a Client. The secret store is warmed in the background
// and the persisted session is loaded before NewClient returns.
func NewClient(opt ClientOpt) (*Client, error) {
	if opt.Timeout <= 0 {
		opt.Timeout = DefaultTimeout
	}
	if opt.Locale == "" {
		opt.Locale = defaultLocale()
	}
	if opt.Transport == nil {
		opt.Transport = http.DefaultTransport
	}
	if opt.Observer == nil {
		opt.Observer = qdef.NopObserver{}
	}

	backend := opt.Backend
	if backend == nil {
		b, err := qstore.NewBoltBackend(qstore.BoltConfig{Dir: opt.DataDir, Name: opt.StoreName})
		if err != nil {
			return nil, err
		}
		backend = b
	}

	store := qstore.New(backend, qstore.Options{Logger: opt.Logger, Observer: opt.Observer})
	store.Warm()
	session := qsession.New(store, qsession.Options{Logger: opt.Logger, Observer: opt.Observer})

	auth := &qapi.Client{
		BaseURL: opt.BaseURL,
		HTTP:    &http.Client{Transport: opt.Transport, Timeout: opt.Timeout},
	}
	refresher := qrefresh.New(qrefresh.Config{
		Sessions:  session,
		Refresher: auth,
		Lock:      opt.Locker,
		Window:    opt.RefreshWindow,
		Timeout:   opt.Timeout,
		Now:       timeNow,
		Logger:    opt.Logger,
		Observer:  opt.Observer,
	})
	pipe := &http.Client{
		Timeout: opt.Timeout,
		Transport: qpipe.New(qpipe.Config{
			Base:        opt.Transport,
			Sessions:    session,
			Refresher:   refresher,
			PublicPaths: opt.PublicPaths,
			AppVersion:  opt.AppVersion,
			Locale:      opt.Locale,
			Logger:      opt.Logger,
			Observer:    opt.Observer,
		}),
	}

	return &Client{
		log:       opt.Logger.With().Str("component", "qauth").Logger(),
		store:     store,
		session:   session,
		refresher: refresher,
		auth:      auth,
		api:       &qapi.Client{BaseURL: opt.BaseURL, HTTP: pipe},
		http:      pipe,
	}, nil
}

// Login authenticates and stores the returned credentials. On failure the
// session is unchanged and the error is an *qapi.APIError.
func (c *Client) Login(ctx context.Context, email, password string) error {
	cred, err := c.auth.Login(ctx, email, password)
	if err != nil {
		return err
	}
	c.session.UpdateSession(cred.AccessToken, cred.RefreshToken, cred.ExpiresAt)
	c.log.Info().Msg("logged in")
	return nil
}

// Register creates an account and stores its first credentials.
func (c *Client) Register(ctx context.Context, email, password, name string) error {
	cred, err := c.auth.Register(ctx, email, password, name)
	if err != nil {
		return err
	}
	c.session.UpdateSession(cred.AccessToken, cred.RefreshToken, cred.ExpiresAt)
	c.log.Info().Msg("registered")
	return nil
}

// Logout clears the session. It is safe to call repeatedly.
func (c *Client) Logout() {
	c.session.Logout()
}

// Session returns the current credentials.
func (c *Client) Session() qdef.AuthSession {
	return c.session.Current()
}

// Observe subscribes to session changes. Close the subscription when done.
func (c *Client) Observe() *qsession.Subscription {
	return c.session.Observe()
}

// OnUpdate returns a channel closed on the next session change.
func (c *Client) OnUpdate() <-chan struct{} {
	return c.session.OnUpdate()
}

// EnsureFresh refreshes the token now if it is about to expire.
func (c *Client) EnsureFresh(ctx context.Context) qdef.RefreshOutcome {
	return c.refresher.Ensure(ctx)
}

// HTTPClient returns a client whose requests carry the current credentials.
func (c *Client) HTTPClient() *http.Client {
	return c.http
}

// Profile fetches the signed-in user's profile through the pipeline.
func (c *Client) Profile(ctx context.Context) (qapi.Profile, error) {
	return c.api.Profile(ctx)
}

// Store exposes the secret store, mainly for health reporting.
func (c *Client) Store() *qstore.SecretStore {
	return c.store
}

// Close releases the secret store. The in-memory session stays readable.
func (c *Client) Close() error {
	return c.store.Close()
}

// defaultLocale returns the language part of the process locale.
func defaultLocale() string {
	for _, env := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		v := os.Getenv(env)
		if v == "" || v == "C" || v == "POSIX" {
			continue
		}
		lang, _, _ := strings.Cut(v, ".")
		lang, _, _ = strings.Cut(lang, "_")
		lang, _, _ = strings.Cut(lang, "-")
		if lang != "" {
			return strings.ToLower(lang)
		}
	}
	return "en"
}
