package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/kardianos/qauth"
	"github.com/kardianos/qauth/qapi"
	"github.com/kardianos/qauth/qmetrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	// A missing .env file is fine.
	_ = godotenv.Load()

	mode := os.Args[1]
	args := os.Args[2:]

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch mode {
	case "login":
		err = runLogin(ctx, args)
	case "register":
		err = runRegister(ctx, args)
	case "logout":
		err = runLogout(ctx, args)
	case "status":
		err = runStatus(ctx, args)
	case "get":
		err = runGet(ctx, args)
	case "profile":
		err = runProfile(ctx, args)
	case "watch":
		err = runWatch(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode: %s\n", mode)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		var ae *qapi.APIError
		if errors.As(err, &ae) {
			fmt.Fprintf(os.Stderr, "error: %s\n", ae.Message)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: qauth <mode> [options]

Modes:
  login      Sign in and store the credentials
  register   Create an account and store the credentials
  logout     Clear the stored credentials
  status     Show the stored session and store health
  get        GET a protected path and print the response body
  profile    Show the signed-in user's profile
  watch      Print session changes until interrupted

Every mode accepts -server, -data, -log-level and -locale.
Environment: QAUTH_SERVER, QAUTH_DATA, QAUTH_LOG_LEVEL, QAUTH_LOCALE.
A .env file in the working directory is loaded first.
Run 'qauth <mode> -h' for mode-specific options.
`)
}

// Defaults used when neither flag nor environment sets a value.
const (
	defaultServer   = "https://api.example.com/api/"
	defaultLogLevel = "warn"
)

// Options are the settings shared by every mode.
type Options struct {
	Server     string
	DataDir    string
	LogLevel   string
	Locale     string
	AppVersion string
}

type commonFlags struct {
	server, data, logLevel, locale, appVersion string
}

func addCommonFlags(fs *flag.FlagSet) *commonFlags {
	f := &commonFlags{}
	fs.StringVar(&f.server, "server", "", "API base URL (env QAUTH_SERVER)")
	fs.StringVar(&f.data, "data", "", "Directory holding the encrypted store (env QAUTH_DATA)")
	fs.StringVar(&f.logLevel, "log-level", "", "Log level: debug, info, warn, error (env QAUTH_LOG_LEVEL)")
	fs.StringVar(&f.locale, "locale", "", "Accept-Language value (env QAUTH_LOCALE)")
	fs.StringVar(&f.appVersion, "app-version", "qauth-cli/1", "X-App-Version value")
	return f
}

// options resolves each setting with priority flag > env > default.
func (f *commonFlags) options() Options {
	return Options{
		Server:     getConfig(f.server, "QAUTH_SERVER", defaultServer),
		DataDir:    getConfig(f.data, "QAUTH_DATA", ""),
		LogLevel:   getConfig(f.logLevel, "QAUTH_LOG_LEVEL", defaultLogLevel),
		Locale:     getConfig(f.locale, "QAUTH_LOCALE", ""),
		AppVersion: f.appVersion,
	}
}

func getConfig(flagValue, envKey, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return defaultValue
}

func newLogger(w io.Writer, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.WarnLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}).
		Level(lvl).
		With().Timestamp().Logger()
}

func openClient(opts Options, obs *qmetrics.Observer) (*qauth.Client, error) {
	copt := qauth.ClientOpt{
		BaseURL:    opts.Server,
		DataDir:    opts.DataDir,
		AppVersion: opts.AppVersion,
		Locale:     opts.Locale,
		Logger:     newLogger(os.Stderr, opts.LogLevel),
	}
	if obs != nil {
		copt.Observer = obs
	}
	return qauth.NewClient(copt)
}

func runLogin(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	common := addCommonFlags(fs)
	email := fs.String("email", "", "Account email")
	password := fs.String("password", "", "Account password (env QAUTH_PASSWORD)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" {
		return fmt.Errorf("-email is required")
	}
	c, err := openClient(common.options(), nil)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Login(ctx, *email, getConfig(*password, "QAUTH_PASSWORD", "")); err != nil {
		return err
	}
	fmt.Println("logged in")
	return printSession(os.Stdout, c)
}

func runRegister(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	common := addCommonFlags(fs)
	email := fs.String("email", "", "Account email")
	password := fs.String("password", "", "Account password (env QAUTH_PASSWORD)")
	name := fs.String("name", "", "Display name")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *email == "" {
		return fmt.Errorf("-email is required")
	}
	c, err := openClient(common.options(), nil)
	if err != nil {
		return err
	}
	defer c.Close()

	if err := c.Register(ctx, *email, getConfig(*password, "QAUTH_PASSWORD", ""), *name); err != nil {
		return err
	}
	fmt.Println("registered")
	return printSession(os.Stdout, c)
}

func runLogout(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("logout", flag.ExitOnError)
	common := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := openClient(common.options(), nil)
	if err != nil {
		return err
	}
	defer c.Close()

	c.Logout()
	fmt.Println("logged out")
	return nil
}

func runStatus(_ context.Context, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	common := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := openClient(common.options(), nil)
	if err != nil {
		return err
	}
	defer c.Close()

	return printSession(os.Stdout, c)
}

func runGet(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: qauth get [options] <path>\n\nPath is relative to the server base URL.\n\n")
		fs.PrintDefaults()
	}
	common := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("expected one path")
	}
	opts := common.options()
	c, err := openClient(opts, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	target, err := resolvePath(opts.Server, fs.Arg(0))
	if err != nil {
		return err
	}
	return get(ctx, c.HTTPClient(), target, os.Stdout)
}

func runProfile(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("profile", flag.ExitOnError)
	common := addCommonFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	c, err := openClient(common.options(), nil)
	if err != nil {
		return err
	}
	defer c.Close()

	p, err := c.Profile(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("id:     %s\nemail:  %s\nname:   %s\n", p.ID, p.Email, p.Name)
	if p.AvatarURL != "" {
		fmt.Printf("avatar: %s\n", p.AvatarURL)
	}
	return nil
}

func runWatch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	common := addCommonFlags(fs)
	metricsAddr := fs.String("metrics", "", "Serve Prometheus metrics on this address, e.g. 127.0.0.1:9090")
	interval := fs.Duration("interval", time.Minute, "How often to check whether the token needs refreshing")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var obs *qmetrics.Observer
	if *metricsAddr != "" {
		reg := prometheus.NewRegistry()
		var err error
		obs, err = qmetrics.New(reg)
		if err != nil {
			return err
		}
		srv := &http.Server{Addr: *metricsAddr, Handler: qmetrics.Handler(reg)}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
			}
		}()
		defer srv.Close()
	}

	c, err := openClient(common.options(), obs)
	if err != nil {
		return err
	}
	defer c.Close()

	return watch(ctx, c, *interval, os.Stdout)
}

func watch(ctx context.Context, c *qauth.Client, interval time.Duration, w io.Writer) error {
	sub := c.Observe()
	defer sub.Close()

	tick := time.NewTicker(interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case s := <-sub.C:
			fmt.Fprintf(w, "%s session: %s\n", time.Now().Format(time.TimeOnly), describe(s.HasCredential(), s.Expiry()))
		case <-tick.C:
			c.EnsureFresh(ctx)
		}
	}
}
