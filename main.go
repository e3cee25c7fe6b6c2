package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/sos-dispatch/dispatch-cli/api"
	"github.com/sos-dispatch/dispatch-cli/internal/config"
	"github.com/sos-dispatch/dispatch-cli/internal/logging"
	"github.com/sos-dispatch/dispatch-cli/realtime"
	"github.com/sos-dispatch/dispatch-cli/session"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// Exit codes
const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

// app wires the core components for one CLI invocation.
type app struct {
	cfg        *config.Config
	log        *zap.Logger
	store      *session.Store
	client     *api.Client
	httpClient *http.Client
	stdout     io.Writer
	stderr     io.Writer
}

func newApp(cfg *config.Config, log *zap.Logger, stdout, stderr io.Writer) (*app, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}

	store := session.NewStore(cfg.SessionFile, cfg.SessionBucket, session.WithLogger(log))

	client, err := api.New(cfg.APIBaseURL, store,
		api.WithFallbackURL(cfg.APIFallbackURL),
		api.WithHTTPClient(httpClient),
		api.WithLogger(log),
		api.WithTimeout(cfg.RequestTimeout),
		api.WithRefreshSkew(cfg.RefreshSkew),
		api.WithUserAgent(userAgent()),
	)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:        cfg,
		log:        log,
		store:      store,
		client:     client,
		httpClient: httpClient,
		stdout:     stdout,
		stderr:     stderr,
	}, nil
}

func (a *app) newStream() *realtime.Stream {
	header := http.Header{}
	header.Set("User-Agent", userAgent())

	return realtime.New(a.cfg.WSBaseURL, a.store,
		realtime.WithLogger(a.log),
		realtime.WithPingInterval(a.cfg.PingInterval),
		realtime.WithReconnectDelay(a.cfg.ReconnectDelay, a.cfg.ErrorReconnectDelay),
		realtime.WithDialOptions(&websocket.DialOptions{
			HTTPClient: a.httpClient,
			HTTPHeader: header,
		}),
	)
}

func userAgent() string { return "dispatch-cli/" + version }

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("dispatch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() { usage(fs) }

	cfg, err := config.Load(fs, args)
	if errors.Is(err, flag.ErrHelp) {
		return exitOK
	}
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitUsage
	}

	rest := fs.Args()
	if len(rest) == 0 {
		usage(fs)
		return exitUsage
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		fmt.Fprintf(stderr, "Error: unknown command %q\n\n", rest[0])
		usage(fs)
		return exitUsage
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
	defer func() { _ = log.Sync() }()

	if cfg.Insecure() {
		fmt.Fprintln(stderr, "⚠️  WARNING: Using HTTP instead of HTTPS. Tokens will be transmitted in plaintext!")
		fmt.Fprintln(stderr, "⚠️  This is only safe for local development. Use HTTPS in production.")
		fmt.Fprintln(stderr)
	}

	a, err := newApp(cfg, log, stdout, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}

	if err := cmd.run(ctx, a, rest[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		if errors.Is(err, errUsage) {
			return exitUsage
		}
		log.Debug("command failed", zap.String("command", rest[0]), zap.Error(err))
		fmt.Fprintf(stderr, "Error: %s\n", describeError(err))
		return exitError
	}
	return exitOK
}

// describeError turns core errors into messages fit for the terminal.
func describeError(err error) string {
	var apiErr *api.APIError
	switch {
	case errors.Is(err, api.ErrSessionExpired):
		return "Session expired, please sign in again with: dispatch login"
	case errors.Is(err, api.ErrNotAuthenticated):
		return "Not signed in. Run: dispatch login -email <email> -password <password>"
	case errors.Is(err, api.ErrNetworkUnavailable):
		return fmt.Sprintf("Cannot reach the dispatch server (%v)", err)
	case errors.As(err, &apiErr):
		return apiErr.Message
	default:
		return err.Error()
	}
}

func usage(fs *flag.FlagSet) {
	w := fs.Output()
	fmt.Fprintln(w, "Usage: dispatch [flags] <command> [command flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")

	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-14s %s\n", name, commands[name].summary)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags (environment variable in parentheses, .env is read when present):")
	fs.PrintDefaults()
}
