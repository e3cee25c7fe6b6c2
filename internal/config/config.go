// Package config resolves CLI settings with priority flag > env > default.
// A .env file in the working directory is loaded into the environment first.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds every runtime setting of the dispatch CLI.
type Config struct {
	// API endpoints
	APIBaseURL     string `env:"API_BASE_URL"     envDefault:"http://localhost:8000"`
	APIFallbackURL string `env:"API_FALLBACK_URL"`
	// WSBaseURL defaults to APIBaseURL with the scheme switched to ws/wss.
	WSBaseURL string `env:"WS_BASE_URL"`

	// Session persistence
	SessionFile   string `env:"SESSION_FILE"   envDefault:".dispatch-session.json"`
	SessionBucket string `env:"SESSION_BUCKET" envDefault:"default"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"warn"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`

	// Timings
	RequestTimeout      time.Duration `env:"REQUEST_TIMEOUT"       envDefault:"15s"`
	PingInterval        time.Duration `env:"PING_INTERVAL"         envDefault:"30s"`
	ReconnectDelay      time.Duration `env:"RECONNECT_DELAY"       envDefault:"3s"`
	ErrorReconnectDelay time.Duration `env:"ERROR_RECONNECT_DELAY" envDefault:"5s"`
	RefreshSkew         time.Duration `env:"REFRESH_SKEW"          envDefault:"30s"`
}

// Load reads .env and the environment, registers the global flags on fs with
// those values as defaults, and parses args. Arguments after the first
// non-flag remain available through fs.Args.
func Load(fs *flag.FlagSet, args []string) (*Config, error) {
	// A missing .env is fine.
	_ = godotenv.Load()
	return load(fs, args, env.Options{})
}

func load(fs *flag.FlagSet, args []string, opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("config: failed to parse environment variables: %w", err)
	}

	cfg.bindFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) bindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.APIBaseURL, "api-url", c.APIBaseURL, "dispatch API base URL (API_BASE_URL)")
	fs.StringVar(&c.APIFallbackURL, "fallback-url", c.APIFallbackURL,
		"API base URL tried once when the primary is unreachable (API_FALLBACK_URL)")
	fs.StringVar(&c.WSBaseURL, "ws-url", c.WSBaseURL,
		"realtime websocket base URL, derived from -api-url when empty (WS_BASE_URL)")
	fs.StringVar(&c.SessionFile, "session-file", c.SessionFile, "session storage file (SESSION_FILE)")
	fs.StringVar(&c.SessionBucket, "session-bucket", c.SessionBucket,
		"named session inside the storage file (SESSION_BUCKET)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error (LOG_LEVEL)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "console or json (LOG_FORMAT)")
	fs.DurationVar(&c.RequestTimeout, "timeout", c.RequestTimeout,
		"timeout of a single HTTP attempt (REQUEST_TIMEOUT)")
	fs.DurationVar(&c.PingInterval, "ping-interval", c.PingInterval,
		"realtime keep-alive interval (PING_INTERVAL)")
	fs.DurationVar(&c.ReconnectDelay, "reconnect-delay", c.ReconnectDelay,
		"realtime redial delay after a server close (RECONNECT_DELAY)")
	fs.DurationVar(&c.ErrorReconnectDelay, "error-reconnect-delay", c.ErrorReconnectDelay,
		"realtime redial delay after a failure (ERROR_RECONNECT_DELAY)")
	fs.DurationVar(&c.RefreshSkew, "refresh-skew", c.RefreshSkew,
		"refresh access tokens expiring within this window (REFRESH_SKEW)")
}

func (c *Config) normalize() {
	c.APIBaseURL = strings.TrimRight(strings.TrimSpace(c.APIBaseURL), "/")
	c.APIFallbackURL = strings.TrimRight(strings.TrimSpace(c.APIFallbackURL), "/")
	c.WSBaseURL = strings.TrimRight(strings.TrimSpace(c.WSBaseURL), "/")
	if c.WSBaseURL == "" {
		c.WSBaseURL = deriveWebsocketURL(c.APIBaseURL)
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
}

// deriveWebsocketURL maps http to ws and https to wss, keeping host and path.
func deriveWebsocketURL(apiURL string) string {
	lower := strings.ToLower(apiURL)
	switch {
	case strings.HasPrefix(lower, "https://"):
		return "wss://" + apiURL[len("https://"):]
	case strings.HasPrefix(lower, "http://"):
		return "ws://" + apiURL[len("http://"):]
	default:
		return apiURL
	}
}

// Validate checks URL schemes, the log format and that durations are positive.
func (c *Config) Validate() error {
	if err := validateURL(c.APIBaseURL, "http", "https"); err != nil {
		return fmt.Errorf("invalid API_BASE_URL: %w", err)
	}
	if c.APIFallbackURL != "" {
		if err := validateURL(c.APIFallbackURL, "http", "https"); err != nil {
			return fmt.Errorf("invalid API_FALLBACK_URL: %w", err)
		}
	}
	if err := validateURL(c.WSBaseURL, "ws", "wss"); err != nil {
		return fmt.Errorf("invalid WS_BASE_URL: %w", err)
	}

	if strings.TrimSpace(c.SessionFile) == "" {
		return errors.New("SESSION_FILE cannot be empty")
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		return fmt.Errorf("LOG_FORMAT must be console or json, got: %s", c.LogFormat)
	}

	for name, d := range map[string]time.Duration{
		"REQUEST_TIMEOUT":       c.RequestTimeout,
		"PING_INTERVAL":         c.PingInterval,
		"RECONNECT_DELAY":       c.ReconnectDelay,
		"ERROR_RECONNECT_DELAY": c.ErrorReconnectDelay,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got: %s", name, d)
		}
	}
	if c.RefreshSkew < 0 {
		return fmt.Errorf("REFRESH_SKEW cannot be negative, got: %s", c.RefreshSkew)
	}
	return nil
}

// Insecure reports whether tokens would travel in plaintext.
func (c *Config) Insecure() bool {
	for _, u := range []string{c.APIBaseURL, c.APIFallbackURL, c.WSBaseURL} {
		lower := strings.ToLower(u)
		if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "ws://") {
			return true
		}
	}
	return false
}

func validateURL(rawURL string, schemes ...string) error {
	if rawURL == "" {
		return errors.New("URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	ok := false
	for _, s := range schemes {
		if strings.EqualFold(u.Scheme, s) {
			ok = true
			break
		}
	}
	if !ok {
		return fmt.Errorf("URL scheme must be %s, got: %s", strings.Join(schemes, " or "), u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}
	return nil
}
