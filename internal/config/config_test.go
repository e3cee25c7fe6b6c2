package config

import (
	"flag"
	"io"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadWith(t *testing.T, environ map[string]string, args ...string) (*Config, *flag.FlagSet, error) {
	t.Helper()
	fs := flag.NewFlagSet("dispatch", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if environ == nil {
		environ = map[string]string{}
	}
	cfg, err := load(fs, args, env.Options{Environment: environ})
	return cfg, fs, err
}

func TestLoad_Defaults(t *testing.T) {
	cfg, _, err := loadWith(t, nil)
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8000", cfg.APIBaseURL)
	assert.Empty(t, cfg.APIFallbackURL)
	assert.Equal(t, "ws://localhost:8000", cfg.WSBaseURL)
	assert.Equal(t, ".dispatch-session.json", cfg.SessionFile)
	assert.Equal(t, "default", cfg.SessionBucket)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "console", cfg.LogFormat)
	assert.Equal(t, 15*time.Second, cfg.RequestTimeout)
	assert.Equal(t, 30*time.Second, cfg.PingInterval)
	assert.Equal(t, 3*time.Second, cfg.ReconnectDelay)
	assert.Equal(t, 5*time.Second, cfg.ErrorReconnectDelay)
	assert.Equal(t, 30*time.Second, cfg.RefreshSkew)
	assert.True(t, cfg.Insecure())
}

func TestLoad_Priority(t *testing.T) {
	environ := map[string]string{
		"API_BASE_URL":    "https://api.example.com/",
		"SESSION_BUCKET":  "staging",
		"RECONNECT_DELAY": "10s",
		"LOG_FORMAT":      "JSON",
	}

	t.Run("env over default", func(t *testing.T) {
		cfg, _, err := loadWith(t, environ)
		require.NoError(t, err)
		assert.Equal(t, "https://api.example.com", cfg.APIBaseURL)
		assert.Equal(t, "wss://api.example.com", cfg.WSBaseURL)
		assert.Equal(t, "staging", cfg.SessionBucket)
		assert.Equal(t, 10*time.Second, cfg.ReconnectDelay)
		assert.Equal(t, "json", cfg.LogFormat)
		assert.False(t, cfg.Insecure())
	})

	t.Run("flag over env", func(t *testing.T) {
		cfg, fs, err := loadWith(t, environ,
			"-api-url", "https://other.example.com",
			"-session-bucket", "prod",
			"-reconnect-delay", "1s",
			"alerts", "-status", "pending",
		)
		require.NoError(t, err)
		assert.Equal(t, "https://other.example.com", cfg.APIBaseURL)
		assert.Equal(t, "prod", cfg.SessionBucket)
		assert.Equal(t, time.Second, cfg.ReconnectDelay)
		assert.Equal(t, []string{"alerts", "-status", "pending"}, fs.Args())
	})
}

func TestLoad_ExplicitWebsocketURL(t *testing.T) {
	cfg, _, err := loadWith(t, map[string]string{
		"API_BASE_URL": "https://api.example.com",
		"WS_BASE_URL":  "wss://realtime.example.com/",
	})
	require.NoError(t, err)
	assert.Equal(t, "wss://realtime.example.com", cfg.WSBaseURL)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		environ map[string]string
		args    []string
		wantErr string
	}{
		{"bad api scheme", map[string]string{"API_BASE_URL": "ftp://x"}, nil, "API_BASE_URL"},
		{"api without host", map[string]string{"API_BASE_URL": "http://"}, nil, "host"},
		{"bad fallback", map[string]string{"API_FALLBACK_URL": "localhost:9000"}, nil, "API_FALLBACK_URL"},
		{"http websocket url", map[string]string{"WS_BASE_URL": "http://x"}, nil, "WS_BASE_URL"},
		{"bad log format", map[string]string{"LOG_FORMAT": "xml"}, nil, "LOG_FORMAT"},
		{"zero ping", nil, []string{"-ping-interval", "0s"}, "PING_INTERVAL"},
		{"negative skew", map[string]string{"REFRESH_SKEW": "-1s"}, nil, "REFRESH_SKEW"},
		{"unparseable duration", map[string]string{"REQUEST_TIMEOUT": "soon"}, nil, "environment"},
		{"unknown flag", nil, []string{"-nope"}, "nope"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := loadWith(t, tt.environ, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDeriveWebsocketURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:8000", deriveWebsocketURL("http://localhost:8000"))
	assert.Equal(t, "wss://api.example.com/base", deriveWebsocketURL("HTTPS://api.example.com/base"))
	assert.Equal(t, "ftp://x", deriveWebsocketURL("ftp://x"))
}
