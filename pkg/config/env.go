// Package config holds the process environment settings and the
// hash-tagged runtime blob that can be swapped while the server runs.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// App is everything read from the environment at startup. Fields are
// fixed for the process lifetime; runtime-tunable settings live in the
// Runtime blob instead.
type App struct {
	Port        uint16
	AuthToken   string
	RoutePrefix string

	SharedToken    string
	ShareAuthToken bool

	TokensFile  string
	ProxiesFile string
	ConfigFile  string

	LogRingCapacity   int
	RequestTimeout    time.Duration
	StreamIdleTimeout time.Duration

	// UpstreamBase overrides the vendor endpoint; empty means the
	// region host chosen per token.
	UpstreamBase string

	TLSDomain   string
	TLSEmail    string
	TLSCacheDir string

	LogLevel string
}

const (
	defaultPort         = 3000
	defaultTokensFile   = "data/tokens.capi"
	defaultProxiesFile  = "data/proxies.capi"
	defaultConfigFile   = "data/config.toml"
	defaultRingCapacity = 2048
	defaultReqTimeout   = 300 * time.Second
	defaultIdleTimeout  = 60 * time.Second
)

var ErrMissingAuthToken = errors.New("config: AUTH_TOKEN is required")

func envStr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func envInt(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	// Accept bare seconds as well as Go duration syntax.
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}

// NormalizePrefix forces a route prefix into "/name" form, empty for none.
func NormalizePrefix(p string) string {
	p = strings.Trim(strings.TrimSpace(p), "/")
	if p == "" {
		return ""
	}
	return "/" + p
}

// FromEnv builds the process config. AUTH_TOKEN must be set.
func FromEnv() (*App, error) {
	c := &App{
		Port:        defaultPort,
		AuthToken:   strings.TrimSpace(os.Getenv("AUTH_TOKEN")),
		RoutePrefix: NormalizePrefix(os.Getenv("ROUTE_PREFIX")),

		SharedToken:    strings.TrimSpace(os.Getenv("SHARED_TOKEN")),
		ShareAuthToken: envBool("SHARE_AUTH_TOKEN"),

		TokensFile:  envStr("TOKENS_FILE", defaultTokensFile),
		ProxiesFile: envStr("PROXIES_FILE", defaultProxiesFile),
		ConfigFile:  envStr("CONFIG_FILE", defaultConfigFile),

		UpstreamBase: strings.TrimSpace(os.Getenv("UPSTREAM_BASE_URL")),

		TLSDomain:   strings.TrimSpace(os.Getenv("TLS_DOMAIN")),
		TLSEmail:    strings.TrimSpace(os.Getenv("TLS_EMAIL")),
		TLSCacheDir: envStr("TLS_CACHE_DIR", "data/tls-autocert"),

		LogLevel: envStr("LOG_LEVEL", "info"),
	}
	if c.AuthToken == "" {
		return nil, ErrMissingAuthToken
	}
	if v := strings.TrimSpace(os.Getenv("PORT")); v != "" {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("config: PORT: %w", err)
		}
		c.Port = uint16(n)
	}
	var err error
	if c.LogRingCapacity, err = envInt("REQUEST_LOGS_LIMIT", defaultRingCapacity); err != nil {
		return nil, err
	}
	if c.LogRingCapacity <= 0 {
		c.LogRingCapacity = defaultRingCapacity
	}
	if c.RequestTimeout, err = envDuration("REQUEST_TIMEOUT", defaultReqTimeout); err != nil {
		return nil, err
	}
	if c.StreamIdleTimeout, err = envDuration("STREAM_IDLE_TIMEOUT", defaultIdleTimeout); err != nil {
		return nil, err
	}
	return c, nil
}

// ListenAddr is the bind address derived from Port.
func (c *App) ListenAddr() string { return fmt.Sprintf(":%d", c.Port) }
