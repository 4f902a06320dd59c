// Package config resolves SDK settings from the environment and command-line flags.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/devbookhq/devbook-go/pkg/consts"
)

const (
	EnvAPIKey         = "E2B_API_KEY"
	EnvAccessToken    = "E2B_ACCESS_TOKEN"
	EnvDomain         = "E2B_DOMAIN"
	EnvAPIURL         = "E2B_API_URL"
	EnvDebug          = "E2B_DEBUG"
	EnvRequestTimeout = "E2B_REQUEST_TIMEOUT"
	EnvMaxRetries     = "E2B_MAX_RETRIES"
)

type Config struct {
	APIKey         string
	AccessToken    string
	Domain         string
	APIURL         string
	Debug          bool
	RequestTimeout time.Duration
	MaxRetries     int
}

// Load reads the configuration from the environment. Unset values keep their defaults.
func Load() (*Config, error) {
	cfg := &Config{
		APIKey:         os.Getenv(EnvAPIKey),
		AccessToken:    os.Getenv(EnvAccessToken),
		Domain:         os.Getenv(EnvDomain),
		APIURL:         os.Getenv(EnvAPIURL),
		RequestTimeout: consts.DefaultTimeout,
		MaxRetries:     consts.DefaultMaxRetries,
	}
	if cfg.Domain == "" {
		cfg.Domain = consts.DefaultDomain
	}
	if v := os.Getenv(EnvDebug); v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s [%s]: %w", EnvDebug, v, err)
		}
		cfg.Debug = debug
	}
	if v := os.Getenv(EnvRequestTimeout); v != "" {
		timeout, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s [%s]: %w", EnvRequestTimeout, v, err)
		}
		cfg.RequestTimeout = timeout
	}
	if v := os.Getenv(EnvMaxRetries); v != "" {
		retries, err := strconv.Atoi(v)
		if err != nil || retries < 0 {
			return nil, fmt.Errorf("invalid %s [%s]", EnvMaxRetries, v)
		}
		cfg.MaxRetries = retries
	}
	return cfg, nil
}

// BindFlags registers flags that override the loaded values. Call before fs.Parse.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVar(&c.APIKey, "api-key", c.APIKey, "API key sent as "+consts.APIKeyHeader+" (env "+EnvAPIKey+")")
	fs.StringVar(&c.AccessToken, "access-token", c.AccessToken, "Bearer access token (env "+EnvAccessToken+")")
	fs.StringVar(&c.Domain, "domain", c.Domain, "Sandbox domain (env "+EnvDomain+")")
	fs.StringVar(&c.APIURL, "api-url", c.APIURL, "API base URL, derived from --domain when empty (env "+EnvAPIURL+")")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "Talk to a local API on "+consts.DebugAPIURL+" (env "+EnvDebug+")")
	fs.DurationVar(&c.RequestTimeout, "request-timeout", c.RequestTimeout, "Per-request timeout (env "+EnvRequestTimeout+")")
	fs.IntVar(&c.MaxRetries, "max-retries", c.MaxRetries, "Retries for idempotent requests (env "+EnvMaxRetries+")")
}

// ResolvedAPIURL returns the explicit API URL, the debug URL, or https://api.<domain>.
func (c *Config) ResolvedAPIURL() string {
	switch {
	case c.APIURL != "":
		return c.APIURL
	case c.Debug:
		return consts.DebugAPIURL
	default:
		return fmt.Sprintf("https://%s.%s", consts.DefaultAPIHost, c.Domain)
	}
}
