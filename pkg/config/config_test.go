package config

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devbookhq/devbook-go/pkg/consts"
)

func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{EnvAPIKey, EnvAccessToken, EnvDomain, EnvAPIURL, EnvDebug, EnvRequestTimeout, EnvMaxRetries} {
		t.Setenv(key, "")
	}
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, consts.DefaultDomain, cfg.Domain)
	assert.Equal(t, consts.DefaultTimeout, cfg.RequestTimeout)
	assert.Equal(t, consts.DefaultMaxRetries, cfg.MaxRetries)
	assert.Equal(t, "https://api.ondevbook.com", cfg.ResolvedAPIURL())
}

func TestLoad_Env(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr bool
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name: "all values",
			env: map[string]string{
				EnvAPIKey:         "key",
				EnvDomain:         "e2b.dev",
				EnvRequestTimeout: "5s",
				EnvMaxRetries:     "0",
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "key", cfg.APIKey)
				assert.Equal(t, 5*time.Second, cfg.RequestTimeout)
				assert.Equal(t, 0, cfg.MaxRetries)
				assert.Equal(t, "https://api.e2b.dev", cfg.ResolvedAPIURL())
			},
		},
		{
			name: "debug wins over domain",
			env:  map[string]string{EnvDebug: "true", EnvDomain: "e2b.dev"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, consts.DebugAPIURL, cfg.ResolvedAPIURL())
			},
		},
		{
			name: "explicit url wins",
			env:  map[string]string{EnvDebug: "true", EnvAPIURL: "http://127.0.0.1:9000"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "http://127.0.0.1:9000", cfg.ResolvedAPIURL())
			},
		},
		{name: "bad debug", env: map[string]string{EnvDebug: "maybe"}, wantErr: true},
		{name: "bad timeout", env: map[string]string{EnvRequestTimeout: "soon"}, wantErr: true},
		{name: "negative retries", env: map[string]string{EnvMaxRetries: "-1"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, key := range []string{EnvAPIKey, EnvAccessToken, EnvDomain, EnvAPIURL, EnvDebug, EnvRequestTimeout, EnvMaxRetries} {
				t.Setenv(key, tt.env[key])
			}
			cfg, err := Load()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestBindFlags(t *testing.T) {
	cfg := &Config{Domain: consts.DefaultDomain, APIKey: "from-env"}
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"--api-key=from-flag", "--domain=example.org", "--max-retries=7"}))
	assert.Equal(t, "from-flag", cfg.APIKey)
	assert.Equal(t, "example.org", cfg.Domain)
	assert.Equal(t, 7, cfg.MaxRetries)
}
