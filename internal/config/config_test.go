package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "signer.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoad_Defaults(t *testing.T) {
	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "dev", c.App.Env)
	assert.Equal(t, ":8080", c.Server.Addr)
	assert.Equal(t, "memory", c.Keys.Source)
	assert.Equal(t, "memory", c.Audit.Store)
	assert.Equal(t, 10*time.Minute, c.Dispatcher.IdempotenceWindow)
	assert.Equal(t, 4, c.Retry.MaxAttempts)
	assert.Equal(t, "auto", c.Presign.Region)
	assert.False(t, c.NeedsPostgres())
	assert.False(t, c.UsesRedis())
}

func TestLoad_YAMLAndEnvOverride(t *testing.T) {
	p := writeYAML(t, `
app:
  app_env: staging
keys:
  source: file
  dir: /var/lib/signer/keys
audit:
  store: bolt
rate:
  per_key:
    limit: 5
    window: 30s
policy:
  allowlist:
    k1: [u1, u2]
dispatcher:
  idempotence_window: 2m
security:
  secretbox_master_key: "irrelevant-here"
`)
	t.Setenv("RATE_PER_KEY_LIMIT", "7")
	t.Setenv("CACHE_KIND", "redis")

	c, err := Load(p)
	require.NoError(t, err)
	assert.Equal(t, "staging", c.App.Env)
	assert.Equal(t, "/var/lib/signer/keys", c.Keys.Dir)
	assert.Equal(t, 7, c.Rate.PerKey.Limit)
	assert.Equal(t, 30*time.Second, c.Rate.PerKey.Window)
	assert.Equal(t, []string{"u1", "u2"}, c.Policy.Allowlist["k1"])
	assert.Equal(t, 2*time.Minute, c.Dispatcher.IdempotenceWindow)
	assert.True(t, c.UsesRedis())
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "memory", c.Cache.Kind)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		env  map[string]string
	}{
		{"unknown key source", "keys:\n  source: hsm\n", nil},
		{"postgres without dsn", "audit:\n  store: postgres\n", nil},
		{"file keys without master key", "keys:\n  source: file\n", nil},
		{"kafka without brokers", "audit:\n  kafka:\n    enabled: true\n", nil},
		{"short jwt secret", "auth:\n  enabled: true\n  jwt_secret: abc\n", nil},
		{"prod without auth", "app:\n  app_env: prod\naudit:\n  store: bolt\n", nil},
		{"prod memory audit", "", map[string]string{"APP_ENV": "prod", "AUTH_ENABLED": "true", "AUTH_JWT_SECRET": "0123456789abcdef0123456789abcdef"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load(writeYAML(t, tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestGetEnvCSV(t *testing.T) {
	t.Setenv("X_LIST", " a, ,b ,c")
	v, ok := getEnvCSV("X_LIST")
	assert.True(t, ok)
	assert.Equal(t, []string{"a", "b", "c"}, v)
}
