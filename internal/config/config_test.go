package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// chdir isolates the .env lookup in Load.
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 200, cfg.Store.Retention)
	assert.Equal(t, 5*time.Second, cfg.Stream.Interval)
	assert.Equal(t, 10*time.Second, cfg.Ledger.Timeout)
	assert.Equal(t, "agora_session", cfg.Session.CookieName)
	assert.Equal(t, 10.0, cfg.Economy.UnlockCost)

	// no secret configured
	assert.Error(t, cfg.Validate())
	cfg.Session.Secret = testSecret
	assert.NoError(t, cfg.Validate())
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	path := writeFile(t, dir, "reflections.yaml", `
server:
  addr: ":9000"
ledger:
  base_url: "http://ledger.local/"
  api_key: "from-yaml"
store:
  retention: 50
session:
  secret: "`+testSecret+`"
`)

	t.Setenv("GIC_INDEXER_KEY", "from-env")
	t.Setenv("STREAM_INTERVAL", "2s")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.Addr)
	assert.Equal(t, "http://ledger.local", cfg.Ledger.BaseURL)
	assert.Equal(t, "from-env", cfg.Ledger.APIKey)
	assert.Equal(t, 50, cfg.Store.Retention)
	assert.Equal(t, 2*time.Second, cfg.Stream.Interval)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	// untouched sections keep defaults
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	writeFile(t, dir, ".env", "SESSION_SECRET="+testSecret+"\nOPENAI_MODEL=gpt-test\n")
	t.Cleanup(func() {
		os.Unsetenv("SESSION_SECRET")
		os.Unsetenv("OPENAI_MODEL")
	})

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "gpt-test", cfg.LLM.Model)
	assert.Equal(t, testSecret, cfg.Session.Secret)
}

func TestLoad_ZeroTemperatureAndOAA(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	path := writeFile(t, dir, "reflections.yaml", `
llm:
  temperature: 0
session:
  secret: "`+testSecret+`"
`)
	t.Setenv("OAA_API_URL", "http://oaa.local/")
	t.Setenv("OAA_API_KEY", "oaa-key")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Zero(t, cfg.LLM.Temperature)
	assert.Equal(t, "http://oaa.local", cfg.OAA.BaseURL)
	assert.Equal(t, "oaa-key", cfg.OAA.APIKey)
	assert.False(t, cfg.Economy.AllowBodyIdentity)
}

func TestLoad_ExplicitMissingFile(t *testing.T) {
	chdir(t, t.TempDir())
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero retention", func(c *Config) { c.Store.Retention = 0 }},
		{"zero interval", func(c *Config) { c.Stream.Interval = 0 }},
		{"zero ledger timeout", func(c *Config) { c.Ledger.Timeout = 0 }},
		{"short secret", func(c *Config) { c.Session.Secret = "short" }},
		{"unknown backend", func(c *Config) { c.Store.Backend = "cassandra" }},
		{"redis without url", func(c *Config) { c.Store.Backend = BackendRedis }},
		{"postgres without url", func(c *Config) { c.Store.Backend = BackendPostgres }},
		{"free unlock", func(c *Config) { c.Economy.UnlockCost = 0 }},
		{"negative temperature", func(c *Config) { c.LLM.Temperature = -0.1 }},
		{"temperature above 2", func(c *Config) { c.LLM.Temperature = 2.5 }},
		{"zero oaa timeout", func(c *Config) { c.OAA.Timeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Session.Secret = testSecret
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
