package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/marsnext/mars/internal/config"
	"github.com/marsnext/mars/pkg/models"
)

// clearEnv blanks every variable Load reads so the host environment cannot
// leak into a test. Load treats an empty value as unset.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"MARS_PORT",
		"MARS_VERSION",
		"MARS_STORE",
		"DATABASE_URL",
		"DATABASE_MAX_CONNECTIONS",
		"DATABASE_CONNECT_TIMEOUT",
		"MARS_DATA_DIR",
		"MARS_SQLITE_PATH",
		"OTEL_ENABLED",
		"OTEL_EXPORTER_OTLP_ENDPOINT",
		"OTEL_EXPORTER_OTLP_METRICS_ENDPOINT",
		"OTEL_SERVICE_NAME",
		"MARS_REQUIRE_AUTH",
		"AUTH_API_KEY_HEADER",
		"MARS_API_KEYS",
		"MARS_SESSION_SECRET",
		"MARS_SESSION_TTL",
		"MARS_MAX_RETRIES",
		"MARS_MAX_CONCURRENCY",
		"MARS_CONTEXT_BUDGET",
		"MARS_PROVIDER_TIMEOUT",
		"MARS_USAGE_TTL",
		"MARS_RETENTION_INTERVAL",
		"MARS_ARCHIVE_DIR",
		"MARS_ARCHIVE_COMPRESS",
		"OPENAI_API_KEY",
		"OPENAI_BASE_URL",
		"ANTHROPIC_API_KEY",
		"ANTHROPIC_BASE_URL",
		"GOOGLE_API_KEY",
		"GEMINI_API_KEY",
		"GOOGLE_BASE_URL",
		"XAI_API_KEY",
		"XAI_BASE_URL",
		"DEEPSEEK_API_KEY",
		"DEEPSEEK_BASE_URL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("MARS_CONFIG_FILE", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Executor.MaxRetries != 2 {
		t.Errorf("Executor.MaxRetries = %d, want 2", cfg.Executor.MaxRetries)
	}
	if cfg.Executor.MaxConcurrency != 5 {
		t.Errorf("Executor.MaxConcurrency = %d, want 5", cfg.Executor.MaxConcurrency)
	}
	if cfg.Executor.ContextBudget != 16000 {
		t.Errorf("Executor.ContextBudget = %d, want 16000", cfg.Executor.ContextBudget)
	}
	if cfg.Store.Driver != "memory" {
		t.Errorf("Store.Driver = %q, want memory", cfg.Store.Driver)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "mars.toml")
	data := `
port = 9090

[store]
driver = "sqlite"
sqlite_path = "/var/lib/mars/mars.db"

[executor]
max_concurrency = 3
provider_timeout = "90s"

[auth]
api_keys = ["alice:k1"]

[providers.anthropic]
api_key = "from-file"
base_url = "http://localhost:9999"
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("MARS_CONFIG_FILE", path)
	t.Setenv("MARS_MAX_CONCURRENCY", "8")
	t.Setenv("ANTHROPIC_API_KEY", "from-env")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("Port = %d, want 9090", cfg.Port)
	}
	if cfg.Store.Driver != "sqlite" || cfg.Store.SQLitePath != "/var/lib/mars/mars.db" {
		t.Errorf("Store = %+v, want sqlite at /var/lib/mars/mars.db", cfg.Store)
	}
	if cfg.Executor.MaxConcurrency != 8 {
		t.Errorf("MaxConcurrency = %d, want env value 8", cfg.Executor.MaxConcurrency)
	}
	if cfg.Executor.ProviderTimeout != 90*time.Second {
		t.Errorf("ProviderTimeout = %v, want 90s", cfg.Executor.ProviderTimeout)
	}
	if cfg.Executor.MaxRetries != 2 {
		t.Errorf("MaxRetries = %d, want default 2", cfg.Executor.MaxRetries)
	}
	if got := cfg.Provider(models.ProviderAnthropic); got.APIKey != "from-env" || got.BaseURL != "http://localhost:9999" {
		t.Errorf("Provider(anthropic) = %+v, want env key and file base URL", got)
	}
	if len(cfg.Auth.APIKeys) != 1 || cfg.Auth.APIKeys[0] != "alice:k1" {
		t.Errorf("Auth.APIKeys = %v, want [alice:k1]", cfg.Auth.APIKeys)
	}
}

func TestLoad_BadFile(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "broken.toml")
	if err := os.WriteFile(path, []byte("port = = 1"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("MARS_CONFIG_FILE", path)

	if _, err := config.Load(); err == nil {
		t.Error("Load() error = nil, want parse error")
	}
}

func TestKeys(t *testing.T) {
	clearEnv(t)
	t.Setenv("MARS_CONFIG_FILE", "")
	t.Setenv("OPENAI_API_KEY", "sk-openai")
	t.Setenv("GOOGLE_API_KEY", "")
	t.Setenv("GEMINI_API_KEY", "sk-gemini")
	t.Setenv("XAI_API_KEY", "   ")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	keys := cfg.Keys()

	if got := keys.APIKey(models.ProviderOpenAI); got != "sk-openai" {
		t.Errorf("APIKey(openai) = %q, want %q", got, "sk-openai")
	}
	if got := keys.APIKey(models.ProviderGoogle); got != "sk-gemini" {
		t.Errorf("APIKey(google) = %q, want %q", got, "sk-gemini")
	}
	if got := keys.APIKey(models.ProviderXAI); got != "" {
		t.Errorf("APIKey(xai) = %q, want empty for a blank key", got)
	}
}

func TestAPIKeysFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("MARS_CONFIG_FILE", "")
	t.Setenv("MARS_API_KEYS", "alice:k1, bob:k2 ,")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	want := []string{"alice:k1", "bob:k2"}
	if len(cfg.Auth.APIKeys) != len(want) {
		t.Fatalf("Auth.APIKeys = %v, want %v", cfg.Auth.APIKeys, want)
	}
	for i := range want {
		if cfg.Auth.APIKeys[i] != want[i] {
			t.Errorf("Auth.APIKeys[%d] = %q, want %q", i, cfg.Auth.APIKeys[i], want[i])
		}
	}
}

func TestLoad_RetentionEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("MARS_CONFIG_FILE", "")
	t.Setenv("MARS_USAGE_TTL", "720h")
	t.Setenv("MARS_ARCHIVE_DIR", "/var/lib/mars/archive")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Retention.UsageTTL != 720*time.Hour {
		t.Errorf("Retention.UsageTTL = %v, want 720h", cfg.Retention.UsageTTL)
	}
	if cfg.Retention.ArchiveDir != "/var/lib/mars/archive" {
		t.Errorf("Retention.ArchiveDir = %q, want /var/lib/mars/archive", cfg.Retention.ArchiveDir)
	}
	if cfg.Retention.Interval != time.Hour || !cfg.Retention.Compress {
		t.Errorf("Retention = %+v, want hourly compressed defaults", cfg.Retention)
	}
}
