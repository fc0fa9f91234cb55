package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadReadsPrefixedEnvironment(t *testing.T) {
	t.Setenv("CARWATCH_AUTH_SIGNING_SECRET", "secret")
	t.Setenv("CARWATCH_DATABASE_DRIVER", "Postgres")
	t.Setenv("CARWATCH_DATABASE_DSN", "host=localhost dbname=carwatch")
	t.Setenv("CARWATCH_SCHEDULER_INTERVAL", "90s")
	t.Setenv("CARWATCH_SOURCES_KUFAR_BEARER_TOKENS", " first, ,second ")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.DatabaseDriver != DriverPostgres {
		t.Fatalf("expected postgres driver, got %q", cfg.DatabaseDriver)
	}
	if cfg.SchedulerInterval != 90*time.Second {
		t.Fatalf("unexpected interval %v", cfg.SchedulerInterval)
	}
	if len(cfg.KufarBearerTokens) != 2 || cfg.KufarBearerTokens[0] != "first" || cfg.KufarBearerTokens[1] != "second" {
		t.Fatalf("unexpected bearer tokens %#v", cfg.KufarBearerTokens)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.CatalogTTL != defaultCatalogTTL || cfg.GeminiTimeout != defaultGeminiTimeout {
		t.Fatalf("expected defaults to apply, got %+v", cfg)
	}
	if cfg.EnrichmentEnabled() {
		t.Fatalf("expected enrichment disabled without a gemini key")
	}
	if err := cfg.ValidateService(); err == nil {
		t.Fatalf("expected the service to require a telegram token")
	}
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	testCases := map[string]map[string]string{
		"missing secret":   {},
		"unknown driver":   {"CARWATCH_AUTH_SIGNING_SECRET": "s", "CARWATCH_DATABASE_DRIVER": "mysql"},
		"zero interval":    {"CARWATCH_AUTH_SIGNING_SECRET": "s", "CARWATCH_SCHEDULER_INTERVAL": "0s"},
		"negative av rate": {"CARWATCH_AUTH_SIGNING_SECRET": "s", "CARWATCH_SOURCES_AV_RPS": "-1"},
		"zero gemini wait": {"CARWATCH_AUTH_SIGNING_SECRET": "s", "CARWATCH_GEMINI_TIMEOUT": "0s"},
	}
	for name, env := range testCases {
		t.Run(name, func(t *testing.T) {
			for key, value := range env {
				t.Setenv(key, value)
			}
			if _, err := Load(NewViper()); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadDotEnvKeepsExistingVariables(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "CARWATCH_TELEGRAM_TOKEN=from-file\nCARWATCH_LOG_LEVEL=debug\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write env file: %v", err)
	}
	t.Setenv("CARWATCH_LOG_LEVEL", "warn")
	t.Setenv("CARWATCH_TELEGRAM_TOKEN", "")
	if err := os.Unsetenv("CARWATCH_TELEGRAM_TOKEN"); err != nil {
		t.Fatalf("failed to unset: %v", err)
	}

	if err := LoadDotEnv(filepath.Join(dir, "missing.env"), path); err != nil {
		t.Fatalf("unexpected dotenv error: %v", err)
	}
	if got := os.Getenv("CARWATCH_TELEGRAM_TOKEN"); got != "from-file" {
		t.Fatalf("expected token from file, got %q", got)
	}
	if got := os.Getenv("CARWATCH_LOG_LEVEL"); got != "warn" {
		t.Fatalf("expected existing variable kept, got %q", got)
	}
}
