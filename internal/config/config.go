package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	envPrefix                = "CARWATCH"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = DriverSQLite
	defaultDatabaseDSN       = "carwatch.db"
	defaultLogLevel          = "info"
	defaultLogEncoding       = "json"
	defaultInterval          = 60 * time.Second
	defaultGeminiModel       = "gemini-2.5-flash"
	defaultGeminiTimeout     = 30 * time.Second
	defaultTokenTTL          = 24 * time.Hour
	defaultAvRPS             = 0.5
	defaultKufarRPS          = 0.5
	defaultHTTPClientTimeout = 15 * time.Second
	defaultCatalogTTL        = 6 * time.Hour
	defaultMessagePause      = time.Second
	defaultTimezone          = "Europe/Minsk"

	// DriverSQLite selects the embedded SQLite store.
	DriverSQLite = "sqlite"
	// DriverPostgres selects a PostgreSQL server.
	DriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the service.
type AppConfig struct {
	HTTPAddress         string
	DatabaseDriver      string
	DatabaseDSN         string
	LogLevel            string
	LogEncoding         string
	SchedulerInterval   time.Duration
	TelegramToken       string
	TelegramAPIEndpoint string
	GeminiAPIKey        string
	GeminiModel         string
	GeminiTimeout       time.Duration
	AuthSigningSecret   string
	AuthTokenTTL        time.Duration
	AvRPS               float64
	KufarRPS            float64
	KufarBearerTokens   []string
	HTTPClientTimeout   time.Duration
	CatalogTTL          time.Duration
	MessagePause        time.Duration
	Timezone            string
}

// LoadDotEnv reads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("config: load %s: %w", path, err)
		}
	}
	return nil
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)
	configViper.SetDefault("scheduler.interval", defaultInterval)
	configViper.SetDefault("scheduler.message_pause", defaultMessagePause)
	configViper.SetDefault("scheduler.timezone", defaultTimezone)
	configViper.SetDefault("telegram.token", "")
	configViper.SetDefault("telegram.api_endpoint", "")
	configViper.SetDefault("gemini.api_key", "")
	configViper.SetDefault("gemini.model", defaultGeminiModel)
	configViper.SetDefault("gemini.timeout", defaultGeminiTimeout)
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("sources.av.rps", defaultAvRPS)
	configViper.SetDefault("sources.kufar.rps", defaultKufarRPS)
	configViper.SetDefault("sources.kufar.bearer_tokens", "")
	configViper.SetDefault("http_client.timeout", defaultHTTPClientTimeout)
	configViper.SetDefault("catalog.ttl", defaultCatalogTTL)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		DatabaseDriver:      strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:         configViper.GetString("database.dsn"),
		LogLevel:            configViper.GetString("log.level"),
		LogEncoding:         configViper.GetString("log.encoding"),
		SchedulerInterval:   configViper.GetDuration("scheduler.interval"),
		TelegramToken:       configViper.GetString("telegram.token"),
		TelegramAPIEndpoint: configViper.GetString("telegram.api_endpoint"),
		GeminiAPIKey:        configViper.GetString("gemini.api_key"),
		GeminiModel:         configViper.GetString("gemini.model"),
		GeminiTimeout:       configViper.GetDuration("gemini.timeout"),
		AuthSigningSecret:   configViper.GetString("auth.signing_secret"),
		AuthTokenTTL:        configViper.GetDuration("auth.token_ttl"),
		AvRPS:               configViper.GetFloat64("sources.av.rps"),
		KufarRPS:            configViper.GetFloat64("sources.kufar.rps"),
		KufarBearerTokens:   splitList(configViper.GetString("sources.kufar.bearer_tokens")),
		HTTPClientTimeout:   configViper.GetDuration("http_client.timeout"),
		CatalogTTL:          configViper.GetDuration("catalog.ttl"),
		MessagePause:        configViper.GetDuration("scheduler.message_pause"),
		Timezone:            configViper.GetString("scheduler.timezone"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// EnrichmentEnabled reports whether a Gemini key was configured.
func (c AppConfig) EnrichmentEnabled() bool {
	return strings.TrimSpace(c.GeminiAPIKey) != ""
}

// ValidateService checks the settings only the long-running service needs.
func (c AppConfig) ValidateService() error {
	if strings.TrimSpace(c.TelegramToken) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	return nil
}

func (c AppConfig) validate() error {
	if c.DatabaseDriver != DriverSQLite && c.DatabaseDriver != DriverPostgres {
		return fmt.Errorf("database.driver must be %q or %q", DriverSQLite, DriverPostgres)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if c.SchedulerInterval <= 0 {
		return fmt.Errorf("scheduler.interval must be positive")
	}
	if c.AuthTokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if c.AvRPS <= 0 || c.KufarRPS <= 0 {
		return fmt.Errorf("sources.*.rps must be positive")
	}
	if c.HTTPClientTimeout <= 0 {
		return fmt.Errorf("http_client.timeout must be positive")
	}
	if c.GeminiTimeout <= 0 {
		return fmt.Errorf("gemini.timeout must be positive")
	}
	return nil
}

func splitList(raw string) []string {
	var values []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}
