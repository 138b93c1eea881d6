package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds process-level settings read once from the environment at startup.
type Config struct {
	AppEnv           string
	LogLevel         string
	MetricsNamespace string
	HTTPListenAddr   string
	PublicBasePath   string
	AdminToken       string

	DatabaseDriver string
	DatabaseURL    string
	DatabaseSchema string
	SQLitePath     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTLS      bool
	OfferCacheTTL time.Duration

	MarketBaseURL      string
	MarketCDNBaseURL   string
	MarketTimeout      time.Duration
	MarketMaxPerMinute int

	RemoteBaseURL  string
	RemoteGistID   string
	RemoteTagsRepo string
	RemoteOwnerID  int64
	RemoteToken    string

	SettingsPath    string
	SessionCookie   string
	PluginsDir      string
	PluginStatePath string

	WhatsAppEnabled   bool
	WhatsAppStorePath string
	WhatsAppLogLevel  string
	NotifyJIDs        []string
	AdminJIDs         []string

	OTEL OTELConfig
}

// OTELConfig controls OpenTelemetry trace export.
type OTELConfig struct {
	Enabled     bool
	Endpoint    string
	Insecure    bool
	ServiceName string
	SampleRatio float64
}

// Load reads configuration from environment variables and applies defaults.
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:           getenv("APP_ENV", "development"),
		LogLevel:         getenv("LOG_LEVEL", "info"),
		MetricsNamespace: getenv("METRICS_NAMESPACE", "lotwatch"),
		HTTPListenAddr:   getenv("HTTP_LISTEN_ADDR", ":8080"),
		PublicBasePath:   getenv("PUBLIC_BASE_PATH", ""),
		AdminToken:       getenv("ADMIN_TOKEN", ""),

		DatabaseDriver: strings.ToLower(getenv("DATABASE_DRIVER", "sqlite")),
		DatabaseURL:    getenv("DATABASE_URL", ""),
		DatabaseSchema: getenv("DATABASE_SCHEMA", ""),
		SQLitePath:     getenv("SQLITE_PATH", "data/lotwatch.db"),

		RedisAddr:     getenv("REDIS_ADDR", ""),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getint("REDIS_DB", 0),
		RedisTLS:      getbool("REDIS_TLS", false),
		OfferCacheTTL: getdur("OFFER_CACHE_TTL", 10*time.Minute),

		MarketBaseURL:      getenv("MARKET_BASE_URL", "https://starvell.com"),
		MarketCDNBaseURL:   getenv("MARKET_CDN_BASE_URL", "https://cdn.starvell.com"),
		MarketTimeout:      getdur("MARKET_TIMEOUT", 15*time.Second),
		MarketMaxPerMinute: getint("MARKET_MAX_PER_MINUTE", 0),

		RemoteBaseURL:  getenv("REMOTE_BASE_URL", "https://api.github.com"),
		RemoteGistID:   getenv("REMOTE_GIST_ID", ""),
		RemoteTagsRepo: getenv("REMOTE_TAGS_REPO", ""),
		RemoteOwnerID:  int64(getint("REMOTE_OWNER_ID", 0)),
		RemoteToken:    getenv("REMOTE_TOKEN", ""),

		SettingsPath:    getenv("SETTINGS_PATH", "config/settings.yaml"),
		SessionCookie:   getenv("MARKET_SESSION_COOKIE", ""),
		PluginsDir:      getenv("PLUGINS_DIR", "plugins"),
		PluginStatePath: getenv("PLUGIN_STATE_PATH", "data/plugins.state"),

		WhatsAppEnabled:   getbool("WHATSAPP_ENABLED", false),
		WhatsAppStorePath: getenv("WHATSAPP_STORE_PATH", "data/whatsapp.db"),
		WhatsAppLogLevel:  getenv("WHATSAPP_LOG_LEVEL", "WARN"),
		NotifyJIDs:        splitCSV(getenv("NOTIFY_JIDS", "")),
		AdminJIDs:         splitCSV(getenv("ADMIN_JIDS", "")),

		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "lotwatch"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	switch cfg.DatabaseDriver {
	case "sqlite":
		if strings.TrimSpace(cfg.SQLitePath) == "" {
			return nil, fmt.Errorf("SQLITE_PATH is required for sqlite driver")
		}
	case "postgres":
		if strings.TrimSpace(cfg.DatabaseURL) == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for postgres driver")
		}
	default:
		return nil, fmt.Errorf("unsupported DATABASE_DRIVER %q", cfg.DatabaseDriver)
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return nil, fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be within [0,1]")
	}
	if cfg.WhatsAppEnabled && strings.TrimSpace(cfg.WhatsAppStorePath) == "" {
		return nil, fmt.Errorf("WHATSAPP_STORE_PATH is required when WHATSAPP_ENABLED")
	}
	return cfg, nil
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(v)
	}
	return def
}

func getint(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func getfloat(key string, def float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}

func getbool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			return b
		}
	}
	return def
}

func getdur(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
