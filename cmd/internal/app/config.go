package app

import (
	"strings"
	"time"

	"screenrelay/cmd/internal/relay"
)

// Config contains all relay runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	PublicURL string
	// ViewerPath is appended to PublicURL to build the viewer-facing link.
	ViewerPath string

	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	MaxUploadBytes int

	RequestTTL   time.Duration
	ReapInterval time.Duration

	MetricsEnabled bool

	WatchEnabled        bool
	WatchMaxWait        time.Duration
	WatchAllowedOrigins []string
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	return Config{
		HTTPAddr:   EnvString("RELAY_HTTP_ADDR", "0.0.0.0:8000"),
		PublicURL:  EnvString("RELAY_PUBLIC_URL", ""),
		ViewerPath: EnvString("RELAY_VIEWER_PATH", "/mobile"),

		LogLevel:  EnvString("RELAY_LOG_LEVEL", "info"),
		LogFormat: EnvString("RELAY_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("RELAY_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("RELAY_HTTP_READ_TIMEOUT", 30*time.Second),
		// Watch streams live up to WatchMaxWait; keep writes bounded per request instead.
		WriteTimeout: EnvDuration("RELAY_HTTP_WRITE_TIMEOUT", 90*time.Second),
		IdleTimeout:  EnvDuration("RELAY_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("RELAY_HTTP_MAX_HEADER_BYTES", 1<<20),
		MaxUploadBytes: EnvInt("RELAY_MAX_UPLOAD_BYTES", 32<<20),

		RequestTTL:   EnvDuration("RELAY_REQUEST_TTL", relay.DefaultRequestTTL),
		ReapInterval: EnvDuration("RELAY_REAP_INTERVAL", relay.DefaultReapInterval),

		MetricsEnabled: EnvBool("RELAY_METRICS_ENABLED", true),

		WatchEnabled:        EnvBool("RELAY_WATCH_ENABLED", true),
		WatchMaxWait:        EnvDuration("RELAY_WATCH_MAX_WAIT", 60*time.Second),
		WatchAllowedOrigins: EnvCSV("RELAY_WS_ALLOWED_ORIGINS", ""),
	}
}

// BaseURL returns the externally reachable relay URL: PublicURL when set,
// otherwise one derived from the bind address.
func (c Config) BaseURL() string {
	if u := strings.TrimRight(strings.TrimSpace(c.PublicURL), "/"); u != "" {
		return u
	}
	return runtimeBaseURL(c.HTTPAddr)
}
