package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ListenPort      string        // ex: ":8080"
	ShutdownTimeout time.Duration // ex: 10s

	LogLevel  string // "debug" | "info" | "warn" | "error"
	PrettyLog bool   // true => zap dev (color), false => zap prod (JSON)

	ServersFile    string        // path to servers.yaml
	ReloadInterval time.Duration // interval to reload servers.yaml (0 = only on demand)
	ScheduleResync time.Duration // upper bound between two schedule evaluations

	// Control API
	CommandTimeout  time.Duration // deadline of a single start/stop/status call
	HTTPTimeout     time.Duration // panel HTTP client timeout
	StatusCacheTTL  time.Duration // status payload cache (0 = disabled)
	PanelRatePerSec float64       // requests per second per panel (0 = unlimited)
	PanelBurst      int           // burst per panel

	// Admin API
	APIToken        string        // optional bearer token for /api routes
	APIRatePerSec   float64       // per-client request rate on /api routes
	APIBurst        int           // per-client burst on /api routes
	AllowedHosts    []string      // optional, restrict access to specific Host headers
	AllowedCIDRS    []string      // optional, restrict access to specific IP (e.g. "1.2.3.4, 10.0.0.0/8")
	TrustProxy      bool          // true => trust X-Forwarded-For headers
	PublishInterval time.Duration // snapshot mirror interval

	// Redis (optional: empty address disables the snapshot mirror)
	RedisAddr             string        // ex: "localhost:6379"
	RedisUser             string        // optional
	RedisPassword         string        // optional
	RedisPasswordRequired bool          // true => require password, false => allow empty password
	RedisDB               int           // Redis DB number
	RedisDT               time.Duration // Redis dial timeout (ex: 5s)
	RedisRT               time.Duration // Redis read timeout (ex: 3s)
	RedisWT               time.Duration // Redis write timeout (ex: 3s)
	RedisMaxWait          time.Duration // max wait between retries (ex: 10s)
	RedisPingTimeout      time.Duration // timeout for each ping attempt (ex: 5s)
	RedisPoolSize         int           // Redis connection pool size
	RedisConnectTimeout   time.Duration // Total time to retry connecting (ex: 30s)
	RedisRetryInterval    time.Duration // Initial wait between retries (ex: 2s, grows exponentially)
	RedisWarnThreshold    int           // warn after this many attempts
}

func Load() *Config {
	cfg := &Config{
		// Server settings
		ListenPort:      getenv("AUTOSTARTSTOP_LISTEN_PORT", ":8080"),
		ShutdownTimeout: mustDuration("AUTOSTARTSTOP_SHUTDOWN_TIMEOUT", 10*time.Second),

		// Logging
		LogLevel:  getenv("AUTOSTARTSTOP_LOG_LEVEL", "info"),
		PrettyLog: mustBool("AUTOSTARTSTOP_PRETTY_LOG", false),

		// Server definitions
		ServersFile:    requireEnv("AUTOSTARTSTOP_SERVERS_FILE"),
		ReloadInterval: mustDuration("AUTOSTARTSTOP_RELOAD_INTERVAL", 5*time.Minute),
		ScheduleResync: mustDuration("AUTOSTARTSTOP_SCHEDULE_RESYNC", time.Minute),

		// Control API
		CommandTimeout:  mustDuration("AUTOSTARTSTOP_COMMAND_TIMEOUT", 30*time.Second),
		HTTPTimeout:     mustDuration("AUTOSTARTSTOP_HTTP_TIMEOUT", 15*time.Second),
		StatusCacheTTL:  mustDuration("AUTOSTARTSTOP_STATUS_CACHE_TTL", 2*time.Second),
		PanelRatePerSec: getenvFloat("AUTOSTARTSTOP_PANEL_RATE_PER_SEC", 5),
		PanelBurst:      getenvInt("AUTOSTARTSTOP_PANEL_BURST", 5),

		// Admin API
		APIToken:        getenv("AUTOSTARTSTOP_API_TOKEN", ""),
		APIRatePerSec:   getenvFloat("AUTOSTARTSTOP_API_RATE_PER_SEC", 20),
		APIBurst:        getenvInt("AUTOSTARTSTOP_API_BURST", 40),
		AllowedHosts:    splitAndTrim(getenv("AUTOSTARTSTOP_ALLOWED_HOSTS", "")),
		AllowedCIDRS:    parseAllowedIPs(getenv("AUTOSTARTSTOP_ALLOWED_CIDRS", "")),
		TrustProxy:      mustBool("AUTOSTARTSTOP_TRUST_PROXY", false),
		PublishInterval: mustDuration("AUTOSTARTSTOP_PUBLISH_INTERVAL", 5*time.Second),

		// Redis settings
		RedisAddr:             getenv("AUTOSTARTSTOP_REDIS_ADDR", ""),
		RedisUser:             getenv("AUTOSTARTSTOP_REDIS_USERNAME", "default"),
		RedisPasswordRequired: mustBool("AUTOSTARTSTOP_REDIS_PASSWORD_REQUIRED", false),
		RedisPassword:         getenv("AUTOSTARTSTOP_REDIS_PASSWORD", ""),
		RedisDB:               getenvInt("AUTOSTARTSTOP_REDIS_DB", 0),
		RedisDT:               mustDuration("AUTOSTARTSTOP_REDIS_DIAL_TIMEOUT", 5*time.Second),
		RedisRT:               mustDuration("AUTOSTARTSTOP_REDIS_READ_TIMEOUT", 3*time.Second),
		RedisWT:               mustDuration("AUTOSTARTSTOP_REDIS_WRITE_TIMEOUT", 3*time.Second),
		RedisMaxWait:          mustDuration("AUTOSTARTSTOP_REDIS_MAX_WAIT", 10*time.Second),
		RedisPingTimeout:      mustDuration("AUTOSTARTSTOP_REDIS_PING_TIMEOUT", 5*time.Second),
		RedisPoolSize:         getenvInt("AUTOSTARTSTOP_REDIS_POOL_SIZE", 10),
		RedisConnectTimeout:   mustDuration("AUTOSTARTSTOP_REDIS_CONNECT_TIMEOUT", 30*time.Second),
		RedisRetryInterval:    mustDuration("AUTOSTARTSTOP_REDIS_RETRY_INTERVAL", 2*time.Second),
		RedisWarnThreshold:    getenvInt("AUTOSTARTSTOP_REDIS_WARN_THRESHOLD", 3),
	}

	cfg.validate()

	// Log config only in debug mode with redacted sensitive fields
	if cfg.LogLevel == "debug" {
		cfgCopy := *cfg
		cfgCopy.RedisPassword = "***REDACTED***"
		if cfg.APIToken != "" {
			cfgCopy.APIToken = "***REDACTED***"
		}
		log.Printf("[DEBUG] cfg: %+v\n", cfgCopy)
	}

	return cfg
}

// RedisEnabled reports whether the snapshot mirror is configured.
func (c *Config) RedisEnabled() bool {
	return c.RedisAddr != ""
}

func (c *Config) validate() {
	// Validate Redis password configuration
	if c.RedisEnabled() && c.RedisPasswordRequired && c.RedisPassword == "" {
		panic("❌ FATAL: AUTOSTARTSTOP_REDIS_PASSWORD is required when AUTOSTARTSTOP_REDIS_PASSWORD_REQUIRED=true")
	}
	if c.CommandTimeout <= 0 {
		panic(fmt.Sprintf("❌ FATAL: AUTOSTARTSTOP_COMMAND_TIMEOUT must be > 0, got %v", c.CommandTimeout))
	}
	if c.PanelRatePerSec < 0 || c.APIRatePerSec < 0 {
		panic("❌ FATAL: rate limits must not be negative")
	}
	if c.PanelBurst < 1 || c.APIBurst < 1 {
		panic("❌ FATAL: AUTOSTARTSTOP_PANEL_BURST and AUTOSTARTSTOP_API_BURST must be >= 1")
	}
}

// helpers
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func requireEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		panic(fmt.Sprintf("❌ FATAL: Required environment variable %s is not set", key))
	}
	return v
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func mustBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func mustDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func parseAllowedIPs(allowed string) []string {
	if allowed == "" {
		return nil
	}
	ips := make([]string, 0, 4)
	for _, ip := range splitAndTrim(allowed) {
		if ip != "" {
			ips = append(ips, ip)
		}
	}
	return ips
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	raw := strings.Split(s, ",")
	parts := make([]string, 0, len(raw))
	for _, part := range raw {
		trimmed := strings.TrimSpace(part)
		// Remove surrounding quotes if present
		trimmed = strings.Trim(trimmed, `"'`)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
