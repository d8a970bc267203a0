package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds daemon configuration.
type Config struct {
	Port      string
	LogLevel  string
	LogFormat string

	DatabaseDriver string
	DatabaseURL    string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// LocalInstance is the canonical address of this instance; LocalAliases
	// are other addresses that reach the same instance.
	LocalInstance string
	LocalAliases  []string
	FrontalScheme string
	KeyFile       string

	RemoteTimeout   time.Duration
	Workers         int
	QueueSize       int
	StaleWrapperAge time.Duration
	InboundRPS      int
	InboundBurst    int

	OTelEnabled  bool
	OTelEndpoint string

	Networking NetworkingConfig
}

// Load loads configuration from an optional .env file, an optional YAML
// profile named by CIRCLES_PROFILE and environment variables, in increasing
// order of precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()

	if path := os.Getenv("CIRCLES_PROFILE"); path != "" {
		profile, err := LoadProfile(path)
		if err != nil {
			return nil, err
		}
		profile.apply(cfg)
	}

	cfg.Port = env("PORT", cfg.Port)
	cfg.LogLevel = strings.ToLower(env("LOG_LEVEL", cfg.LogLevel))
	cfg.LogFormat = env("LOG_FORMAT", cfg.LogFormat)
	cfg.DatabaseDriver = env("DATABASE_DRIVER", cfg.DatabaseDriver)
	cfg.DatabaseURL = env("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisAddr = env("REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = env("REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = envInt("REDIS_DB", cfg.RedisDB)
	cfg.LocalInstance = env("LOCAL_INSTANCE", cfg.LocalInstance)
	if aliases := os.Getenv("LOCAL_ALIASES"); aliases != "" {
		cfg.LocalAliases = splitList(aliases)
	}
	cfg.FrontalScheme = env("FRONTAL_SCHEME", cfg.FrontalScheme)
	cfg.KeyFile = env("KEY_FILE", cfg.KeyFile)
	cfg.RemoteTimeout = envDuration("REMOTE_TIMEOUT", cfg.RemoteTimeout)
	cfg.Workers = envInt("WORKERS", cfg.Workers)
	cfg.QueueSize = envInt("QUEUE_SIZE", cfg.QueueSize)
	cfg.StaleWrapperAge = envDuration("STALE_WRAPPER_AGE", cfg.StaleWrapperAge)
	cfg.InboundRPS = envInt("INBOUND_RPS", cfg.InboundRPS)
	cfg.InboundBurst = envInt("INBOUND_BURST", cfg.InboundBurst)
	if v := os.Getenv("OTEL_ENABLED"); v != "" {
		cfg.OTelEnabled = v == "true"
	}
	cfg.OTelEndpoint = env("OTEL_ENDPOINT", cfg.OTelEndpoint)

	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Port:            "8080",
		LogLevel:        "info",
		LogFormat:       "json",
		DatabaseDriver:  "sqlite",
		DatabaseURL:     "file:circles.db?_pragma=busy_timeout(5000)",
		RedisDB:         0,
		LocalInstance:   "localhost",
		FrontalScheme:   "https",
		KeyFile:         "circles.key",
		RemoteTimeout:   10 * time.Second,
		Workers:         4,
		QueueSize:       256,
		StaleWrapperAge: 5 * time.Minute,
		InboundRPS:      20,
		InboundBurst:    40,
		OTelEndpoint:    "localhost:4317",
	}
}

// IsLocal reports whether instance designates this instance.
func (c *Config) IsLocal(instance string) bool {
	instance = strings.ToLower(instance)
	if instance == "" || instance == strings.ToLower(c.LocalInstance) {
		return true
	}
	for _, alias := range c.LocalAliases {
		if strings.ToLower(alias) == instance {
			return true
		}
	}
	return false
}

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
