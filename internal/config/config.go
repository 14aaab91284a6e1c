package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	DBDriver    string
	DatabaseURL string
	Port        string
	AppBaseURL  string

	SessionName    string
	TokenTTLMin    int
	BridgeURL      string
	BridgeToken    string
	VersionURL     string
	ReconnectDelay time.Duration

	ReplyLang string
	BotName   string

	PinMaxAttempts    int
	PinAttemptWindow  time.Duration
	WorkerConcurrency int

	AdminJWTSecret    string
	NATSURL           string
	NATSSubjectPrefix string

	LogLevel  string
	LogFormat string
	DevMode   bool
}

var defaults = map[string]any{
	"DB_DRIVER":           "postgres",
	"PORT":                "8080",
	"WA_SESSION_NAME":     "main",
	"TOKEN_EXPIRE_MIN":    10,
	"WA_BRIDGE_URL":       "ws://127.0.0.1:3002/socket",
	"WA_VERSION_URL":      "https://raw.githubusercontent.com/WhiskeySockets/Baileys/master/src/Defaults/baileys-version.json",
	"WA_RECONNECT_DELAY":  "2s",
	"REPLY_LANG":          "en",
	"BOT_NAME":            "PansaCloud Bot",
	"PIN_MAX_ATTEMPTS":    5,
	"PIN_ATTEMPT_WINDOW":  "10m",
	"WORKER_CONCURRENCY":  8,
	"NATS_SUBJECT_PREFIX": "gateway",
	"LOG_LEVEL":           "info",
	"LOG_FORMAT":          "logfmt",
	"DEV_MODE":            false,
}

// Load reads configuration from environment variables, optionally layered
// over a config file (yaml, json or .env) given by path.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	v.AutomaticEnv()
	v.AllowEmptyEnv(false)

	cfg := &Config{
		DBDriver:          strings.ToLower(strings.TrimSpace(v.GetString("DB_DRIVER"))),
		DatabaseURL:       strings.TrimSpace(v.GetString("DATABASE_URL")),
		Port:              v.GetString("PORT"),
		AppBaseURL:        strings.TrimRight(strings.TrimSpace(v.GetString("APP_BASE_URL")), "/"),
		SessionName:       v.GetString("WA_SESSION_NAME"),
		TokenTTLMin:       v.GetInt("TOKEN_EXPIRE_MIN"),
		BridgeURL:         v.GetString("WA_BRIDGE_URL"),
		BridgeToken:       v.GetString("WA_BRIDGE_TOKEN"),
		VersionURL:        v.GetString("WA_VERSION_URL"),
		ReconnectDelay:    v.GetDuration("WA_RECONNECT_DELAY"),
		ReplyLang:         v.GetString("REPLY_LANG"),
		BotName:           v.GetString("BOT_NAME"),
		PinMaxAttempts:    v.GetInt("PIN_MAX_ATTEMPTS"),
		PinAttemptWindow:  v.GetDuration("PIN_ATTEMPT_WINDOW"),
		WorkerConcurrency: v.GetInt("WORKER_CONCURRENCY"),
		AdminJWTSecret:    v.GetString("ADMIN_JWT_SECRET"),
		NATSURL:           v.GetString("NATS_URL"),
		NATSSubjectPrefix: v.GetString("NATS_SUBJECT_PREFIX"),
		LogLevel:          v.GetString("LOG_LEVEL"),
		LogFormat:         v.GetString("LOG_FORMAT"),
		DevMode:           v.GetBool("DEV_MODE"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DBDriver {
	case "postgres", "mysql", "sqlite":
	default:
		return fmt.Errorf("DB_DRIVER must be one of postgres, mysql, sqlite (got %q)", c.DBDriver)
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL environment variable is required")
	}
	if c.AppBaseURL == "" {
		return fmt.Errorf("APP_BASE_URL environment variable is required")
	}
	if u, err := url.Parse(c.AppBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("APP_BASE_URL must be an absolute URL (got %q)", c.AppBaseURL)
	}
	if strings.TrimSpace(c.SessionName) == "" {
		return fmt.Errorf("WA_SESSION_NAME must not be empty")
	}
	if c.TokenTTLMin < 0 {
		return fmt.Errorf("TOKEN_EXPIRE_MIN must not be negative")
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("WA_RECONNECT_DELAY must be positive")
	}
	if c.WorkerConcurrency <= 0 {
		c.WorkerConcurrency = 1
	}
	return nil
}
