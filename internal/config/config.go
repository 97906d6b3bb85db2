package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	CartBaseURL        string
	CartTimeout        time.Duration
	CartWebhookSecret  string
	RedisURL           string
	CurrencyRate       float64
	GiftVariantID      string
	GiftThreshold      float64
	GiftPromoEnded     bool
	GiftMessageAbove   string
	GiftMessageBelow   string
	GiftMoneyFormat    string
	DebounceWindow     time.Duration
	AttachRetryDelay   time.Duration
	FlagTTL            time.Duration
	NotifyRateMax      int
	NotifyRateWindow   time.Duration
	CORSAllowedOrigins []string
	LogFormat          string
	LogLevel           string
	TracingEnabled     bool
	OTLPEndpoint       string
}

// Load reads configuration from environment variables and optional .env files.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}

	cfg := &Config{
		AppEnv:             valueOrDefault(k.String("APP_ENV"), "development"),
		Port:               valueOrDefault(k.String("PORT"), "8080"),
		CartBaseURL:        strings.TrimRight(strings.TrimSpace(k.String("CART_BASE_URL")), "/"),
		CartTimeout:        parseDuration(k.String("CART_TIMEOUT"), "5s"),
		CartWebhookSecret:  k.String("CART_WEBHOOK_SECRET"),
		RedisURL:           k.String("REDIS_URL"),
		CurrencyRate:       parseFloat(k.String("CURRENCY_RATE"), 1),
		GiftVariantID:      strings.TrimSpace(k.String("GIFT_VARIANT_ID")),
		GiftThreshold:      parseFloat(k.String("GIFT_THRESHOLD"), 0),
		GiftPromoEnded:     parseBool(k.String("GIFT_PROMO_ENDED")),
		GiftMessageAbove:   k.String("GIFT_MESSAGE_ABOVE"),
		GiftMessageBelow:   k.String("GIFT_MESSAGE_BELOW"),
		GiftMoneyFormat:    k.String("GIFT_MONEY_FORMAT"),
		DebounceWindow:     parseDuration(k.String("DEBOUNCE_WINDOW"), "300ms"),
		AttachRetryDelay:   parseDuration(k.String("ATTACH_RETRY_DELAY"), "500ms"),
		FlagTTL:            parseDuration(k.String("FLAG_TTL"), "720h"),
		NotifyRateMax:      parseInt(k.String("NOTIFY_RATE_MAX"), 0),
		NotifyRateWindow:   parseDuration(k.String("NOTIFY_RATE_WINDOW"), "1m"),
		CORSAllowedOrigins: splitAndTrim(k.String("CORS_ALLOWED_ORIGINS")),
		LogFormat:          valueOrDefault(k.String("LOG_FORMAT"), "json"),
		LogLevel:           valueOrDefault(k.String("LOG_LEVEL"), "info"),
		TracingEnabled:     parseBool(k.String("TRACING_ENABLED")),
		OTLPEndpoint:       strings.TrimSpace(k.String("OTLP_ENDPOINT")),
	}

	if cfg.CartBaseURL == "" {
		return nil, errors.New("CART_BASE_URL is required")
	}
	if cfg.CurrencyRate <= 0 {
		cfg.CurrencyRate = 1
	}
	if cfg.GiftThreshold < 0 {
		cfg.GiftThreshold = 0
	}

	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

func splitAndTrim(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func valueOrDefault(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

func parseDuration(value, fallback string) time.Duration {
	base := strings.TrimSpace(value)
	if base == "" {
		base = fallback
	}
	d, err := time.ParseDuration(base)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}
	return d
}

func parseBool(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseFloat(value string, fallback float64) float64 {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(trimmed, 64)
	if err != nil {
		return fallback
	}
	return f
}

func parseInt(value string, fallback int) int {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return fallback
	}
	n, err := strconv.Atoi(trimmed)
	if err != nil {
		return fallback
	}
	return n
}

// MustLoad behaves like Load but panics on error. Useful for command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests allows tests to override environment variables without touching the real environment.
func LoadForTests(env map[string]string) (*Config, error) {
	original := make(map[string]string, len(env))
	for key := range env {
		original[key] = os.Getenv(key)
		if err := setEnvVar(key, env[key]); err != nil {
			return nil, err
		}
	}
	cfg, err := Load()
	restoreErr := restoreEnv(original)
	if err != nil {
		return nil, err
	}
	return cfg, restoreErr
}

func setEnvVar(key, value string) error {
	if value == "" {
		return os.Unsetenv(key)
	}
	return os.Setenv(key, value)
}

func restoreEnv(values map[string]string) error {
	var errs []string
	for key, value := range values {
		if err := setEnvVar(key, value); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("restore env: %s", strings.Join(errs, "; "))
	}
	return nil
}
