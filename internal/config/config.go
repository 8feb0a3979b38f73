package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Storage backends
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

type Config struct {
	// HTTP
	HTTPPort         int
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration

	// NOWPayments
	GatewayAPIKey         string
	GatewayBaseURL        string
	GatewayIPNSecret      string
	GatewayIPNCallbackURL string
	GatewayTimeout        time.Duration
	GatewayRPS            float64

	// Membership
	PriceUSD        float64
	DurationDays    int
	MembershipType  string
	SuccessStatuses []string

	// Reconciliation of pending payments whose callback never arrived.
	// A zero interval disables it.
	ReconcileInterval time.Duration
	ReconcileMinAge   time.Duration

	// Storage
	StorageBackend string
	DataDir        string
	DBPath         string

	// Telegram
	BotToken    string
	AdminChatID int64

	// Logging
	LogLevel  string
	LogFormat string
}

func Load() *Config {
	return &Config{
		// HTTP
		HTTPPort:         getEnvInt("HTTP_PORT", 5000),
		HTTPReadTimeout:  getEnvDuration("HTTP_READ_TIMEOUT", 10*time.Second),
		HTTPWriteTimeout: getEnvDuration("HTTP_WRITE_TIMEOUT", 30*time.Second),

		// NOWPayments
		GatewayAPIKey:         getEnv("NOWPAYMENTS_API_KEY", ""),
		GatewayBaseURL:        strings.TrimSuffix(getEnv("NOWPAYMENTS_BASE_URL", "https://api.nowpayments.io/v1"), "/"),
		GatewayIPNSecret:      getEnv("NOWPAYMENTS_IPN_SECRET", ""),
		GatewayIPNCallbackURL: getEnv("NOWPAYMENTS_IPN_CALLBACK_URL", ""),
		GatewayTimeout:        getEnvDuration("GATEWAY_TIMEOUT", 30*time.Second),
		GatewayRPS:            getEnvFloat("GATEWAY_RPS", 4),

		// Membership
		PriceUSD:        getEnvFloat("VIP_PRICE_USD", 25.0),
		DurationDays:    getEnvInt("VIP_DURATION_DAYS", 7),
		MembershipType:  getEnv("VIP_MEMBERSHIP_TYPE", "weekly"),
		SuccessStatuses: getEnvList("SUCCESS_STATUSES", []string{"confirmed", "finished"}),

		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", 0),
		ReconcileMinAge:   getEnvDuration("RECONCILE_MIN_AGE", 10*time.Minute),

		// Storage
		StorageBackend: strings.ToLower(getEnv("STORAGE_BACKEND", BackendFile)),
		DataDir:        getEnv("DATA_DIR", "./data"),
		DBPath:         getEnv("DB_PATH", "./data/vip.db"),

		// Telegram
		BotToken:    getEnv("BOT_TOKEN", ""),
		AdminChatID: getEnvInt64("ADMIN_CHAT_ID", 0),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
	}
}

// Validate reports the first missing or inconsistent setting.
func (c *Config) Validate() error {
	if c.GatewayAPIKey == "" {
		return errors.New("NOWPAYMENTS_API_KEY is required")
	}
	if c.PriceUSD <= 0 {
		return errors.New("VIP_PRICE_USD must be positive")
	}
	if c.DurationDays <= 0 {
		return errors.New("VIP_DURATION_DAYS must be positive")
	}
	if len(c.SuccessStatuses) == 0 {
		return errors.New("SUCCESS_STATUSES must not be empty")
	}
	if c.ReconcileInterval < 0 {
		return errors.New("RECONCILE_INTERVAL must not be negative")
	}
	switch c.StorageBackend {
	case BackendFile, BackendSQLite:
	default:
		return errors.New("STORAGE_BACKEND must be file or sqlite")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// getEnvList splits a comma separated value, lower-casing and dropping blanks.
func getEnvList(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}

	var out []string
	for _, part := range strings.Split(val, ",") {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
