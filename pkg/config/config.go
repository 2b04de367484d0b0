package config

import (
	"os"
	"strconv"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the execution gateway.
type Config struct {
	Port string

	// Inbound signal authentication
	WebhookSecret string

	// Operator console
	OperatorKey string
	JWTSecret   string

	// Trading identity used to key persisted risk state.
	AccountID string

	// Database
	DBPath string

	// Broker session
	BrokerBaseURL    string
	BrokerAPIKey     string
	BrokerAPISecret  string
	UseMockBroker    bool
	AutoRecover      bool // Tier-2 calls fail hard instead of degrading
	BrokerRatePerSec int
	LoginMaxAttempts int
	SessionTTL       time.Duration
	IdleStaleness    time.Duration
	PlaceMaxAttempts int

	// Reconciliation
	PollInterval time.Duration
	FillWorkers  int

	// Risk enforcement
	HeartbeatInterval time.Duration
	BaseLossLimit     float64 // negative, e.g. -5000
	RatchetStep       float64 // threshold tightening per profit step
	ProfitStep        float64 // peak-profit increment that triggers a ratchet
	FlatVerifyTimeout time.Duration
	MaxLossDays       int

	// Instrument catalog (lot sizes)
	InstrumentsPath string
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	accountID := os.Getenv("ACCOUNT_ID")
	if accountID == "" {
		// Fall back to a stable per-host identity so risk state survives
		// restarts even without explicit configuration.
		if id, err := machineid.ProtectedID("tradegate"); err == nil {
			accountID = id[:16]
		} else {
			accountID = "default"
		}
	}

	return &Config{
		Port:              getEnv("PORT", "8080"),
		WebhookSecret:     os.Getenv("WEBHOOK_SECRET"),
		OperatorKey:       os.Getenv("OPERATOR_KEY"),
		JWTSecret:         getEnv("JWT_SECRET", "dev-secret"),
		AccountID:         accountID,
		DBPath:            getEnv("DB_PATH", "./data/tradegate.db"),
		BrokerBaseURL:     getEnv("BROKER_BASE_URL", "https://api.broker.invalid"),
		BrokerAPIKey:      os.Getenv("BROKER_API_KEY"),
		BrokerAPISecret:   os.Getenv("BROKER_API_SECRET"),
		UseMockBroker:     getEnv("USE_MOCK_BROKER", "false") == "true",
		AutoRecover:       getEnv("BROKER_AUTO_RECOVER", "true") == "true",
		BrokerRatePerSec:  getEnvInt("BROKER_RATE_PER_SEC", 8),
		LoginMaxAttempts:  getEnvInt("BROKER_LOGIN_MAX_ATTEMPTS", 3),
		SessionTTL:        getEnvDuration("BROKER_SESSION_TTL", 15*time.Minute),
		IdleStaleness:     getEnvDuration("BROKER_IDLE_STALENESS", 5*time.Minute),
		PlaceMaxAttempts:  getEnvInt("BROKER_PLACE_MAX_ATTEMPTS", 3),
		PollInterval:      getEnvDuration("RECONCILE_POLL_INTERVAL", 5*time.Second),
		FillWorkers:       getEnvInt("RECONCILE_FILL_WORKERS", 2),
		HeartbeatInterval: getEnvDuration("RISK_HEARTBEAT_INTERVAL", 10*time.Second),
		BaseLossLimit:     getEnvFloat("RISK_BASE_LOSS_LIMIT", -5000),
		RatchetStep:       getEnvFloat("RISK_RATCHET_STEP", 1000),
		ProfitStep:        getEnvFloat("RISK_PROFIT_STEP", 2000),
		FlatVerifyTimeout: getEnvDuration("RISK_FLAT_VERIFY_TIMEOUT", 30*time.Second),
		MaxLossDays:       getEnvInt("RISK_MAX_LOSS_DAYS", 3),
		InstrumentsPath:   getEnv("INSTRUMENTS_PATH", "./config/instruments.yaml"),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
