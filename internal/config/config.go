package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

// Config holds service configuration.
type Config struct {
	DatabaseURL string
	ServerAddr  string

	// Mobile money gateway.
	DarajaBaseURL        string
	DarajaConsumerKey    string
	DarajaConsumerSecret string
	DarajaShortCode      string
	DarajaPasskey        string
	PaymentCallbackURL   string

	// Bcrypt hash of the bearer token the gateway presents on callbacks.
	CallbackTokenHash string

	PaymentInFlightWindow time.Duration
	AuditInterval         time.Duration
	AuditRules            string
}

// Load reads configuration from the environment. A .env file, when present,
// is loaded first and never overrides already-set variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		user := getenv("POSTGRES_USER", "akili")
		pass := getenv("POSTGRES_PASSWORD", "akili_pass")
		db := getenv("POSTGRES_DB", "akili")
		host := getenv("POSTGRES_HOST", "localhost")
		port := getenv("POSTGRES_PORT", "5432")
		sslmode := getenv("DATABASE_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, sslmode)
	}

	return &Config{
		DatabaseURL:           dsn,
		ServerAddr:            getenv("SERVER_ADDR", "0.0.0.0:8080"),
		DarajaBaseURL:         getenv("DARAJA_BASE_URL", "https://sandbox.safaricom.co.ke"),
		DarajaConsumerKey:     os.Getenv("DARAJA_CONSUMER_KEY"),
		DarajaConsumerSecret:  os.Getenv("DARAJA_CONSUMER_SECRET"),
		DarajaShortCode:       getenv("DARAJA_SHORT_CODE", "174379"),
		DarajaPasskey:         os.Getenv("DARAJA_PASSKEY"),
		PaymentCallbackURL:    getenv("PAYMENT_CALLBACK_URL", "http://localhost:8080/v1/payments/callback"),
		CallbackTokenHash:     os.Getenv("CALLBACK_TOKEN_HASH"),
		PaymentInFlightWindow: parseDuration(getenv("PAYMENT_IN_FLIGHT_WINDOW", "2m"), 2*time.Minute),
		AuditInterval:         parseDuration(getenv("AUDIT_INTERVAL", "5m"), 5*time.Minute),
		AuditRules:            os.Getenv("AUDIT_RULES"),
	}, nil
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}
