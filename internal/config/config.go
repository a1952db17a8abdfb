// Package config loads application configuration from environment
// variables.  A .env file in the working directory is read first when
// present; real environment variables take precedence over it.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all runtime configuration values.  Required keys are
// enforced by must(); everything else has a default.
type Config struct {
	Env            string // application environment (dev/test/prod)
	Port           string // HTTP port to listen on
	DBUser         string
	DBPass         string // may be empty
	DBHost         string
	DBPort         string
	DBName         string
	JWTSecret      string // signs operator access tokens
	AccessTTLMin   int    // access token lifetime in minutes
	RefreshTTLDays int    // refresh token lifetime in days
	BcryptCost     int

	PublicBaseURL string // storefront that receives magic-link redirects
	APIBaseURL    string // externally reachable address of this API
	ServiceName   string
	LogLevel      string
	OTLPEndpoint  string // empty disables exporters
	RabbitMQURL   string // empty disables the event queue

	Checkout CheckoutConfig
	Gateway  GatewayConfig
	SMTP     SMTPConfig
	Bank     BankConfig
	Sweep    SweepConfig
}

// CheckoutConfig groups the time windows of the checkout lifecycle.
type CheckoutConfig struct {
	SessionTTL            time.Duration // PENDING session lifetime
	MagicLinkTTL          time.Duration
	GatewayPaymentTTL     time.Duration // unpaid gateway attempt lifetime
	ManualTransferOverdue time.Duration // report window for bank transfers
	PointsTTL             time.Duration // lifetime of earned points, 0 = forever
}

// GatewayConfig configures the card payment gateway client.  The client
// is disabled when URL is empty.
type GatewayConfig struct {
	URL        string
	MerchantID int
	PosID      int
	APIKey     string
	CRC        string // shared secret used in signatures
	Currency   string
	Timeout    time.Duration
}

// SMTPConfig configures outgoing mail.  Mail is skipped when Host is empty.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// BankConfig is shown to customers paying by manual transfer.
type BankConfig struct {
	AccountName   string
	AccountNumber string
}

// SweepConfig drives the expiry sweeper schedule.
type SweepConfig struct {
	Enabled  bool
	Interval time.Duration
	Batch    int
}

// Load reads configuration values from the environment.  Missing
// required variables cause the program to exit with a fatal log message.
func Load() Config {
	_ = godotenv.Load()
	return Config{
		Env:            must("APP_ENV"),
		Port:           must("APP_PORT"),
		DBUser:         must("DB_USER"),
		DBPass:         os.Getenv("DB_PASS"),
		DBHost:         must("DB_HOST"),
		DBPort:         must("DB_PORT"),
		DBName:         must("DB_NAME"),
		JWTSecret:      must("JWT_SECRET"),
		AccessTTLMin:   mustInt("ACCESS_TOKEN_TTL_MIN"),
		RefreshTTLDays: mustInt("REFRESH_TOKEN_TTL_DAYS"),
		BcryptCost:     mustInt("BCRYPT_COST"),

		PublicBaseURL: envStr("PUBLIC_BASE_URL", "http://localhost:5173"),
		APIBaseURL:    envStr("API_BASE_URL", "http://localhost:8080"),
		ServiceName:   envStr("SERVICE_NAME", "trip-checkout"),
		LogLevel:      envStr("LOG_LEVEL", "info"),
		OTLPEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RabbitMQURL:   os.Getenv("RABBITMQ_URL"),

		Checkout: LoadCheckoutConfig(),
		Gateway:  LoadGatewayConfig(),
		SMTP:     LoadSMTPConfig(),
		Bank: BankConfig{
			AccountName:   os.Getenv("BANK_ACCOUNT_NAME"),
			AccountNumber: os.Getenv("BANK_ACCOUNT_NUMBER"),
		},
		Sweep: LoadSweepConfig(),
	}
}

// DSNParts returns the database connection parameters in the order
// database.Open expects them.
func (c Config) DSNParts() (user, pass, host, port, name string) {
	return c.DBUser, c.DBPass, c.DBHost, c.DBPort, c.DBName
}

func LoadCheckoutConfig() CheckoutConfig {
	return CheckoutConfig{
		SessionTTL:            envDur("CHECKOUT_SESSION_TTL", 30*time.Minute),
		MagicLinkTTL:          envDur("MAGIC_LINK_TTL", 15*time.Minute),
		GatewayPaymentTTL:     envDur("GATEWAY_PAYMENT_TTL", 120*time.Minute),
		ManualTransferOverdue: envDur("MANUAL_TRANSFER_OVERDUE", 72*time.Hour),
		PointsTTL:             envDur("LOYALTY_POINTS_TTL", 8760*time.Hour),
	}
}

func LoadGatewayConfig() GatewayConfig {
	return GatewayConfig{
		URL:        os.Getenv("GATEWAY_URL"),
		MerchantID: envInt("GATEWAY_MERCHANT_ID", 0),
		PosID:      envInt("GATEWAY_POS_ID", 0),
		APIKey:     os.Getenv("GATEWAY_API_KEY"),
		CRC:        os.Getenv("GATEWAY_CRC"),
		Currency:   envStr("GATEWAY_CURRENCY", "PLN"),
		Timeout:    envDur("GATEWAY_TIMEOUT", 10*time.Second),
	}
}

func LoadSMTPConfig() SMTPConfig {
	return SMTPConfig{
		Host:     os.Getenv("SMTP_HOST"),
		Port:     envInt("SMTP_PORT", 587),
		Username: os.Getenv("SMTP_USERNAME"),
		Password: os.Getenv("SMTP_PASSWORD"),
		From:     envStr("SMTP_FROM", "no-reply@localhost"),
	}
}

func LoadSweepConfig() SweepConfig {
	s := SweepConfig{
		Enabled:  envBool("SWEEP_ENABLED", true),
		Interval: envDur("SWEEP_INTERVAL", time.Minute),
		Batch:    envInt("SWEEP_BATCH", 100),
	}
	if s.Interval < time.Second {
		s.Interval = time.Second
	}
	if s.Batch < 1 {
		s.Batch = 1
	}
	return s
}

// must retrieves the value of a required environment variable.  If the
// variable is unset or empty, the application logs a fatal error and exits.
func must(key string) string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		log.Fatalf("missing required env var: %s", key)
	}
	return v
}

// mustInt is like must() but converts the retrieved string into an integer.
func mustInt(key string) int {
	s := must(key)
	n, err := strconv.Atoi(s)
	if err != nil {
		log.Fatalf("invalid int for %s: %q", key, s)
	}
	return n
}

// Addr is the listen address of the HTTP server.
func (c Config) Addr() string { return fmt.Sprintf(":%s", c.Port) }
