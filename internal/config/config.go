package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/samber/lo"

	"privatrengoering.dk/cloud/internal/version"
)

type Config struct {
	Port         string
	DatabasePath string
	Version      string

	JWTSecret   string
	AdminEmails []string

	StripeSecret        string
	StripeWebhookSecret string

	CheckoutCurrency    string
	CheckoutUnitAmount  int64
	CheckoutProductName string
	CheckoutLocale      string

	RateLimitRequests int
	RateLimitWindow   time.Duration

	SentryDSN string
	LogLevel  string

	SMTPHost     string
	SMTPPort     string
	SMTPUsername string
	SMTPPassword string
	EmailFrom    string
}

// LoadEnvFile populates the environment from a dotenv file. Variables that
// are already set win, and a missing file is not an error.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

func New() (*Config, error) {
	var result *multierror.Error

	required := func(name string) string {
		v := strings.TrimSpace(os.Getenv(name))
		if v == "" {
			result = multierror.Append(result, fmt.Errorf("%s environment variable is required", name))
		}
		return v
	}

	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		DatabasePath:        getEnv("DATABASE_PATH", "privatrengoering.db"),
		Version:             getEnv("APP_VERSION", version.Read("VERSION")),
		JWTSecret:           required("JWT_SECRET"),
		AdminEmails:         parseEmailList(os.Getenv("ADMIN_EMAILS")),
		StripeSecret:        required("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: required("STRIPE_WEBHOOK_SECRET"),
		CheckoutCurrency:    strings.ToLower(getEnv("CHECKOUT_CURRENCY", "dkk")),
		CheckoutProductName: getEnv("CHECKOUT_PRODUCT_NAME", "Privat Rengøring Premium"),
		CheckoutLocale:      getEnv("CHECKOUT_LOCALE", "da"),
		SentryDSN:           os.Getenv("SENTRY_DSN"),
		LogLevel:            getEnv("LOG_LEVEL", "INFO"),
		SMTPHost:            os.Getenv("SMTP_HOST"),
		SMTPPort:            os.Getenv("SMTP_PORT"),
		SMTPUsername:        os.Getenv("SMTP_USERNAME"),
		SMTPPassword:        os.Getenv("SMTP_PASSWORD"),
		EmailFrom:           getEnv("EMAIL_FROM", "noreply@privatrengoering.dk"),
	}

	amount, err := strconv.ParseInt(getEnv("CHECKOUT_UNIT_AMOUNT", "9900"), 10, 64)
	if err != nil || amount <= 0 {
		result = multierror.Append(result, errors.New("CHECKOUT_UNIT_AMOUNT must be a positive integer (minor units)"))
	}
	cfg.CheckoutUnitAmount = amount

	requests, err := strconv.Atoi(getEnv("RATE_LIMIT_REQUESTS", "20"))
	if err != nil || requests < 0 {
		result = multierror.Append(result, errors.New("RATE_LIMIT_REQUESTS must be a non-negative integer"))
	}
	cfg.RateLimitRequests = requests

	window, err := time.ParseDuration(getEnv("RATE_LIMIT_WINDOW", "1m"))
	if err != nil || window <= 0 {
		result = multierror.Append(result, errors.New("RATE_LIMIT_WINDOW must be a positive duration"))
	}
	cfg.RateLimitWindow = window

	if cfg.SMTPHost != "" && (cfg.SMTPPort == "" || cfg.SMTPUsername == "" || cfg.SMTPPassword == "") {
		result = multierror.Append(result, errors.New("SMTP_PORT, SMTP_USERNAME and SMTP_PASSWORD are required when SMTP_HOST is set"))
	}

	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EmailEnabled reports whether subscription notices can be mailed.
func (c *Config) EmailEnabled() bool {
	return c.SMTPHost != ""
}

func getEnv(name, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return fallback
}

func parseEmailList(raw string) []string {
	emails := lo.Map(strings.Split(raw, ","), func(s string, _ int) string {
		return strings.ToLower(strings.TrimSpace(s))
	})
	return lo.Uniq(lo.Compact(emails))
}
