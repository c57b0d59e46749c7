package billing

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rcourtman/pulse-entitlements/internal/billing/auditlog"
)

// Config holds all configuration for the entitlement service.
type Config struct {
	DataDir     string
	BindAddress string
	Port        int
	AdminKey    string // plain text or bcrypt hash
	AppURL      string
	DatabaseURL string // Postgres; SQLite under DataDir when empty

	SessionSecret string
	SessionIssuer string

	StripeAPIKey           string
	StripeWebhookSecret    string
	StripeWebhookTolerance time.Duration
	PriceIDProMonthly      string
	PriceIDProYearly       string

	WebhookTimeout    time.Duration
	AccessReadTimeout time.Duration
	FreeRecordLimit   int
	PublicMetrics     bool
	// TrustedProxies may set X-Forwarded-For; other peers are keyed on RemoteAddr.
	TrustedProxies *auditlog.TrustedProxies

	LogLevel  string
	LogFormat string
}

// EntitlementsDir returns the directory of the SQLite entitlement store.
func (c *Config) EntitlementsDir() string {
	return filepath.Join(c.DataDir, "entitlements")
}

// RecordsDir returns the directory of the records store.
func (c *Config) RecordsDir() string {
	return filepath.Join(c.DataDir, "records")
}

// LoadConfig loads configuration from environment variables. A .env file is
// loaded if present but not required.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	port, err := envOrDefaultInt("ENT_PORT", 8080)
	if err != nil {
		return nil, err
	}
	freeLimit, err := envOrDefaultInt("ENT_FREE_RECORD_LIMIT", 3)
	if err != nil {
		return nil, err
	}
	tolerance, err := envOrDefaultDuration("STRIPE_WEBHOOK_TOLERANCE", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	webhookTimeout, err := envOrDefaultDuration("ENT_WEBHOOK_TIMEOUT", 20*time.Second)
	if err != nil {
		return nil, err
	}
	readTimeout, err := envOrDefaultDuration("ENT_ACCESS_READ_TIMEOUT", 2*time.Second)
	if err != nil {
		return nil, err
	}
	publicMetrics, err := envOrDefaultBool("ENT_PUBLIC_METRICS", false)
	if err != nil {
		return nil, err
	}
	proxies, err := auditlog.ParseTrustedProxies(strings.Split(os.Getenv("ENT_TRUSTED_PROXIES"), ","))
	if err != nil {
		return nil, fmt.Errorf("ENT_TRUSTED_PROXIES: %w", err)
	}

	cfg := &Config{
		DataDir:                envOrDefault("ENT_DATA_DIR", "/data"),
		BindAddress:            envOrDefault("ENT_BIND_ADDRESS", "0.0.0.0"),
		Port:                   port,
		AdminKey:               strings.TrimSpace(os.Getenv("ENT_ADMIN_KEY")),
		AppURL:                 strings.TrimSpace(os.Getenv("ENT_APP_URL")),
		DatabaseURL:            strings.TrimSpace(os.Getenv("ENT_DATABASE_URL")),
		SessionSecret:          strings.TrimSpace(os.Getenv("ENT_SESSION_SECRET")),
		SessionIssuer:          strings.TrimSpace(os.Getenv("ENT_SESSION_ISSUER")),
		StripeAPIKey:           strings.TrimSpace(os.Getenv("STRIPE_API_KEY")),
		StripeWebhookSecret:    strings.TrimSpace(os.Getenv("STRIPE_WEBHOOK_SECRET")),
		StripeWebhookTolerance: tolerance,
		PriceIDProMonthly:      strings.TrimSpace(os.Getenv("STRIPE_PRICE_ID_PRO_MONTHLY")),
		PriceIDProYearly:       strings.TrimSpace(os.Getenv("STRIPE_PRICE_ID_PRO_YEARLY")),
		WebhookTimeout:         webhookTimeout,
		AccessReadTimeout:      readTimeout,
		FreeRecordLimit:        freeLimit,
		PublicMetrics:          publicMetrics,
		TrustedProxies:         proxies,
		LogLevel:               envOrDefault("ENT_LOG_LEVEL", "info"),
		LogFormat:              envOrDefault("ENT_LOG_FORMAT", "auto"),
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate entitlement config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	required := []struct {
		name  string
		value string
	}{
		{"ENT_ADMIN_KEY", c.AdminKey},
		{"ENT_SESSION_SECRET", c.SessionSecret},
		{"ENT_APP_URL", c.AppURL},
		{"STRIPE_API_KEY", c.StripeAPIKey},
		{"STRIPE_WEBHOOK_SECRET", c.StripeWebhookSecret},
		{"STRIPE_PRICE_ID_PRO_MONTHLY", c.PriceIDProMonthly},
		{"STRIPE_PRICE_ID_PRO_YEARLY", c.PriceIDProYearly},
	}
	for _, r := range required {
		if r.value == "" {
			missing = append(missing, r.name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("ENT_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.PriceIDProMonthly == c.PriceIDProYearly {
		return fmt.Errorf("STRIPE_PRICE_ID_PRO_MONTHLY and STRIPE_PRICE_ID_PRO_YEARLY must differ")
	}
	if c.FreeRecordLimit <= 0 {
		return fmt.Errorf("ENT_FREE_RECORD_LIMIT must be greater than 0, got %d", c.FreeRecordLimit)
	}
	if c.StripeWebhookTolerance <= 0 || c.WebhookTimeout <= 0 || c.AccessReadTimeout <= 0 {
		return fmt.Errorf("timeouts and tolerances must be positive")
	}

	parsed, err := url.Parse(c.AppURL)
	if err != nil {
		return fmt.Errorf("ENT_APP_URL must be a valid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("ENT_APP_URL must use http or https scheme")
	}
	if parsed.Host == "" {
		return fmt.Errorf("ENT_APP_URL must include a host")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) (int, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", key, err)
		}
		return n, nil
	}
	return fallback, nil
}

func envOrDefaultDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid duration: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}

func envOrDefaultBool(key string, fallback bool) (bool, error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return false, fmt.Errorf("%s must be a valid boolean: %w", key, err)
		}
		return b, nil
	}
	return fallback, nil
}
