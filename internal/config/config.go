package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"

	PaymentStripe = "stripe"
	PaymentHMAC   = "hmac"
)

// minSecretLen is the shortest accepted HMAC secret, matching the signaling
// provider's requirement.
const minSecretLen = 16

type Config struct {
	Port                    string        `mapstructure:"PORT"`
	Env                     string        `mapstructure:"ENV"`
	Store                   string        `mapstructure:"STORE"`
	DatabaseURL             string        `mapstructure:"DATABASE_URL"`
	DBMaxConns              int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns              int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL                string        `mapstructure:"REDIS_URL"`
	AuthIssuer              string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL             string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience            string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey          string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins             []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS            float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst          int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout          time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	ScheduleTimezone        string        `mapstructure:"SCHEDULE_TIMEZONE"`
	SignalingSecret         string        `mapstructure:"SIGNALING_SECRET"`
	SessionTokenTTL         time.Duration `mapstructure:"SESSION_TOKEN_TTL"`
	MeetingBaseURL          string        `mapstructure:"MEETING_BASE_URL"`
	PaymentProvider         string        `mapstructure:"PAYMENT_PROVIDER"`
	PaymentWebhookSecret    string        `mapstructure:"PAYMENT_WEBHOOK_SECRET"`
	SendGridAPIKey          string        `mapstructure:"SENDGRID_API_KEY"`
	MailFrom                string        `mapstructure:"MAIL_FROM"`
	FirebaseCredentialsFile string        `mapstructure:"FIREBASE_CREDENTIALS_FILE"`
}

var keys = []string{
	"PORT", "ENV", "STORE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "CORS_ORIGINS",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT", "SCHEDULE_TIMEZONE",
	"SIGNALING_SECRET", "SESSION_TOKEN_TTL", "MEETING_BASE_URL", "PAYMENT_PROVIDER",
	"PAYMENT_WEBHOOK_SECRET", "SENDGRID_API_KEY", "MAIL_FROM", "FIREBASE_CREDENTIALS_FILE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE", StorePostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("SESSION_TOKEN_TTL", "1h")
	v.SetDefault("PAYMENT_PROVIDER", PaymentHMAC)
	v.SetDefault("MAIL_FROM", "LexConsult <no-reply@lexconsult.local>")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}

	if cfg.Store == StorePostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORE=%s", StorePostgres)
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location resolves SCHEDULE_TIMEZONE, defaulting to the host zone.
func (c *Config) Location() (*time.Location, error) {
	if c.ScheduleTimezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.ScheduleTimezone)
	if err != nil {
		return nil, fmt.Errorf("SCHEDULE_TIMEZONE: %w", err)
	}
	return loc, nil
}

// Validate checks that the configuration is safe to run. Outside development
// identity must come from a real issuer or signing key, and production also
// needs the signaling and payment secrets.
func (c *Config) Validate() error {
	switch c.Store {
	case StorePostgres, StoreMemory:
	default:
		return fmt.Errorf("STORE must be %q or %q, got %q", StorePostgres, StoreMemory, c.Store)
	}
	switch c.PaymentProvider {
	case PaymentStripe, PaymentHMAC:
	default:
		return fmt.Errorf("PAYMENT_PROVIDER must be %q or %q, got %q", PaymentStripe, PaymentHMAC, c.PaymentProvider)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.SessionTokenTTL <= 0 {
		return fmt.Errorf("SESSION_TOKEN_TTL must be positive")
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if c.SignalingSecret != "" && len(c.SignalingSecret) < minSecretLen {
		return fmt.Errorf("SIGNALING_SECRET must be at least %d bytes", minSecretLen)
	}

	if !c.IsDev() && c.AuthIssuer == "" && c.AuthJWKSURL == "" && c.AuthSigningKey == "" {
		return fmt.Errorf(
			"one of AUTH_ISSUER, AUTH_JWKS_URL or AUTH_SIGNING_KEY must be set when ENV=%q; "+
				"refusing to start without authentication configuration", c.Env)
	}

	if c.IsProduction() {
		if c.Store == StoreMemory {
			return fmt.Errorf("STORE=%s is not allowed in production", StoreMemory)
		}
		if c.SignalingSecret == "" {
			return fmt.Errorf("SIGNALING_SECRET is required in production")
		}
		if c.PaymentWebhookSecret == "" {
			return fmt.Errorf("PAYMENT_WEBHOOK_SECRET is required in production")
		}
	}
	return nil
}
