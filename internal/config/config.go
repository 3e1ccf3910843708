package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Renewal policies for a purchase of a plan the subscriber still holds.
const (
	RenewalReject = "reject"
	RenewalExtend = "extend"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	DBConnectWait  time.Duration `mapstructure:"DB_CONNECT_WAIT"`
	MigrationsDir  string        `mapstructure:"MIGRATIONS_DIR"`
	RedisURL       string        `mapstructure:"REDIS_URL"`
	KafkaBrokers   []string      `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic     string        `mapstructure:"KAFKA_TOPIC"`
	JWTSecret      string        `mapstructure:"JWT_SECRET"`
	JWTIssuer      string        `mapstructure:"JWT_ISSUER"`
	TokenTTL       time.Duration `mapstructure:"TOKEN_TTL"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	SMTPHost       string        `mapstructure:"SMTP_HOST"`
	SMTPPort       int           `mapstructure:"SMTP_PORT"`
	SMTPUser       string        `mapstructure:"SMTP_USER"`
	SMTPPassword   string        `mapstructure:"SMTP_PASSWORD"`
	SMTPFrom       string        `mapstructure:"SMTP_FROM"`
	SweepSchedule  string        `mapstructure:"SWEEP_SCHEDULE"`
	SweepTimezone  string        `mapstructure:"SWEEP_TIMEZONE"`
	SweepLockTTL   time.Duration `mapstructure:"SWEEP_LOCK_TTL"`
	RenewalPolicy  string        `mapstructure:"RENEWAL_POLICY"`
	PlanCacheTTL   time.Duration `mapstructure:"PLAN_CACHE_TTL"`
	EventQueueSize int           `mapstructure:"EVENT_QUEUE_SIZE"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "DB_CONNECT_WAIT",
	"MIGRATIONS_DIR", "REDIS_URL", "KAFKA_BROKERS", "KAFKA_TOPIC", "JWT_SECRET",
	"JWT_ISSUER", "TOKEN_TTL", "CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"SMTP_HOST", "SMTP_PORT", "SMTP_USER", "SMTP_PASSWORD", "SMTP_FROM",
	"SWEEP_SCHEDULE", "SWEEP_TIMEZONE", "SWEEP_LOCK_TTL", "RENEWAL_POLICY",
	"PLAN_CACHE_TTL", "EVENT_QUEUE_SIZE",
}

func Load() (*Config, error) {
	// A missing .env is fine; real deployments set the environment directly.
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DB_CONNECT_WAIT", "30s")
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("KAFKA_TOPIC", "subscription-events")
	v.SetDefault("JWT_ISSUER", "clinisist")
	v.SetDefault("TOKEN_TTL", "24h")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("SMTP_PORT", 587)
	v.SetDefault("SWEEP_SCHEDULE", "0 0 * * *")
	v.SetDefault("SWEEP_TIMEZONE", "UTC")
	v.SetDefault("SWEEP_LOCK_TTL", "10m")
	v.SetDefault("RENEWAL_POLICY", RenewalReject)
	v.SetDefault("PLAN_CACHE_TTL", "5m")
	v.SetDefault("EVENT_QUEUE_SIZE", 1024)

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma separated lists arrive as a single string from the environment.
	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// EmailEnabled reports whether an SMTP relay is configured.
func (c *Config) EmailEnabled() bool {
	return c.SMTPHost != ""
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if !c.IsDev() && c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required when ENV=%q", c.Env)
	}
	if c.IsDev() && c.JWTSecret == "" {
		c.JWTSecret = "development-secret"
	}
	if c.RenewalPolicy != RenewalReject && c.RenewalPolicy != RenewalExtend {
		return fmt.Errorf("RENEWAL_POLICY must be %q or %q, got %q", RenewalReject, RenewalExtend, c.RenewalPolicy)
	}
	if _, err := time.LoadLocation(c.SweepTimezone); err != nil {
		return fmt.Errorf("SWEEP_TIMEZONE: %w", err)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.EventQueueSize <= 0 {
		return fmt.Errorf("EVENT_QUEUE_SIZE must be positive")
	}
	return nil
}
