package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"github.com/ehr/scheduler/internal/domain/scheduling"
)

type Config struct {
	Port           string   `mapstructure:"PORT"`
	Env            string   `mapstructure:"ENV"`
	DatabaseURL    string   `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL       string   `mapstructure:"REDIS_URL"`
	AMQPURL        string   `mapstructure:"AMQP_URL"`
	AMQPExchange   string   `mapstructure:"AMQP_EXCHANGE"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int      `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit      string   `mapstructure:"BODY_LIMIT"`

	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	ClinicTimezone string        `mapstructure:"CLINIC_TIMEZONE"`

	BookingHorizonDays int           `mapstructure:"BOOKING_HORIZON_DAYS"`
	AvailabilityPolicy string        `mapstructure:"AVAILABILITY_POLICY"`
	BookingSessionTTL  time.Duration `mapstructure:"BOOKING_SESSION_TTL"`
	SubmitTimeout      time.Duration `mapstructure:"SUBMIT_TIMEOUT"`
	MissedGrace        time.Duration `mapstructure:"MISSED_GRACE"`
	IdempotencyTTL     time.Duration `mapstructure:"IDEMPOTENCY_TTL"`

	JobSweepSchedule  string `mapstructure:"JOB_SWEEP_SCHEDULE"`
	JobMissedSchedule string `mapstructure:"JOB_MISSED_SCHEDULE"`

	// SchedulerURL is the base URL used by the calendar and book commands.
	SchedulerURL  string        `mapstructure:"SCHEDULER_URL"`
	ClientTimeout time.Duration `mapstructure:"CLIENT_TIMEOUT"`
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"AMQP_URL", "AMQP_EXCHANGE", "CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	"BODY_LIMIT", "REQUEST_TIMEOUT", "CLINIC_TIMEZONE", "BOOKING_HORIZON_DAYS",
	"AVAILABILITY_POLICY", "BOOKING_SESSION_TTL", "SUBMIT_TIMEOUT", "MISSED_GRACE",
	"IDEMPOTENCY_TTL", "JOB_SWEEP_SCHEDULE", "JOB_MISSED_SCHEDULE", "SCHEDULER_URL",
	"CLIENT_TIMEOUT",
}

// Load reads .env (if present) and the environment. It does not validate;
// callers run Validate once they know which parts they need.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("AMQP_EXCHANGE", "scheduling.events")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("CLINIC_TIMEZONE", "Local")
	v.SetDefault("BOOKING_HORIZON_DAYS", scheduling.DefaultHorizonDays)
	v.SetDefault("AVAILABILITY_POLICY", string(scheduling.PolicyWeekdays))
	v.SetDefault("BOOKING_SESSION_TTL", "30m")
	v.SetDefault("SUBMIT_TIMEOUT", "10s")
	v.SetDefault("MISSED_GRACE", "1h")
	v.SetDefault("IDEMPOTENCY_TTL", "24h")
	v.SetDefault("JOB_SWEEP_SCHEDULE", "@every 1m")
	v.SetDefault("JOB_MISSED_SCHEDULE", "*/15 * * * *")
	v.SetDefault("SCHEDULER_URL", "http://localhost:8000")
	v.SetDefault("CLIENT_TIMEOUT", "10s")

	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(cfg.CORSOrigins[i])
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Location resolves CLINIC_TIMEZONE.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		return nil, fmt.Errorf("CLINIC_TIMEZONE %q: %w", c.ClinicTimezone, err)
	}
	return loc, nil
}

// Resolver builds the available-date resolver from the booking settings.
func (c *Config) Resolver() scheduling.Resolver {
	return scheduling.Resolver{
		HorizonDays: c.BookingHorizonDays,
		Policy:      scheduling.AvailabilityPolicy(c.AvailabilityPolicy),
	}
}

// Validate checks the settings shared by every command.
func (c *Config) Validate() error {
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if c.BookingHorizonDays <= 0 {
		return fmt.Errorf("BOOKING_HORIZON_DAYS must be positive, got %d", c.BookingHorizonDays)
	}
	if !scheduling.AvailabilityPolicy(c.AvailabilityPolicy).Valid() {
		return fmt.Errorf("AVAILABILITY_POLICY %q is not supported", c.AvailabilityPolicy)
	}
	durations := map[string]time.Duration{
		"REQUEST_TIMEOUT":     c.RequestTimeout,
		"BOOKING_SESSION_TTL": c.BookingSessionTTL,
		"SUBMIT_TIMEOUT":      c.SubmitTimeout,
		"MISSED_GRACE":        c.MissedGrace,
		"IDEMPOTENCY_TTL":     c.IdempotencyTTL,
		"CLIENT_TIMEOUT":      c.ClientTimeout,
	}
	for name, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be a positive duration, got %s", name, d)
		}
	}
	for name, spec := range map[string]string{
		"JOB_SWEEP_SCHEDULE":  c.JobSweepSchedule,
		"JOB_MISSED_SCHEDULE": c.JobMissedSchedule,
	} {
		if _, err := cron.ParseStandard(spec); err != nil {
			return fmt.Errorf("%s %q: %w", name, spec, err)
		}
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// RequireDatabase fails unless DATABASE_URL is set.
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required (or run with --memory)")
	}
	return nil
}
