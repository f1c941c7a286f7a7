package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds everything the server and worker binaries need.
type Config struct {
	Environment string `mapstructure:"ENVIRONMENT"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`
	LogFile     string `mapstructure:"LOG_FILE"`
	ServerAddr  string `mapstructure:"SERVER_ADDR"`

	DBHost     string `mapstructure:"DB_HOST"`
	DBPort     string `mapstructure:"DB_PORT"`
	DBUser     string `mapstructure:"DB_USER"`
	DBPassword string `mapstructure:"DB_PASSWORD"`
	DBName     string `mapstructure:"DB_NAME"`
	DBSSLMode  string `mapstructure:"DB_SSLMODE"`

	AMQPURL  string `mapstructure:"AMQP_URL"`  // empty: in-process queue
	RedisURL string `mapstructure:"REDIS_URL"` // empty: no progress publishing

	Transport          string `mapstructure:"TRANSPORT"` // ses, resend, log
	AWSRegion          string `mapstructure:"AWS_REGION"`
	AWSAccessKeyID     string `mapstructure:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey string `mapstructure:"AWS_SECRET_ACCESS_KEY"`
	ResendAPIKey       string `mapstructure:"RESEND_API_KEY"`
	FromEmail          string `mapstructure:"FROM_EMAIL"`
	FromName           string `mapstructure:"FROM_NAME"`
	FrontendURL        string `mapstructure:"FRONTEND_URL"`

	MaxRecipientsPerBatch int    `mapstructure:"MAX_RECIPIENTS_PER_BATCH"`
	BatchDelayMS          int    `mapstructure:"BATCH_DELAY_MS"`
	SchedulerSpec         string `mapstructure:"SCHEDULER_SPEC"`
}

var defaults = map[string]any{
	"ENVIRONMENT":              "development",
	"LOG_LEVEL":                "info",
	"LOG_FILE":                 "",
	"SERVER_ADDR":              ":8080",
	"DB_HOST":                  "localhost",
	"DB_PORT":                  "5432",
	"DB_USER":                  "postgres",
	"DB_PASSWORD":              "",
	"DB_NAME":                  "campaign_mailer",
	"DB_SSLMODE":               "disable",
	"AMQP_URL":                 "",
	"REDIS_URL":                "",
	"TRANSPORT":                "log",
	"AWS_REGION":               "us-east-1",
	"AWS_ACCESS_KEY_ID":        "",
	"AWS_SECRET_ACCESS_KEY":    "",
	"RESEND_API_KEY":           "",
	"FROM_EMAIL":               "",
	"FROM_NAME":                "Poshak",
	"FRONTEND_URL":             "http://localhost:3000",
	"MAX_RECIPIENTS_PER_BATCH": 50,
	"BATCH_DELAY_MS":           100,
	"SCHEDULER_SPEC":           "@every 1m",
}

// Load reads an optional .env file, then environment variables over defaults.
func Load() (*Config, error) {
	// A missing .env is fine; the process environment is used as is.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	for key, value := range defaults {
		v.SetDefault(key, value)
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.MaxRecipientsPerBatch <= 0 {
		return fmt.Errorf("MAX_RECIPIENTS_PER_BATCH must be positive, got %d", c.MaxRecipientsPerBatch)
	}
	if c.BatchDelayMS < 0 {
		return fmt.Errorf("BATCH_DELAY_MS must not be negative, got %d", c.BatchDelayMS)
	}
	switch c.Transport {
	case "ses", "resend", "log":
	default:
		return fmt.Errorf("unknown TRANSPORT %q", c.Transport)
	}
	return nil
}

func (c *Config) BatchDelay() time.Duration {
	return time.Duration(c.BatchDelayMS) * time.Millisecond
}

// DSN builds the lib/pq connection string.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}
