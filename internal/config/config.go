package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	Storage     string `mapstructure:"STORAGE"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`
	PharmacyID  string `mapstructure:"PHARMACY_ID"`

	CentralURL       string        `mapstructure:"CENTRAL_URL"`
	CentralTimeout   time.Duration `mapstructure:"CENTRAL_TIMEOUT"`
	CentralJWTSecret string        `mapstructure:"CENTRAL_JWT_SECRET"`

	DeliveryWorkers      int           `mapstructure:"DELIVERY_WORKERS"`
	DeliveryPollInterval time.Duration `mapstructure:"DELIVERY_POLL_INTERVAL"`
	RedeliveryMinDelay   time.Duration `mapstructure:"REDELIVERY_MIN_DELAY"`
	RedeliveryMaxDelay   time.Duration `mapstructure:"REDELIVERY_MAX_DELAY"`

	EventTransport string   `mapstructure:"EVENT_TRANSPORT"`
	KafkaBrokers   []string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic     string   `mapstructure:"KAFKA_TOPIC"`
	KafkaGroupID   string   `mapstructure:"KAFKA_GROUP_ID"`

	BreakerEnabled     bool          `mapstructure:"BREAKER_ENABLED"`
	BreakerMaxFailures uint32        `mapstructure:"BREAKER_MAX_FAILURES"`
	BreakerOpenTimeout time.Duration `mapstructure:"BREAKER_OPEN_TIMEOUT"`

	TracingEnabled bool    `mapstructure:"TRACING_ENABLED"`
	TracingStdout  bool    `mapstructure:"TRACING_STDOUT"`
	RateLimitRPS   float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int     `mapstructure:"RATE_LIMIT_BURST"`
}

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"

	TransportJournal = "journal"
	TransportKafka   = "kafka"
)

var keys = []string{
	"PORT", "ENV", "STORAGE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "PHARMACY_ID",
	"CENTRAL_URL", "CENTRAL_TIMEOUT", "CENTRAL_JWT_SECRET",
	"DELIVERY_WORKERS", "DELIVERY_POLL_INTERVAL", "REDELIVERY_MIN_DELAY", "REDELIVERY_MAX_DELAY",
	"EVENT_TRANSPORT", "KAFKA_BROKERS", "KAFKA_TOPIC", "KAFKA_GROUP_ID",
	"BREAKER_ENABLED", "BREAKER_MAX_FAILURES", "BREAKER_OPEN_TIMEOUT",
	"TRACING_ENABLED", "TRACING_STDOUT", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "9000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORAGE", StorageMemory)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CENTRAL_URL", "http://localhost:9001")
	v.SetDefault("CENTRAL_TIMEOUT", "30s")
	v.SetDefault("DELIVERY_WORKERS", 4)
	v.SetDefault("DELIVERY_POLL_INTERVAL", "500ms")
	v.SetDefault("REDELIVERY_MIN_DELAY", "1s")
	v.SetDefault("REDELIVERY_MAX_DELAY", "5m")
	v.SetDefault("EVENT_TRANSPORT", TransportJournal)
	v.SetDefault("KAFKA_TOPIC", "patient-records")
	v.SetDefault("KAFKA_GROUP_ID", "rxsync-delivery")
	v.SetDefault("BREAKER_ENABLED", false)
	v.SetDefault("BREAKER_MAX_FAILURES", 5)
	v.SetDefault("BREAKER_OPEN_TIMEOUT", "30s")
	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("TRACING_STDOUT", false)
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if brokers := v.GetString("KAFKA_BROKERS"); len(cfg.KafkaBrokers) <= 1 && brokers != "" {
		cfg.KafkaBrokers = splitList(brokers)
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

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks the settings shared by both roles.
func (c *Config) Validate() error {
	switch c.Storage {
	case StorageMemory:
	case StoragePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORAGE is %q", StoragePostgres)
		}
	default:
		return fmt.Errorf("STORAGE must be %q or %q, got %q", StorageMemory, StoragePostgres, c.Storage)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.IsProduction() && c.Storage == StorageMemory {
		return fmt.Errorf("STORAGE=%s loses every record on restart and is refused in production", StorageMemory)
	}
	return nil
}

// ValidateStore adds the checks a store node needs to replicate to central.
func (c *Config) ValidateStore() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.PharmacyID == "" {
		return fmt.Errorf("PHARMACY_ID is required")
	}
	if strings.Contains(c.PharmacyID, "-") {
		return fmt.Errorf("PHARMACY_ID must not contain '-', got %q", c.PharmacyID)
	}
	if c.CentralURL == "" {
		return fmt.Errorf("CENTRAL_URL is required")
	}
	if c.RedeliveryMaxDelay < c.RedeliveryMinDelay {
		return fmt.Errorf("REDELIVERY_MAX_DELAY (%s) is below REDELIVERY_MIN_DELAY (%s)", c.RedeliveryMaxDelay, c.RedeliveryMinDelay)
	}
	switch c.EventTransport {
	case TransportJournal:
	case TransportKafka:
		if len(c.KafkaBrokers) == 0 {
			return fmt.Errorf("KAFKA_BROKERS is required when EVENT_TRANSPORT is %q", TransportKafka)
		}
		if c.KafkaTopic == "" || c.KafkaGroupID == "" {
			return fmt.Errorf("KAFKA_TOPIC and KAFKA_GROUP_ID are required when EVENT_TRANSPORT is %q", TransportKafka)
		}
	default:
		return fmt.Errorf("EVENT_TRANSPORT must be %q or %q, got %q", TransportJournal, TransportKafka, c.EventTransport)
	}
	if c.IsProduction() && c.CentralJWTSecret == "" {
		return fmt.Errorf("CENTRAL_JWT_SECRET is required in production")
	}
	return nil
}
