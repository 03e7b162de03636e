/*
Package config loads runtime settings from the environment.

PURPOSE:
  One struct for every knob the server, the CLI and the scheduler need.
  Values come from CREDITS_* environment variables; an optional .env file
  in the working directory is loaded first and never overrides variables
  that are already set.

EXAMPLE:
  CREDITS_APP_PORT=8080
  CREDITS_DB_PATH=credits.db
  CREDITS_REDIS_ENABLED=true
  CREDITS_REDIS_ADDR=localhost:6379
  CREDITS_KAFKA_BROKERS=kafka-1:9092,kafka-2:9092
  CREDITS_LEDGER_NOTICE_STAGES=7,30,90
  CREDITS_LEDGER_TIMEZONE=Europe/Paris
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Log formats.
const (
	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Auth      AuthConfig
	Ledger    LedgerConfig
	Scheduler SchedulerConfig
}

type AppConfig struct {
	Port            int           `envconfig:"CREDITS_APP_PORT" default:"8080"`
	LogLevel        string        `envconfig:"CREDITS_LOG_LEVEL" default:"info"`
	LogFormat       string        `envconfig:"CREDITS_LOG_FORMAT" default:"json"`
	ShutdownTimeout time.Duration `envconfig:"CREDITS_APP_SHUTDOWN_TIMEOUT" default:"30s"`
	CORSOrigins     []string      `envconfig:"CREDITS_APP_CORS_ORIGINS" default:"*"`
}

type DBConfig struct {
	// Path is the SQLite file; ":memory:" keeps everything in memory.
	Path string `envconfig:"CREDITS_DB_PATH" default:"credits.db"`
}

type RedisConfig struct {
	Enabled  bool   `envconfig:"CREDITS_REDIS_ENABLED" default:"false"`
	Addr     string `envconfig:"CREDITS_REDIS_ADDR" default:"localhost:6379"`
	Password string `envconfig:"CREDITS_REDIS_PASSWORD"`
	DB       int    `envconfig:"CREDITS_REDIS_DB" default:"0"`
}

type KafkaConfig struct {
	Enabled bool     `envconfig:"CREDITS_KAFKA_ENABLED" default:"false"`
	Brokers []string `envconfig:"CREDITS_KAFKA_BROKERS" default:"localhost:9092"`
	Topic   string   `envconfig:"CREDITS_KAFKA_TOPIC" default:"credits.notifications"`
}

type AuthConfig struct {
	// JWTSecret signs bearer tokens (HS256). Empty disables the API.
	JWTSecret string `envconfig:"CREDITS_JWT_SECRET"`
	JWTIssuer string `envconfig:"CREDITS_JWT_ISSUER" default:"credit-ledger"`
}

type LedgerConfig struct {
	ExpiringSoonWindow time.Duration `envconfig:"CREDITS_LEDGER_EXPIRING_SOON_WINDOW" default:"168h"`
	NoticeStages       []int         `envconfig:"CREDITS_LEDGER_NOTICE_STAGES" default:"7,30,90"`
	RetryAttempts      int           `envconfig:"CREDITS_LEDGER_RETRY_ATTEMPTS" default:"3"`
	Managers           []int64       `envconfig:"CREDITS_LEDGER_MANAGERS"`
	Timezone           string        `envconfig:"CREDITS_LEDGER_TIMEZONE" default:"UTC"`
}

// Location resolves Timezone.
func (l LedgerConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(l.Timezone)
	if err != nil {
		return nil, fmt.Errorf("ledger timezone %q: %w", l.Timezone, err)
	}
	return loc, nil
}

type SchedulerConfig struct {
	Enabled        bool          `envconfig:"CREDITS_SCHEDULER_ENABLED" default:"true"`
	ExpireInterval time.Duration `envconfig:"CREDITS_SCHEDULER_EXPIRE_INTERVAL" default:"1h"`
	NoticeInterval time.Duration `envconfig:"CREDITS_SCHEDULER_NOTICE_INTERVAL" default:"24h"`
	LockTTL        time.Duration `envconfig:"CREDITS_SCHEDULER_LOCK_TTL" default:"10m"`
}

// Load reads .env (when present) and the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}
	return FromEnv()
}

// FromEnv reads the environment only.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	c.App.LogFormat = strings.ToLower(c.App.LogFormat)
	if c.App.LogFormat != LogFormatJSON && c.App.LogFormat != LogFormatConsole {
		return fmt.Errorf("log format must be %s or %s, got %q", LogFormatJSON, LogFormatConsole, c.App.LogFormat)
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.App.Port)
	}
	for _, stage := range c.Ledger.NoticeStages {
		if stage <= 0 {
			return fmt.Errorf("notice stages must be positive, got %d", stage)
		}
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return errors.New("kafka enabled without brokers or topic")
	}
	if _, err := c.Ledger.Location(); err != nil {
		return err
	}
	return nil
}
