// Package config loads service configuration from config.yaml, a .env file
// and GYMLEDGER_* environment variables, in increasing order of precedence.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type RunMode string

const (
	ModeLocal      RunMode = "local"
	ModeProduction RunMode = "production"
)

type Configuration struct {
	Deployment DeploymentConfig `mapstructure:"deployment" validate:"required"`
	Server     ServerConfig     `mapstructure:"server" validate:"required"`
	Database   DatabaseConfig   `mapstructure:"database" validate:"required"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Auth       AuthConfig       `mapstructure:"auth" validate:"required"`
	Audit      AuditConfig      `mapstructure:"audit" validate:"required"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Sequence   SequenceConfig   `mapstructure:"sequence"`
	Catalog    CatalogConfig    `mapstructure:"catalog"`
	Logging    LoggingConfig    `mapstructure:"logging" validate:"required"`
}

type DeploymentConfig struct {
	Mode RunMode `mapstructure:"mode" validate:"required,oneof=local production"`
}

type ServerConfig struct {
	Address         string        `mapstructure:"address" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

// DatabaseConfig selects the store. "memory" keeps everything in process.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver" validate:"required,oneof=memory sqlite3 postgres"`
	// Path is the SQLite file, or ":memory:".
	Path string `mapstructure:"path"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret" validate:"required,min=16"`
	// Issuer is checked against the iss claim when set.
	Issuer string `mapstructure:"issuer"`
}

type AuditConfig struct {
	Sink       string `mapstructure:"sink" validate:"required,oneof=log kafka none"`
	BufferSize int    `mapstructure:"buffer_size" validate:"gte=0"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type RateLimitConfig struct {
	// CheckInsPerMinute per actor; 0 disables the limit.
	CheckInsPerMinute int `mapstructure:"checkins_per_minute" validate:"gte=0"`
	Burst             int `mapstructure:"burst" validate:"gte=0"`
}

type SequenceConfig struct {
	ReceiptInitial   int64         `mapstructure:"receipt_initial" validate:"gte=1"`
	MemberInitial    int64         `mapstructure:"member_initial" validate:"gte=1"`
	ConflictAttempts int           `mapstructure:"conflict_attempts" validate:"gte=1"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
}

// CatalogConfig points at an optional JSON service catalog. Empty means the
// built-in catalog.
type CatalogConfig struct {
	Path string `mapstructure:"path"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
}

// NewConfig reads config.yaml from the usual locations, then .env, then the
// environment.
func NewConfig() (*Configuration, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "load .env")
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/gym-ledger")
	setDefaults(v)

	v.SetEnvPrefix("GYMLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config file")
		}
	}

	var cfg Configuration
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every key, which also lets AutomaticEnv override
// keys absent from the file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("deployment.mode", string(ModeLocal))

	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 10*time.Second)
	v.SetDefault("server.shutdown_timeout", 15*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "./data/gym.db")

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "gym")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.dbname", "gym_ledger")
	v.SetDefault("postgres.sslmode", "disable")

	v.SetDefault("auth.jwt_secret", "local-development-secret")
	v.SetDefault("auth.issuer", "")

	v.SetDefault("audit.sink", "log")
	v.SetDefault("audit.buffer_size", 1024)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "gym-ledger.audit")

	v.SetDefault("rate_limit.checkins_per_minute", 60)
	v.SetDefault("rate_limit.burst", 10)

	v.SetDefault("sequence.receipt_initial", 1000)
	v.SetDefault("sequence.member_initial", 1)
	v.SetDefault("sequence.conflict_attempts", 5)
	v.SetDefault("sequence.retry_delay", 5*time.Millisecond)

	v.SetDefault("catalog.path", "")

	v.SetDefault("logging.level", "info")
}

func (c Configuration) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	if c.Audit.Sink == "kafka" && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return errors.New("invalid configuration: kafka audit sink needs brokers and a topic")
	}
	if c.Deployment.Mode == ModeProduction && c.Database.Driver == "memory" {
		return errors.New("invalid configuration: memory store is not allowed in production")
	}
	return nil
}

// GetDSN returns a URL-form DSN, accepted by both lib/pq and golang-migrate.
func (c PostgresConfig) GetDSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.DBName,
		RawQuery: url.Values{"sslmode": []string{c.SSLMode}}.Encode(),
	}
	return u.String()
}

// DSN returns the connection string for the configured driver.
func (c Configuration) DSN() string {
	if c.Database.Driver == "postgres" {
		return c.Postgres.GetDSN()
	}
	return c.Database.Path
}
