package models

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"
)

// ListenAddr is fixed; it is not read from config.
const ListenAddr = ":3000"

type Config struct {
	Storage       StorageConfig   `yaml:"storage"`
	Database      DatabaseConfig  `yaml:"database"`
	Kafka         KafkaConfig     `yaml:"kafka"`
	Processor     ProcessorConfig `yaml:"processor"`
	InternalToken string          `yaml:"internal_token"`
	LogLevel      string          `yaml:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
}

type StorageConfig struct {
	Endpoint        string `yaml:"endpoint" validate:"required"`
	Region          string `yaml:"region" validate:"required"`
	AccessKeyID     string `yaml:"access_key_id" validate:"required"`
	SecretAccessKey string `yaml:"secret_access_key" validate:"required"`
	Bucket          string `yaml:"bucket" validate:"required"`
	UseSSL          *bool  `yaml:"use_ssl"`
}

type DatabaseConfig struct {
	Host     string `yaml:"host" validate:"required"`
	Port     int    `yaml:"port" validate:"min=1,max=65535"`
	User     string `yaml:"user" validate:"required"`
	Password string `yaml:"password"`
	Name     string `yaml:"name" validate:"required"`
	SSLMode  string `yaml:"ssl_mode" validate:"oneof=disable allow prefer require verify-ca verify-full"`
	MaxConns int32  `yaml:"max_conns" validate:"min=1"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

type ProcessorConfig struct {
	MaxWidth      int           `yaml:"max_width" validate:"min=1"`
	WatermarkText string        `yaml:"watermark_text"`
	SweepInterval time.Duration `yaml:"sweep_interval" validate:"min=1s"`
}

var validate = validator.New()

// LoadConfig reads the yaml file at path (skipped when path is empty), applies
// environment overrides and defaults, then validates the result.
func LoadConfig(path string) (*Config, error) {
	const op = "models.LoadConfig"

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	cfg.applyDefaults()

	if err := validate.Struct(&cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return nil, fmt.Errorf("%s: invalid config: %s", op, strings.Join(fields, ", "))
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Storage.Endpoint, "AWS_S3_ENDPOINT")
	setString(&c.Storage.Region, "AWS_REGION")
	setString(&c.Storage.AccessKeyID, "AWS_ACCESS_KEY_ID")
	setString(&c.Storage.SecretAccessKey, "AWS_SECRET_ACCESS_KEY")
	setString(&c.Storage.Bucket, "AWS_S3_BUCKET_NAME")
	if v := os.Getenv("AWS_S3_USE_SSL"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid AWS_S3_USE_SSL: %w", err)
		}
		c.Storage.UseSSL = &b
	}

	setString(&c.Database.Host, "DB_HOST")
	setString(&c.Database.User, "DB_USER")
	setString(&c.Database.Password, "DB_PASSWORD")
	setString(&c.Database.Name, "DB_NAME")
	setString(&c.Database.SSLMode, "DB_SSL_MODE")
	if v := os.Getenv("DB_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid DB_PORT: %w", err)
		}
		c.Database.Port = p
	}
	if v := os.Getenv("DB_MAX_CONNS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return fmt.Errorf("invalid DB_MAX_CONNS: %w", err)
		}
		c.Database.MaxConns = int32(n)
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	setString(&c.Kafka.Topic, "KAFKA_TOPIC")

	if v := os.Getenv("PROCESSOR_MAX_WIDTH"); v != "" {
		w, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PROCESSOR_MAX_WIDTH: %w", err)
		}
		c.Processor.MaxWidth = w
	}
	setString(&c.Processor.WatermarkText, "PROCESSOR_WATERMARK_TEXT")
	if v := os.Getenv("PROCESSOR_SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid PROCESSOR_SWEEP_INTERVAL: %w", err)
		}
		c.Processor.SweepInterval = d
	}

	setString(&c.InternalToken, "INTERNAL_TOKEN")
	setString(&c.LogLevel, "LOG_LEVEL")
	return nil
}

func (c *Config) applyDefaults() {
	if c.Storage.Endpoint == "" {
		c.Storage.Endpoint = "s3.amazonaws.com"
	}
	if c.Storage.UseSSL == nil {
		secure := true
		c.Storage.UseSSL = &secure
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "prefer"
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = 10
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "asyncart.jobs.queued"
	}
	if c.Processor.MaxWidth == 0 {
		c.Processor.MaxWidth = 1024
	}
	if c.Processor.WatermarkText == "" {
		c.Processor.WatermarkText = "AsyncArt"
	}
	if c.Processor.SweepInterval == 0 {
		c.Processor.SweepInterval = 30 * time.Second
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// DSN renders the database settings as a postgres connection URL.
func (d DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:     "/" + d.Name,
		RawQuery: url.Values{"sslmode": {d.SSLMode}}.Encode(),
	}
	return u.String()
}

func (s StorageConfig) Secure() bool {
	return s.UseSSL == nil || *s.UseSSL
}

// KafkaEnabled reports whether job announcements should be published.
func (c *Config) KafkaEnabled() bool {
	return len(c.Kafka.Brokers) > 0
}

func setString(dst *string, env string) {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		*dst = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
