// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Dispatch defaults.
const (
	defaultBatchSize = 200
	defaultWorkers   = 10
	defaultQueueSize = 100
)

// Config holds the complete application configuration.
type Config struct {
	// Transport names the delivery backend: smtp, ses, graph or stdout.
	// Empty means auto-detect.
	Transport string         `yaml:"transport"`
	SMTP      SMTPConfig     `yaml:"smtp"`
	SES       SESConfig      `yaml:"ses"`
	Graph     GraphConfig    `yaml:"graph"`
	Dispatch  DispatchConfig `yaml:"dispatch"`
	Ledger    LedgerConfig   `yaml:"ledger"`
	Logging   LoggingConfig  `yaml:"logging"`
}

// SMTPConfig holds the outbound SMTP relay configuration.
type SMTPConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	TLS      string        `yaml:"tls"`
	Helo     string        `yaml:"helo"`
	Timeout  time.Duration `yaml:"timeout"`
	CAFile   string        `yaml:"ca_file"`
	CertFile string        `yaml:"cert_file"`
	KeyFile  string        `yaml:"key_file"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region           string `yaml:"region"`
	AccessKeyID      string `yaml:"access_key_id"`
	SecretAccessKey  string `yaml:"secret_access_key"`
	Sender           string `yaml:"sender"`
	ConfigurationSet string `yaml:"configuration_set"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender"`
}

// DispatchConfig sizes batches and the worker pool.
type DispatchConfig struct {
	BatchSize int `yaml:"batch_size"`
	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`
}

// LedgerConfig points at the Redis instance that keeps send ledgers
// between runs.
type LedgerConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	KeyPrefix     string `yaml:"key_prefix"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables with sensible defaults.
// Environment variables always take precedence.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvVars()
	return cfg, cfg.Validate()
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Environment variables always override YAML values
	cfg.applyEnvVars()

	return cfg, cfg.Validate()
}

// Validate checks the values that have no usable fallback.
func (c *Config) Validate() error {
	var errs []error
	if c.Dispatch.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("dispatch.batch_size must be positive, got %d", c.Dispatch.BatchSize))
	}
	if c.Dispatch.Workers <= 0 {
		errs = append(errs, fmt.Errorf("dispatch.workers must be positive, got %d", c.Dispatch.Workers))
	}
	if c.Dispatch.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("dispatch.queue_size must not be negative, got %d", c.Dispatch.QueueSize))
	}
	switch c.SMTP.TLS {
	case "", "implicit", "starttls", "opportunistic", "none":
	default:
		errs = append(errs, fmt.Errorf("smtp.tls: unknown mode %q", c.SMTP.TLS))
	}
	return errors.Join(errs...)
}

// SMTPConfigured returns true if an SMTP relay host is set.
func (c *Config) SMTPConfigured() bool {
	return c.SMTP.Host != ""
}

// SESConfigured returns true if the SES region and sender are set.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != "" && c.SES.Sender != ""
}

// GraphConfigured returns true if all four Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != "" &&
		c.Graph.Sender != ""
}

// LedgerEnabled returns true if ledgers are persisted to Redis.
func (c *Config) LedgerEnabled() bool {
	return c.Ledger.RedisAddr != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Port = 587
	c.SMTP.TLS = "opportunistic"
	c.SMTP.Timeout = 30 * time.Second
	c.Dispatch.BatchSize = defaultBatchSize
	c.Dispatch.Workers = defaultWorkers
	c.Dispatch.QueueSize = defaultQueueSize
	c.Ledger.KeyPrefix = "mailfanout:ledger"
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values; numbers
// that fail to parse are ignored.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("TRANSPORT"); v != "" {
		c.Transport = strings.ToLower(v)
	}

	setString(&c.SMTP.Host, "SMTP_HOST")
	setInt(&c.SMTP.Port, "SMTP_PORT")
	setString(&c.SMTP.Username, "SMTP_USERNAME")
	setString(&c.SMTP.Password, "SMTP_PASSWORD")
	if v := os.Getenv("SMTP_TLS"); v != "" {
		c.SMTP.TLS = strings.ToLower(v)
	}
	setString(&c.SMTP.Helo, "SMTP_HELO")
	setString(&c.SMTP.CAFile, "SMTP_CA_FILE")
	setString(&c.SMTP.CertFile, "SMTP_CERT_FILE")
	setString(&c.SMTP.KeyFile, "SMTP_KEY_FILE")

	setString(&c.SES.Region, "SES_REGION")
	setString(&c.SES.AccessKeyID, "SES_ACCESS_KEY_ID")
	setString(&c.SES.SecretAccessKey, "SES_SECRET_ACCESS_KEY")
	setString(&c.SES.Sender, "SES_SENDER")

	setString(&c.Graph.TenantID, "GRAPH_TENANT_ID")
	setString(&c.Graph.ClientID, "GRAPH_CLIENT_ID")
	setString(&c.Graph.ClientSecret, "GRAPH_CLIENT_SECRET")
	setString(&c.Graph.Sender, "GRAPH_SENDER")

	setInt(&c.Dispatch.BatchSize, "DISPATCH_BATCH_SIZE")
	setInt(&c.Dispatch.Workers, "DISPATCH_WORKERS")
	setInt(&c.Dispatch.QueueSize, "DISPATCH_QUEUE_SIZE")

	setString(&c.Ledger.RedisAddr, "LEDGER_REDIS_ADDR")
	setString(&c.Ledger.RedisPassword, "LEDGER_REDIS_PASSWORD")
	setInt(&c.Ledger.RedisDB, "LEDGER_REDIS_DB")
	setString(&c.Ledger.KeyPrefix, "LEDGER_KEY_PREFIX")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
