// Package config provides environment-variable-first configuration loading
// with optional YAML file fallback for the relay, plus loading and watching
// of the SRS settings file.
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

// defaultMaxMessageSize is 25 MB in bytes.
const defaultMaxMessageSize = 26214400

// defaultQueryTimeout bounds a single store call.
const defaultQueryTimeout = 10 * time.Second

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverMongo    = "mongo"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds the complete application configuration.
type Config struct {
	SMTP     SMTPConfig    `yaml:"smtp"`
	Store    StoreConfig   `yaml:"store"`
	SRS      SRSConfig     `yaml:"srs"`
	Provider string        `yaml:"provider"`
	SES      SESConfig     `yaml:"ses"`
	Relay    RelayConfig   `yaml:"relay"`
	TLS      TLSConfig     `yaml:"tls"`
	Metrics  MetricsConfig `yaml:"metrics"`
	Logging  LoggingConfig `yaml:"logging"`
}

// SMTPConfig holds SMTP server configuration.
type SMTPConfig struct {
	Listen         string `yaml:"listen"`
	Hostname       string `yaml:"hostname"`
	MaxMessageSize int64  `yaml:"max_message_size"`
}

// StoreConfig selects and configures the alias and thread store. The
// default driver is mongo; memory must be selected explicitly.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	URI    string `yaml:"uri"`

	// Mongo only.
	Database         string `yaml:"database"`
	AliasCollection  string `yaml:"alias_collection"`
	ThreadCollection string `yaml:"thread_collection"`

	// Postgres only.
	MaxConns int32 `yaml:"max_conns"`

	// AliasFile seeds the memory store from YAML.
	AliasFile string `yaml:"alias_file"`

	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// SRSConfig holds the sender rewriting settings. When File is set, Secret
// and SenderDomain are read from it and reloaded when it changes.
type SRSConfig struct {
	File         string `yaml:"file"`
	Secret       string `yaml:"secret"`
	SenderDomain string `yaml:"sender_domain"`
}

// SESConfig holds AWS SES delivery configuration.
type SESConfig struct {
	Region           string `yaml:"region"`
	AccessKeyID      string `yaml:"access_key_id"`
	SecretAccessKey  string `yaml:"secret_access_key"`
	Sender           string `yaml:"sender"`
	ConfigurationSet string `yaml:"configuration_set"`
}

// RelayConfig holds the upstream SMTP server used by the smtp provider.
type RelayConfig struct {
	Host      string `yaml:"host"`
	TLS       bool   `yaml:"tls"`
	StartTLS  bool   `yaml:"starttls"`
	TLSVerify bool   `yaml:"tls_verify"`
}

// TLSConfig holds TLS certificate file paths.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// MetricsConfig holds the Prometheus listener. An empty Listen disables it.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
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
	return cfg, nil
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

	return cfg, nil
}

// LoadSRSFile reads SRS.File, if set, into SRS.Secret and SRS.SenderDomain.
func (c *Config) LoadSRSFile() error {
	if c.SRS.File == "" {
		return nil
	}
	s, err := LoadSRS(c.SRS.File)
	if err != nil {
		return err
	}
	c.SRS.Secret = s.Secret
	c.SRS.SenderDomain = s.SenderDomain
	return nil
}

// Validate reports configuration that must stop the process from starting.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case DriverMemory:
	case DriverMongo, DriverPostgres, DriverSQLite:
		if c.Store.URI == "" {
			errs = append(errs, fmt.Errorf("store.uri (STORE_URI) is required for the %s driver", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store driver %q", c.Store.Driver))
	}

	if c.SRS.Secret == "" {
		errs = append(errs, errors.New("srs secret is required"))
	}
	if c.SRS.SenderDomain == "" {
		errs = append(errs, errors.New("srs sender_domain is required"))
	}

	switch c.Provider {
	case "", "stdout":
	case "ses":
		if !c.SESConfigured() {
			errs = append(errs, errors.New("SES provider selected but SES_REGION is required"))
		}
	case "smtp":
		if c.Relay.Host == "" {
			errs = append(errs, errors.New("smtp provider selected but RELAY_HOST is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown provider %q", c.Provider))
	}

	return errors.Join(errs...)
}

// SESConfigured returns true if the SES region is set. Credentials may come
// from the default AWS chain and the sender from the message itself.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != ""
}

// applyDefaults sets sensible default values for all configuration fields.
func (c *Config) applyDefaults() {
	c.SMTP.Listen = ":2525"
	c.SMTP.Hostname = "localhost"
	c.SMTP.MaxMessageSize = defaultMaxMessageSize
	c.Store.Driver = DriverMongo
	c.Store.Database = "masked"
	c.Store.AliasCollection = "aliases"
	c.Store.ThreadCollection = "aliases"
	c.Store.QueryTimeout = defaultQueryTimeout
	c.Relay.TLS = true
	c.Relay.StartTLS = true
	c.Relay.TLSVerify = true
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() {
	if v := os.Getenv("SMTP_LISTEN"); v != "" {
		c.SMTP.Listen = v
	}
	if v := os.Getenv("SMTP_HOSTNAME"); v != "" {
		c.SMTP.Hostname = v
	}
	if v := os.Getenv("SMTP_MAX_MESSAGE_SIZE"); v != "" {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.SMTP.MaxMessageSize = size
		}
	}

	if v := os.Getenv("STORE_DRIVER"); v != "" {
		c.Store.Driver = strings.ToLower(v)
	}
	// MONGO_URI and MONGO_DB_NAME are kept for existing deployments.
	if v := os.Getenv("MONGO_URI"); v != "" {
		c.Store.URI = v
	}
	if v := os.Getenv("STORE_URI"); v != "" {
		c.Store.URI = v
	}
	if v := os.Getenv("MONGO_DB_NAME"); v != "" {
		c.Store.Database = v
	}
	if v := os.Getenv("STORE_DATABASE"); v != "" {
		c.Store.Database = v
	}
	if v := os.Getenv("STORE_ALIAS_COLLECTION"); v != "" {
		c.Store.AliasCollection = v
	}
	if v := os.Getenv("STORE_THREAD_COLLECTION"); v != "" {
		c.Store.ThreadCollection = v
	}
	if v := os.Getenv("STORE_MAX_CONNS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			c.Store.MaxConns = int32(n)
		}
	}
	if v := os.Getenv("STORE_ALIAS_FILE"); v != "" {
		c.Store.AliasFile = v
	}
	if v := os.Getenv("STORE_QUERY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Store.QueryTimeout = d
		}
	}

	if v := os.Getenv("SRS_FILE"); v != "" {
		c.SRS.File = v
	}
	if v := os.Getenv("SRS_SECRET"); v != "" {
		c.SRS.Secret = v
	}
	if v := os.Getenv("SRS_SENDER_DOMAIN"); v != "" {
		c.SRS.SenderDomain = v
	}

	if v := os.Getenv("PROVIDER"); v != "" {
		c.Provider = strings.ToLower(v)
	}

	if v := os.Getenv("SES_REGION"); v != "" {
		c.SES.Region = v
	}
	if v := os.Getenv("SES_ACCESS_KEY_ID"); v != "" {
		c.SES.AccessKeyID = v
	}
	if v := os.Getenv("SES_SECRET_ACCESS_KEY"); v != "" {
		c.SES.SecretAccessKey = v
	}
	if v := os.Getenv("SES_SENDER"); v != "" {
		c.SES.Sender = v
	}
	if v := os.Getenv("SES_CONFIGURATION_SET"); v != "" {
		c.SES.ConfigurationSet = v
	}

	if v := os.Getenv("RELAY_HOST"); v != "" {
		c.Relay.Host = v
	}
	if v := os.Getenv("RELAY_TLS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Relay.TLS = b
		}
	}
	if v := os.Getenv("RELAY_STARTTLS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Relay.StartTLS = b
		}
	}
	if v := os.Getenv("RELAY_TLS_VERIFY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Relay.TLSVerify = b
		}
	}

	if v := os.Getenv("TLS_CERT_FILE"); v != "" {
		c.TLS.CertFile = v
	}
	if v := os.Getenv("TLS_KEY_FILE"); v != "" {
		c.TLS.KeyFile = v
	}

	if v := os.Getenv("METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
}
