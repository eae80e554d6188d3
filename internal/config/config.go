// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pivox/tradingV3/errs"
)

// Environment identifies the deployment environment.
type Environment string

const (
	// EnvDev is the development environment.
	EnvDev Environment = "dev"
	// EnvStaging is the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd is the production environment.
	EnvProd Environment = "prod"
)

// BitmartConfig holds credentials and endpoints for the Bitmart futures API.
type BitmartConfig struct {
	APIKey       string        `yaml:"apiKey"`
	SecretKey    string        `yaml:"secretKey"`
	APIMemo      string        `yaml:"apiMemo"`
	WSURL        string        `yaml:"wsUrl"`
	RESTURL      string        `yaml:"restUrl"`
	Channels     []string      `yaml:"channels"`
	PingInterval time.Duration `yaml:"pingInterval"`
	PollInterval time.Duration `yaml:"pollInterval"`
}

func (c *BitmartConfig) applyDefaults() {
	c.WSURL = strings.TrimSpace(c.WSURL)
	if c.WSURL == "" {
		c.WSURL = "wss://openapi-ws-v2.bitmart.com/api?protocol=1.1"
	}
	c.RESTURL = strings.TrimSpace(strings.TrimRight(c.RESTURL, "/"))
	if c.RESTURL == "" {
		c.RESTURL = "https://api-cloud-v2.bitmart.com"
	}
	if len(c.Channels) == 0 {
		c.Channels = []string{"futures/position"}
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 60 * time.Second
	}
}

// ValidateCredentials reports a fatal error when API credentials are absent.
func (c BitmartConfig) ValidateCredentials() error {
	if strings.TrimSpace(c.APIKey) == "" || strings.TrimSpace(c.SecretKey) == "" || strings.TrimSpace(c.APIMemo) == "" {
		return errs.New("config.bitmart", errs.KindFatal,
			errs.WithMessage("BITMART_API_KEY, BITMART_SECRET_KEY and BITMART_API_MEMO are required"))
	}
	return nil
}

// SyncConfig configures the position-sync daemon's control surface.
type SyncConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	AutoStart bool   `yaml:"autoStart"`
}

func (c *SyncConfig) applyDefaults() {
	c.Host = strings.TrimSpace(c.Host)
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port <= 0 {
		c.Port = 8081
	}
}

// Addr returns the listen address for the sync control API.
func (c SyncConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// DispatcherConfig configures the rate-limited dispatch worker.
type DispatcherConfig struct {
	ListenAddr     string        `yaml:"listenAddr"`
	WorkerID       string        `yaml:"workerId"`
	Tick           time.Duration `yaml:"tick"`
	MinSpacing     time.Duration `yaml:"minSpacing"`
	DrainBatch     int           `yaml:"drainBatch"`
	MaxItemsPerRun int           `yaml:"maxItemsPerRun"`
	MaxRunDuration time.Duration `yaml:"maxRunDuration"`
}

func (c *DispatcherConfig) applyDefaults() {
	c.ListenAddr = strings.TrimSpace(c.ListenAddr)
	if c.ListenAddr == "" {
		c.ListenAddr = ":8082"
	}
	c.WorkerID = strings.TrimSpace(c.WorkerID)
	if c.WorkerID == "" {
		c.WorkerID = "api-rate-limiter"
	}
	if c.Tick <= 0 {
		c.Tick = 200 * time.Millisecond
	}
	if c.MinSpacing <= 0 {
		c.MinSpacing = time.Second
	}
	if c.DrainBatch <= 0 {
		c.DrainBatch = 1
	}
	if c.MaxItemsPerRun <= 0 {
		c.MaxItemsPerRun = 400
	}
	if c.MaxRunDuration <= 0 {
		c.MaxRunDuration = 900 * time.Second
	}
}

// LoggingConfig controls structured log emission.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

func (c *LoggingConfig) applyDefaults() {
	c.Level = strings.ToLower(strings.TrimSpace(c.Level))
	if c.Level == "" {
		c.Level = "info"
	}
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	User              string        `yaml:"user"`
	Password          string        `yaml:"password"`
	Name              string        `yaml:"name"`
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.Host = strings.TrimSpace(c.Host)
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port <= 0 {
		c.Port = 5432
	}
	c.User = strings.TrimSpace(c.User)
	if c.User == "" {
		c.User = "postgres"
	}
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		c.Name = "tradingv3"
	}
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = c.buildDSN()
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
}

func (c DatabaseConfig) buildDSN() string {
	host := net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	if c.Password == "" {
		return fmt.Sprintf("postgresql://%s@%s/%s", c.User, host, c.Name)
	}
	return fmt.Sprintf("postgresql://%s:%s@%s/%s", c.User, c.Password, host, c.Name)
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 {
		return fmt.Errorf("minConns must be >=0")
	}
	if c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be <= maxConns")
	}
	if c.MaxConnLifetime <= 0 {
		return fmt.Errorf("maxConnLifetime must be >0")
	}
	if c.MaxConnIdleTime <= 0 {
		return fmt.Errorf("maxConnIdleTime must be >0")
	}
	if c.HealthCheckPeriod <= 0 {
		return fmt.Errorf("healthCheckPeriod must be >0")
	}
	return nil
}

// AppConfig is the unified tradingV3 application configuration sourced from
// YAML with environment variable overrides.
type AppConfig struct {
	Environment Environment      `yaml:"environment"`
	Bitmart     BitmartConfig    `yaml:"bitmart"`
	Sync        SyncConfig       `yaml:"sync"`
	Dispatcher  DispatcherConfig `yaml:"dispatcher"`
	Logging     LoggingConfig    `yaml:"logging"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Database    DatabaseConfig   `yaml:"database"`
}

// Load reads an AppConfig from the YAML file at configPath, then applies
// environment overrides, defaults, and validation. An empty path skips the
// file and configures from environment and defaults alone.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	var cfg AppConfig
	if strings.TrimSpace(configPath) != "" {
		reader, closer, err := openConfigFile(configPath)
		if err != nil {
			return AppConfig{}, err
		}
		defer closer()

		raw, err := io.ReadAll(reader)
		if err != nil {
			return AppConfig{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	cfg.applyEnvironment(os.Getenv)

	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "tradingv3"
	}

	c.Bitmart.applyDefaults()
	c.Sync.applyDefaults()
	c.Dispatcher.applyDefaults()
	c.Logging.applyDefaults()
	c.Database.applyDefaults()
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if c.Bitmart.PingInterval <= 0 {
		return fmt.Errorf("bitmart pingInterval must be >0")
	}
	if c.Bitmart.PollInterval <= 0 {
		return fmt.Errorf("bitmart pollInterval must be >0")
	}
	if c.Sync.Port <= 0 || c.Sync.Port > 65535 {
		return fmt.Errorf("sync port must be a valid TCP port")
	}
	if c.Dispatcher.DrainBatch <= 0 {
		return fmt.Errorf("dispatcher drainBatch must be >0")
	}
	if c.Dispatcher.MaxItemsPerRun <= 0 {
		return fmt.Errorf("dispatcher maxItemsPerRun must be >0")
	}
	if c.Dispatcher.MinSpacing < c.Dispatcher.Tick {
		return fmt.Errorf("dispatcher minSpacing must be >= tick")
	}

	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
