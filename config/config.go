// Package config manages application configuration loading and validation for
// gridfeed services.
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment where gridfeed operates.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// TelemetryConfig configures the OTLP metric exporter.
type TelemetryConfig struct {
	OTLPEndpoint  string `yaml:"otlpEndpoint"`
	ServiceName   string `yaml:"serviceName"`
	OTLPInsecure  bool   `yaml:"otlpInsecure"`
	EnableMetrics bool   `yaml:"enableMetrics"`
}

// ConsumerConfig sets reconciliation batching characteristics shared by all
// grid consumers.
type ConsumerConfig struct {
	FlushInterval time.Duration `yaml:"flushInterval"`
	MaxBatchSize  int           `yaml:"maxBatchSize"`
}

// Normalise applies batching defaults.
func (c *ConsumerConfig) Normalise() {
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaultFlushInterval
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = defaultMaxBatchSize
	}
}

// AppConfig is the unified gridfeed application configuration sourced from YAML.
type AppConfig struct {
	Environment Environment        `yaml:"environment"`
	Telemetry   TelemetryConfig    `yaml:"telemetry"`
	Consumer    ConsumerConfig     `yaml:"consumer"`
	DataSources []DataSourceConfig `yaml:"datasources"`
}

const (
	defaultFlushInterval = 100 * time.Millisecond
	defaultMaxBatchSize  = 1000
)

// Default returns the default gridfeed configuration.
func Default() AppConfig {
	return AppConfig{
		Environment: EnvProd,
		Telemetry: TelemetryConfig{
			ServiceName: "gridfeed",
		},
		Consumer: ConsumerConfig{
			FlushInterval: defaultFlushInterval,
			MaxBatchSize:  defaultMaxBatchSize,
		},
	}
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(configPath string) (AppConfig, error) {
	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.normalise()

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadOrDefault loads the file when present, otherwise returns defaults. The
// second result reports whether a file was loaded.
func LoadOrDefault(configPath string) (AppConfig, bool, error) {
	if _, err := os.Stat(filepath.Clean(strings.TrimSpace(configPath))); os.IsNotExist(err) {
		cfg := Default()
		cfg.normalise()
		return cfg, false, nil
	}
	cfg, err := Load(configPath)
	if err != nil {
		return AppConfig{}, false, err
	}
	return cfg, true, nil
}

func (c *AppConfig) normalise() {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	if c.Environment == "" {
		c.Environment = EnvProd
	}
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	c.Consumer.Normalise()
	for i := range c.DataSources {
		c.DataSources[i].Normalise()
	}
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry serviceName required")
	}

	seen := make(map[string]struct{}, len(c.DataSources))
	for _, ds := range c.DataSources {
		if err := ds.Validate(); err != nil {
			return err
		}
		if _, dup := seen[ds.ID]; dup {
			return fmt.Errorf("duplicate datasource id %q", ds.ID)
		}
		seen[ds.ID] = struct{}{}
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
