// Package config provides configuration loading for gatewarden.
//
// Configuration is read from a YAML file and overridden by GATEWARDEN_*
// environment variables. See LoadWithFile for precedence rules.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete gatewarden configuration.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Storage       StorageConfig       `koanf:"storage"`
	Policy        PolicyConfig        `koanf:"policy"`
	Orchestrator  OrchestratorConfig  `koanf:"orchestrator"`
	Extraction    ExtractionConfig    `koanf:"extraction"`
	Baseline      BaselineConfig      `koanf:"baseline"`
	Audit         AuditConfig         `koanf:"audit"`
	Evidence      EvidenceConfig      `koanf:"evidence"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"http_host"`
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// StorageConfig selects where ledger, approvals and runs are kept.
type StorageConfig struct {
	Driver string `koanf:"driver"` // "memory" or "sqlite"
	Path   string `koanf:"path"`   // sqlite database file
}

// PolicyConfig locates the policy file used by the reference gateway.
type PolicyConfig struct {
	Path  string `koanf:"path"`  // empty uses the bundled policy
	Watch bool   `koanf:"watch"` // reload on file change
}

// OrchestratorConfig controls tool invocation behavior.
type OrchestratorConfig struct {
	ToolTimeout     time.Duration `koanf:"tool_timeout"`
	ToolRetries     int           `koanf:"tool_retries"`
	ContinueOnError bool          `koanf:"continue_on_error"`
}

// ExtractionConfig configures the primary rule-extraction service.
type ExtractionConfig struct {
	Enabled       bool          `koanf:"enabled"`
	Provider      string        `koanf:"provider"`
	BaseURL       string        `koanf:"base_url"`
	Model         string        `koanf:"model"`
	APIKey        Secret        `koanf:"api_key"`
	MaxChars      int           `koanf:"max_chars"`
	Timeout       time.Duration `koanf:"timeout"`
	RatePerMinute float64       `koanf:"rate_per_minute"`
}

// BaselineConfig locates the baseline (hard) rule set.
type BaselineConfig struct {
	Path string `koanf:"path"` // empty uses the embedded baseline
}

// AuditConfig configures optional ledger fan-out.
type AuditConfig struct {
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
}

// EvidenceConfig configures evidence pack export.
type EvidenceConfig struct {
	Redact bool   `koanf:"redact"`
	Format string `koanf:"format"`
}

// ObservabilityConfig holds OpenTelemetry configuration.
type ObservabilityConfig struct {
	EnableTelemetry bool   `koanf:"enable_telemetry"`
	ServiceName     string `koanf:"service_name"`
	OTLPEndpoint    string `koanf:"otlp_endpoint"`
	OTLPProtocol    string `koanf:"otlp_protocol"` // "grpc" or "http/protobuf"
	OTLPInsecure    bool   `koanf:"otlp_insecure"`
	LogLevel        string `koanf:"log_level"`
	LogFormat       string `koanf:"log_format"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Validate validates the configuration.
//
// Returns an error if:
//   - Server port is not between 1 and 65535
//   - Shutdown timeout is not positive
//   - Storage driver is unknown, or sqlite has no path
//   - Extraction is enabled without a model or with a non-positive rate
//   - Evidence format is not json or yaml
//   - Service name is empty (when telemetry is enabled)
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	switch c.Storage.Driver {
	case "memory":
	case "sqlite":
		if c.Storage.Path == "" {
			return errors.New("storage.path is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unknown storage driver %q (want memory or sqlite)", c.Storage.Driver)
	}

	if c.Orchestrator.ToolTimeout <= 0 {
		return errors.New("orchestrator.tool_timeout must be positive")
	}
	if c.Orchestrator.ToolRetries < 0 {
		return fmt.Errorf("orchestrator.tool_retries must be >= 0, got %d", c.Orchestrator.ToolRetries)
	}

	if c.Extraction.Enabled {
		if c.Extraction.Model == "" {
			return errors.New("extraction.model is required when extraction is enabled")
		}
		if c.Extraction.RatePerMinute <= 0 {
			return errors.New("extraction.rate_per_minute must be positive")
		}
	}
	if c.Extraction.MaxChars <= 0 {
		return fmt.Errorf("extraction.max_chars must be positive, got %d", c.Extraction.MaxChars)
	}

	if c.Evidence.Format != "json" && c.Evidence.Format != "yaml" {
		return fmt.Errorf("evidence.format must be 'json' or 'yaml', got %q", c.Evidence.Format)
	}

	if c.Observability.EnableTelemetry && c.Observability.ServiceName == "" {
		return errors.New("service name required when telemetry is enabled")
	}

	return nil
}
