// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the engine configuration from YAML and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/flowtrace/internal/policy"
	"github.com/tombee/flowtrace/internal/tracing"
	"github.com/tombee/flowtrace/internal/tracing/redact"
	flowerrors "github.com/tombee/flowtrace/pkg/errors"
)

var (
	// ErrInvalidConfig is returned when configuration validation fails.
	ErrInvalidConfig = errors.New("config: invalid configuration")
)

// Environment variables that override the file.
const (
	EnvTracingDisabled    = "FLOWTRACE_TRACING_DISABLED"
	EnvInterceptorEnabled = "FLOWTRACE_INTERCEPTOR_ENABLED"
	EnvServiceName        = "OTEL_SERVICE_NAME"
	EnvOTLPEndpoint       = "OTEL_EXPORTER_OTLP_ENDPOINT"
)

// Config is the complete engine configuration for one application.
type Config struct {
	// TurnOffTracing disables span production for this configuration.
	TurnOffTracing bool   `yaml:"turn_off_tracing"`
	ConfigName     string `yaml:"config_name"`

	Resource      ResourceConfig      `yaml:"resource"`
	Exporters     []ExporterConfig    `yaml:"exporters"`
	SpanProcessor SpanProcessorConfig `yaml:"span_processor"`
	Sampling      SamplingConfig      `yaml:"sampling"`
	TraceLevels   TraceLevelsConfig   `yaml:"trace_levels"`
	Redaction     RedactionConfig     `yaml:"redaction"`
	Metrics       MetricsConfig       `yaml:"metrics"`
	Store         StoreConfig         `yaml:"store"`

	// InterceptorEnabled is process-wide and only set from the environment.
	InterceptorEnabled bool `yaml:"-"`

	// ProcessDisabled is the process-wide tracing toggle. When set the
	// engine stays inactive whatever the file says.
	ProcessDisabled bool `yaml:"-"`
}

// ResourceConfig describes the traced service.
type ResourceConfig struct {
	ServiceName    string            `yaml:"service_name"`
	ServiceVersion string            `yaml:"service_version"`
	Attributes     map[string]string `yaml:"attributes,omitempty"`
}

// ExporterConfig is one span export destination.
type ExporterConfig struct {
	Type     string            `yaml:"type"`
	Endpoint string            `yaml:"endpoint,omitempty"`
	URLPath  string            `yaml:"url_path,omitempty"`
	Headers  map[string]string `yaml:"headers,omitempty"`
	TLS      TLSConfig         `yaml:"tls"`
	Timeout  time.Duration     `yaml:"timeout,omitempty"`
}

// TLSConfig configures exporter TLS.
type TLSConfig struct {
	Enabled           bool   `yaml:"enabled"`
	VerifyCertificate bool   `yaml:"verify_certificate"`
	CACertPath        string `yaml:"ca_cert_path,omitempty"`
}

// SpanProcessorConfig tunes the batch span processor.
type SpanProcessorConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	BatchInterval time.Duration `yaml:"batch_interval"`
	MaxQueueSize  int           `yaml:"max_queue_size"`
}

// SamplingConfig controls trace sampling.
type SamplingConfig struct {
	Enabled            bool    `yaml:"enabled"`
	Type               string  `yaml:"type,omitempty"`
	Rate               float64 `yaml:"rate"`
	AlwaysSampleErrors bool    `yaml:"always_sample_errors"`
}

// TraceLevelsConfig selects which steps get spans.
type TraceLevelsConfig struct {
	SpanAllProcessors              bool               `yaml:"span_all_processors"`
	IgnoreComponents               []policy.Component `yaml:"ignore_components,omitempty"`
	InterceptionEnabledComponents  []policy.Component `yaml:"interception_enabled_components,omitempty"`
	InterceptionDisabledComponents []policy.Component `yaml:"interception_disabled_components,omitempty"`
}

// RedactionConfig controls tag value redaction.
type RedactionConfig struct {
	Level string `yaml:"level"`
}

// MetricsConfig enables metric recording.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// StoreConfig tunes the transaction store.
type StoreConfig struct {
	// MaxTransactionAge evicts transactions whose root never closed. Zero
	// keeps them until shutdown.
	MaxTransactionAge time.Duration `yaml:"max_transaction_age"`

	// ClosedRetention is how long closed transaction ids are remembered.
	ClosedRetention time.Duration `yaml:"closed_retention"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		ConfigName: "flowtrace",
		Resource: ResourceConfig{
			ServiceName:    "flowtrace",
			ServiceVersion: "unknown",
		},
		SpanProcessor: SpanProcessorConfig{
			BatchSize:     512,
			BatchInterval: 5 * time.Second,
			MaxQueueSize:  2048,
		},
		Sampling: SamplingConfig{
			Type:               "ratio",
			Rate:               1.0,
			AlwaysSampleErrors: true,
		},
		Redaction:          RedactionConfig{Level: "none"},
		Store:              StoreConfig{ClosedRetention: 5 * time.Minute},
		InterceptorEnabled: true,
	}
}

// Load reads the YAML file at configPath (if any), applies environment
// overrides and validates the result.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &flowerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &flowerrors.ConfigError{
			Key:    "validation",
			Reason: "configuration validation failed",
			Cause:  err,
		}
	}
	return cfg, nil
}

// Parse decodes YAML bytes on top of the defaults without reading the
// environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero values a partial file may leave behind.
func (c *Config) applyDefaults() {
	d := Default()
	if c.ConfigName == "" {
		c.ConfigName = d.ConfigName
	}
	if c.Resource.ServiceName == "" {
		c.Resource.ServiceName = d.Resource.ServiceName
	}
	if c.Resource.ServiceVersion == "" {
		c.Resource.ServiceVersion = d.Resource.ServiceVersion
	}
	if c.Sampling.Type == "" {
		c.Sampling.Type = d.Sampling.Type
	}
	if c.Redaction.Level == "" {
		c.Redaction.Level = d.Redaction.Level
	}
}

func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// loadFromEnv applies environment overrides. The process-wide tracing
// toggle always wins over the file.
func (c *Config) loadFromEnv() {
	if val := os.Getenv(EnvTracingDisabled); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			c.TurnOffTracing = b
			c.ProcessDisabled = b
		}
	}
	if val := os.Getenv(EnvInterceptorEnabled); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			c.InterceptorEnabled = b
		}
	}
	if val := os.Getenv(EnvServiceName); val != "" {
		c.Resource.ServiceName = val
	}
	if val := os.Getenv(EnvOTLPEndpoint); val != "" {
		c.applyOTLPEndpoint(val)
	}
}

// applyOTLPEndpoint points the first OTLP exporter at endpoint, adding a
// gRPC exporter when none is configured.
func (c *Config) applyOTLPEndpoint(endpoint string) {
	for i := range c.Exporters {
		if strings.HasPrefix(c.Exporters[i].Type, "otlp") {
			c.Exporters[i].Endpoint = endpoint
			return
		}
	}
	c.Exporters = append(c.Exporters, ExporterConfig{Type: "otlp", Endpoint: endpoint})
}

var validExporterTypes = map[string]bool{
	"otlp": true, "otlp_grpc": true, "otlp-grpc": true,
	"otlp_http": true, "otlp-http": true,
	"console": true, "none": true,
}

var validSamplingTypes = map[string]bool{"ratio": true, "deterministic": true, "random": true}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []string

	if c.Resource.ServiceName == "" {
		errs = append(errs, "resource.service_name must not be empty")
	}

	for i, e := range c.Exporters {
		if !validExporterTypes[e.Type] {
			errs = append(errs, fmt.Sprintf("exporters[%d].type must be one of [otlp, otlp-http, console, none], got %q", i, e.Type))
			continue
		}
		if strings.HasPrefix(e.Type, "otlp") && e.Endpoint == "" {
			errs = append(errs, fmt.Sprintf("exporters[%d].endpoint is required for %s", i, e.Type))
		}
		if e.Timeout < 0 {
			errs = append(errs, fmt.Sprintf("exporters[%d].timeout must not be negative, got %v", i, e.Timeout))
		}
	}

	if c.SpanProcessor.BatchSize < 0 || c.SpanProcessor.MaxQueueSize < 0 || c.SpanProcessor.BatchInterval < 0 {
		errs = append(errs, "span_processor values must not be negative")
	}

	if c.Sampling.Rate < 0 || c.Sampling.Rate > 1 {
		errs = append(errs, fmt.Sprintf("sampling.rate must be between 0.0 and 1.0, got %v", c.Sampling.Rate))
	}
	if !validSamplingTypes[c.Sampling.Type] {
		errs = append(errs, fmt.Sprintf("sampling.type must be one of [ratio, deterministic, random], got %q", c.Sampling.Type))
	}

	errs = append(errs, validateComponents("trace_levels.ignore_components", c.TraceLevels.IgnoreComponents)...)
	errs = append(errs, validateComponents("trace_levels.interception_enabled_components", c.TraceLevels.InterceptionEnabledComponents)...)
	errs = append(errs, validateComponents("trace_levels.interception_disabled_components", c.TraceLevels.InterceptionDisabledComponents)...)

	if _, err := redact.ParseMode(c.Redaction.Level); err != nil {
		errs = append(errs, fmt.Sprintf("redaction.level: %v", err))
	}

	if c.Store.MaxTransactionAge < 0 {
		errs = append(errs, fmt.Sprintf("store.max_transaction_age must not be negative, got %v", c.Store.MaxTransactionAge))
	}
	if c.Store.ClosedRetention < 0 {
		errs = append(errs, fmt.Sprintf("store.closed_retention must not be negative, got %v", c.Store.ClosedRetention))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w:\n  - %s", ErrInvalidConfig, strings.Join(errs, "\n  - "))
	}
	return nil
}

func validateComponents(field string, components []policy.Component) []string {
	var errs []string
	for i, c := range components {
		if !c.Valid() {
			errs = append(errs, fmt.Sprintf("%s[%d] needs both namespace and name, got %q", field, i, c.String()))
		}
	}
	return errs
}

// TelemetryEnabled reports whether the engine should run at all. Telemetry
// is off when the process-wide toggle is set, or when tracing is turned off
// and metrics are disabled.
func (c *Config) TelemetryEnabled() bool {
	if c.ProcessDisabled {
		return false
	}
	return !c.TurnOffTracing || c.Metrics.Enabled
}

// Tracing converts the configuration to the tracing provider settings.
func (c *Config) Tracing() tracing.Config {
	tc := tracing.DefaultConfig()
	tc.Enabled = !c.TurnOffTracing
	tc.MetricsEnabled = c.Metrics.Enabled
	tc.ServiceName = c.Resource.ServiceName
	tc.ServiceVersion = c.Resource.ServiceVersion
	tc.ResourceAttributes = c.Resource.Attributes
	tc.Sampling = tracing.SamplingConfig{
		Enabled:            c.Sampling.Enabled,
		Type:               c.Sampling.Type,
		Rate:               c.Sampling.Rate,
		AlwaysSampleErrors: c.Sampling.AlwaysSampleErrors,
	}
	if c.SpanProcessor.BatchSize > 0 {
		tc.BatchSize = c.SpanProcessor.BatchSize
	}
	if c.SpanProcessor.BatchInterval > 0 {
		tc.BatchInterval = c.SpanProcessor.BatchInterval
	}
	if c.SpanProcessor.MaxQueueSize > 0 {
		tc.MaxQueueSize = c.SpanProcessor.MaxQueueSize
	}
	tc.Redaction.Level = c.Redaction.Level

	tc.Exporters = make([]tracing.ExporterConfig, 0, len(c.Exporters))
	for _, e := range c.Exporters {
		tc.Exporters = append(tc.Exporters, tracing.ExporterConfig{
			Type:     e.Type,
			Endpoint: e.Endpoint,
			URLPath:  e.URLPath,
			Headers:  e.Headers,
			TLS: tracing.TLSConfig{
				Enabled:           e.TLS.Enabled,
				VerifyCertificate: e.TLS.VerifyCertificate,
				CACertPath:        e.TLS.CACertPath,
			},
			Timeout: e.Timeout,
		})
	}
	return tc
}

// InterceptionPolicy builds the interception policy from trace levels.
func (c *Config) InterceptionPolicy() *policy.InterceptionPolicy {
	return policy.NewInterceptionPolicy(
		c.TraceLevels.InterceptionEnabledComponents,
		c.TraceLevels.InterceptionDisabledComponents,
	)
}

// Levels builds the notification trace levels.
func (c *Config) Levels() *policy.TraceLevels {
	return policy.NewTraceLevels(
		c.TraceLevels.SpanAllProcessors,
		c.TraceLevels.IgnoreComponents,
		c.TraceLevels.InterceptionEnabledComponents,
	)
}

// RedactionMode returns the parsed redaction level. Validate guarantees it
// parses.
func (c *Config) RedactionMode() redact.Mode {
	mode, err := redact.ParseMode(c.Redaction.Level)
	if err != nil {
		return redact.ModeNone
	}
	return mode
}
