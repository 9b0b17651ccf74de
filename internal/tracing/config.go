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

package tracing

import (
	"time"
)

// Config holds the OpenTelemetry SDK configuration for one engine connection.
type Config struct {
	// Enabled controls whether spans are produced. When false the provider
	// still serves metrics if MetricsEnabled is set.
	Enabled bool

	// MetricsEnabled controls whether metric notifications and engine
	// metrics are recorded.
	MetricsEnabled bool

	// ServiceName identifies this service in traces.
	ServiceName string

	// ServiceVersion is the application version.
	ServiceVersion string

	// ResourceAttributes are extra resource attributes (e.g. deployment.environment).
	ResourceAttributes map[string]string

	// Sampling configures trace sampling.
	Sampling SamplingConfig

	// Exporters configures export destinations.
	Exporters []ExporterConfig

	// BatchSize is the maximum number of spans per export batch (default: 512).
	BatchSize int

	// BatchInterval is how often to flush spans (default: 5s).
	BatchInterval time.Duration

	// MaxQueueSize bounds the batch processor queue (default: 2048).
	MaxQueueSize int

	// Redaction configures how transaction tag values are scrubbed.
	Redaction RedactionConfig
}

// SamplingConfig controls which traces are recorded.
type SamplingConfig struct {
	// Enabled activates sampling (default: false - sample all).
	Enabled bool

	// Type is the sampling strategy: "ratio", "deterministic" or "random".
	Type string

	// Rate is the fraction of traces to sample (0.0 - 1.0).
	Rate float64

	// AlwaysSampleErrors samples all spans flagged as errors at start.
	AlwaysSampleErrors bool
}

// ExporterConfig defines an export destination.
type ExporterConfig struct {
	// Type is the exporter type: "otlp", "otlp-http", "console" or "none".
	Type string

	// Endpoint is the OTLP receiver address.
	Endpoint string

	// URLPath overrides the OTLP HTTP traces path.
	URLPath string

	// Headers are additional headers, typically for authentication.
	Headers map[string]string

	// TLS configures secure connections.
	TLS TLSConfig

	// Timeout is the export timeout.
	Timeout time.Duration
}

// TLSConfig configures TLS for exporters.
type TLSConfig struct {
	// Enabled activates TLS.
	Enabled bool

	// VerifyCertificate controls certificate validation.
	VerifyCertificate bool

	// CACertPath is the path to the CA certificate.
	CACertPath string
}

// RedactionConfig controls tag value redaction.
type RedactionConfig struct {
	// Level is the redaction mode: "none", "standard", or "strict".
	Level string
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		MetricsEnabled: false,
		ServiceName:    "flowtrace",
		ServiceVersion: "unknown",
		Sampling: SamplingConfig{
			Enabled:            false,
			Type:               "ratio",
			Rate:               1.0,
			AlwaysSampleErrors: true,
		},
		BatchSize:     512,
		BatchInterval: 5 * time.Second,
		MaxQueueSize:  2048,
		Redaction: RedactionConfig{
			Level: "none",
		},
	}
}
