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

// Package connection owns the process-scoped tracing connection shared by
// every engine configuration: the SDK provider, the transaction store and
// the metric instruments.
//
// A Holder creates the connection on first Acquire and tears it down when
// the last holder of a reference calls Release.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/flowtrace/internal/log"
	"github.com/tombee/flowtrace/internal/store"
	"github.com/tombee/flowtrace/internal/tracing"
	"github.com/tombee/flowtrace/internal/tracing/redact"
	flowerrors "github.com/tombee/flowtrace/pkg/errors"
)

// Settings describe the connection to create.
type Settings struct {
	Tracing tracing.Config

	// ClosedRetention overrides the store tombstone window when non-zero.
	ClosedRetention time.Duration

	Redaction redact.Mode

	// ProviderOptions are passed to tracing.NewProvider.
	ProviderOptions []tracing.Option

	Logger *slog.Logger
}

// Connection is a live tracing connection.
type Connection struct {
	provider *tracing.Provider
	store    *store.Store
	metrics  *tracing.Metrics
	sink     *tracing.MetricSink
	logger   *slog.Logger
}

// New creates a connection. It returns flowerrors.ErrTracingDisabled when
// neither tracing nor metrics are enabled.
func New(ctx context.Context, s Settings) (*Connection, error) {
	if !s.Tracing.Enabled && !s.Tracing.MetricsEnabled {
		return nil, flowerrors.ErrTracingDisabled
	}

	logger := log.WithComponent(log.OrDefault(s.Logger), "connection")

	provider, err := tracing.NewProvider(ctx, s.Tracing, s.ProviderOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracing provider: %w", err)
	}

	c := &Connection{provider: provider, logger: logger}

	if provider.MetricsEnabled() {
		c.metrics, err = tracing.NewMetrics(provider.Meter())
		if err != nil {
			_ = provider.Shutdown(ctx)
			return nil, fmt.Errorf("failed to create engine metrics: %w", err)
		}
		c.sink = tracing.NewMetricSink(provider.Meter())
	}

	if provider.TracingEnabled() {
		opts := []store.Option{
			store.WithLogger(s.Logger),
			store.WithMetrics(c.metrics),
			store.WithRedactor(redact.New(s.Redaction)),
		}
		if s.ClosedRetention > 0 {
			opts = append(opts, store.WithClosedRetention(s.ClosedRetention))
		}
		c.store, err = store.New(provider.Tracer(), opts...)
		if err != nil {
			_ = provider.Shutdown(ctx)
			return nil, fmt.Errorf("failed to create transaction store: %w", err)
		}
	}

	logger.Info("tracing connection created",
		"service", s.Tracing.ServiceName,
		"tracing", provider.TracingEnabled(),
		"metrics", provider.MetricsEnabled(),
		"exporters", len(s.Tracing.Exporters))
	return c, nil
}

// Store returns the transaction store, or nil when tracing is disabled.
func (c *Connection) Store() *store.Store {
	if c == nil {
		return nil
	}
	return c.store
}

// Provider returns the SDK provider.
func (c *Connection) Provider() *tracing.Provider {
	if c == nil {
		return nil
	}
	return c.provider
}

// Metrics returns the engine metrics, or nil when metrics are disabled.
func (c *Connection) Metrics() *tracing.Metrics {
	if c == nil {
		return nil
	}
	return c.metrics
}

// Sink returns the metric notification sink, or nil when metrics are
// disabled.
func (c *Connection) Sink() *tracing.MetricSink {
	if c == nil {
		return nil
	}
	return c.sink
}

// Close ends every resident transaction so its spans are exported, then
// flushes and shuts down the provider.
func (c *Connection) Close(ctx context.Context) error {
	if c == nil {
		return nil
	}
	if c.store != nil {
		if n := c.store.Drain(); n > 0 {
			c.logger.Warn("ended open transactions on shutdown", "count", n)
		}
		c.store.Close()
	}
	return errors.Join(c.provider.ForceFlush(ctx), c.provider.Shutdown(ctx))
}

// Holder is the process-scoped owner of the shared connection.
type Holder struct {
	mu   sync.Mutex
	conn *Connection
	refs int

	// newConn is swapped in tests.
	newConn func(context.Context, Settings) (*Connection, error)
}

// NewHolder creates an empty holder.
func NewHolder() *Holder {
	return &Holder{newConn: New}
}

// Acquire returns the shared connection, creating it from s on first use.
// Later calls reuse the existing connection and ignore s.
func (h *Holder) Acquire(ctx context.Context, s Settings) (*Connection, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.conn == nil {
		conn, err := h.newConn(ctx, s)
		if err != nil {
			return nil, err
		}
		h.conn = conn
	}
	h.refs++
	return h.conn, nil
}

// Release drops one reference and closes the connection when none remain.
func (h *Holder) Release(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.refs == 0 {
		return nil
	}
	h.refs--
	if h.refs > 0 {
		return nil
	}
	conn := h.conn
	h.conn = nil
	return conn.Close(ctx)
}

// Current returns the shared connection, or nil when none is held.
func (h *Holder) Current() *Connection {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conn
}
