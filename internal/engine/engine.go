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

// Package engine ties one tracing configuration to the process-scoped
// connection and exposes the notification processor, interceptor factory
// and operations built from it.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/flowtrace/internal/config"
	"github.com/tombee/flowtrace/internal/connection"
	"github.com/tombee/flowtrace/internal/interceptor"
	"github.com/tombee/flowtrace/internal/log"
	"github.com/tombee/flowtrace/internal/notification"
	"github.com/tombee/flowtrace/internal/operations"
	"github.com/tombee/flowtrace/internal/policy"
	"github.com/tombee/flowtrace/internal/tracing"
	flowerrors "github.com/tombee/flowtrace/pkg/errors"
)

// processHolder is shared by every engine that does not bring its own, so
// configurations in one process reuse one connection.
var processHolder = connection.NewHolder()

const (
	minEvictInterval = time.Second
	maxEvictInterval = time.Minute
)

// Engine is the runtime of one configuration.
type Engine struct {
	cfg          *config.Config
	holder       *connection.Holder
	logger       *slog.Logger
	providerOpts []tracing.Option

	mu       sync.Mutex
	started  bool
	acquired bool
	conn     *connection.Connection
	proc     *notification.Processor
	factory  *interceptor.Factory
	ops      *operations.Operations

	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithHolder replaces the process-wide connection holder.
func WithHolder(h *connection.Holder) Option {
	return func(e *Engine) { e.holder = h }
}

// WithProviderOptions passes options to the tracing provider.
func WithProviderOptions(opts ...tracing.Option) Option {
	return func(e *Engine) { e.providerOpts = append(e.providerOpts, opts...) }
}

// New creates a stopped engine. Until Start succeeds every component it
// hands out is inactive.
func New(cfg *config.Config, opts ...Option) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	e := &Engine{cfg: cfg, holder: processHolder}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = log.WithConfigName(log.WithComponent(log.OrDefault(e.logger), "engine"), cfg.ConfigName)
	e.wire(nil)
	return e
}

func (e *Engine) wire(conn *connection.Connection) {
	pol := e.cfg.InterceptionPolicy()
	levels := e.cfg.Levels()
	e.conn = conn
	e.proc = notification.NewProcessor(conn, notification.Config{
		Policy:             pol,
		Levels:             levels,
		InterceptorEnabled: e.cfg.InterceptorEnabled,
		Logger:             e.logger,
	})
	e.factory = interceptor.NewFactory(e.proc, e.logger)
	e.ops = operations.New(e.proc, e.logger)

	if conn != nil {
		e.logger.Debug("tracing policy",
			slog.Any("inclusions", componentNames(pol.Inclusions())),
			slog.Any("exclusions", componentNames(pol.Exclusions())),
			slog.Bool("span_all_processors", levels.SpanAllProcessors()))
	}
}

func componentNames(cs []policy.Component) []string {
	names := make([]string, len(cs))
	for i, c := range cs {
		names[i] = c.String()
	}
	return names
}

// Start acquires the connection and activates the engine. When telemetry is
// disabled the engine starts inactive. Calling Start twice is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return nil
	}
	if !e.cfg.TelemetryEnabled() {
		e.logger.Info("telemetry disabled, engine inactive")
		e.started = true
		return nil
	}

	conn, err := e.holder.Acquire(ctx, connection.Settings{
		Tracing:         e.cfg.Tracing(),
		ClosedRetention: e.cfg.Store.ClosedRetention,
		Redaction:       e.cfg.RedactionMode(),
		ProviderOptions: e.providerOpts,
		Logger:          e.logger,
	})
	if errors.Is(err, flowerrors.ErrTracingDisabled) {
		e.logger.Info("telemetry disabled, engine inactive")
		e.started = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	e.acquired = true
	e.started = true
	e.wire(conn)
	e.startEvictor()

	e.logger.Info("engine started",
		slog.Bool("interceptor", e.cfg.InterceptorEnabled))
	return nil
}

// startEvictor runs stale eviction when a maximum transaction age is set.
func (e *Engine) startEvictor() {
	maxAge := e.cfg.Store.MaxTransactionAge
	st := e.conn.Store()
	if maxAge <= 0 || st == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})

	go func() {
		defer close(e.done)
		ticker := time.NewTicker(evictInterval(maxAge))
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := st.EvictStale(maxAge); n > 0 {
					e.logger.Warn("evicted stale transactions",
						slog.Int("count", n),
						slog.Duration("max_age", maxAge))
				}
			}
		}
	}()
}

func evictInterval(maxAge time.Duration) time.Duration {
	return min(max(maxAge/4, minEvictInterval), maxEvictInterval)
}

// Stop deactivates the engine and releases the connection. The connection
// is torn down once the last engine sharing it stops.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started {
		return nil
	}
	e.started = false

	if e.cancel != nil {
		e.cancel()
		<-e.done
		e.cancel = nil
	}
	e.wire(nil)

	if !e.acquired {
		return nil
	}
	e.acquired = false
	if err := e.holder.Release(ctx); err != nil {
		return fmt.Errorf("failed to stop engine: %w", err)
	}
	e.logger.Info("engine stopped")
	return nil
}

// Active reports whether the engine holds a connection.
func (e *Engine) Active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn != nil
}

// Connection returns the connection, or nil when inactive.
func (e *Engine) Connection() *connection.Connection {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn
}

// Processor returns the notification processor.
func (e *Engine) Processor() *notification.Processor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.proc
}

// Interceptors returns the interceptor factory.
func (e *Engine) Interceptors() *interceptor.Factory {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.factory
}

// Operations returns the application operations.
func (e *Engine) Operations() *operations.Operations {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ops
}

// Config returns the engine configuration.
func (e *Engine) Config() *config.Config {
	return e.cfg
}
