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

// Package replay implements the replay command, which drives the tracing
// engine from a recorded stream of host notifications.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/flowtrace/internal/commands/shared"
	"github.com/tombee/flowtrace/internal/config"
	"github.com/tombee/flowtrace/internal/engine"
	"github.com/tombee/flowtrace/internal/log"
)

type options struct {
	workers     int
	metricsAddr string
	linger      time.Duration
	freshIDs    bool
}

// NewCommand creates the replay command.
func NewCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "replay FILE",
		Short: "Replay recorded notifications through the tracing engine",
		Long: `Replay reads one JSON notification per line and feeds it through the
tracing engine exactly as a host runtime would. Use "-" to read stdin.

Each line carries a "kind" of pipeline_start, pipeline_end, processor_before,
processor_after, async_scheduled, async_completed, metric or add_tags.
Records of one transaction are applied in order; different transactions are
replayed concurrently.`,
		Example: `  flowtrace replay events.jsonl
  flowtrace replay --config otel.yaml --workers 8 events.jsonl
  flowtrace replay --metrics-addr :9464 --linger 30s events.jsonl
  flowtrace replay --fresh-ids events.jsonl`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args[0], opts)
		},
	}

	cmd.Flags().IntVarP(&opts.workers, "workers", "w", 4, "Number of concurrent replay workers")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while replaying")
	cmd.Flags().DurationVar(&opts.linger, "linger", 0, "Keep serving metrics for this long after the replay")
	cmd.Flags().BoolVar(&opts.freshIDs, "fresh-ids", false, "Give every replayed transaction a newly generated id")

	return cmd
}

func newLogger() *slog.Logger {
	cfg := log.FromEnv()
	switch {
	case shared.GetVerbose():
		cfg.Level = "debug"
	case shared.GetQuiet():
		cfg.Level = "error"
	}
	cfg.Output = os.Stderr
	return log.New(cfg)
}

func loadConfig() (*config.Config, error) {
	path := shared.GetConfigPath()
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, shared.NewInvalidConfigError("failed to load configuration", err)
	}
	return cfg, nil
}

func openInput(cmd *cobra.Command, path string) (io.ReadCloser, error) {
	if path == "-" {
		return io.NopCloser(cmd.InOrStdin()), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, shared.NewInvalidInputError("failed to open replay file", err)
	}
	return f, nil
}

func run(cmd *cobra.Command, path string, opts *options) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger()
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if opts.metricsAddr != "" {
		cfg.Metrics.Enabled = true
	}

	in, err := openInput(cmd, path)
	if err != nil {
		return err
	}
	defer in.Close()

	eng := engine.New(cfg, engine.WithLogger(logger))
	if err := eng.Start(ctx); err != nil {
		return shared.NewReplayError("failed to start tracing engine", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := eng.Stop(stopCtx); err != nil {
			logger.Error("failed to stop tracing engine", log.Error(err))
		}
	}()

	var srv *http.Server
	if opts.metricsAddr != "" {
		srv, err = serveMetrics(eng, opts.metricsAddr, logger)
		if err != nil {
			return shared.NewReplayError("failed to serve metrics", err)
		}
		defer srv.Close()
	}

	var replayOpts []ReplayerOption
	if opts.freshIDs {
		replayOpts = append(replayOpts, WithFreshIDs())
	}
	summary, err := NewReplayer(eng, opts.workers, logger, replayOpts...).Run(ctx, in)
	if err != nil {
		var lineErr *LineError
		if errors.As(err, &lineErr) {
			return shared.NewInvalidInputError("failed to read replay input", err)
		}
		return shared.NewReplayError("replay failed", err)
	}

	if srv != nil && opts.linger > 0 {
		logger.Info("replay finished, still serving metrics", slog.Duration("linger", opts.linger))
		select {
		case <-time.After(opts.linger):
		case <-ctx.Done():
		}
	}

	return printSummary(cmd.OutOrStdout(), summary)
}

func serveMetrics(eng *engine.Engine, addr string, logger *slog.Logger) (*http.Server, error) {
	handler := eng.Connection().Provider().MetricsHandler()
	if handler == nil {
		return nil, fmt.Errorf("metrics are not available for this configuration")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", log.Error(err))
		}
	}()
	logger.Info("serving metrics", slog.String("addr", ln.Addr().String()))
	return srv, nil
}

type summaryResponse struct {
	shared.JSONResponse
	Summary
}

func printSummary(w io.Writer, s Summary) error {
	if shared.GetJSON() {
		return shared.EmitJSON(w, summaryResponse{JSONResponse: shared.NewJSONResponse("replay"), Summary: s})
	}
	if shared.GetQuiet() {
		return nil
	}
	fmt.Fprintf(w, "events:            %d\n", s.Events)
	fmt.Fprintf(w, "transactions:      %d\n", s.Transactions)
	fmt.Fprintf(w, "intercepted steps: %d\n", s.Intercepted)
	fmt.Fprintf(w, "rejected tags:     %d\n", s.RejectedTags)
	fmt.Fprintf(w, "open transactions: %d\n", s.OpenTransactions)
	for _, o := range s.Open {
		fmt.Fprintf(w, "  %s  flow=%s open_spans=%d\n", o.TransactionID, o.Flow, o.OpenSpans)
	}
	return nil
}
