package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/VictoriaMetrics/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"reduction.dev/chunkcdc/config"
	"reduction.dev/chunkcdc/connectors"
	"reduction.dev/chunkcdc/connectors/postgres"
	"reduction.dev/chunkcdc/connectors/sqlite"
	"reduction.dev/chunkcdc/connectors/stdio"
	"reduction.dev/chunkcdc/coordinator"
	"reduction.dev/chunkcdc/logging"
	"reduction.dev/chunkcdc/splits"
	"reduction.dev/chunkcdc/splitter"
	"reduction.dev/chunkcdc/storage/checkpoints"
	"reduction.dev/chunkcdc/storage/locations"
)

type runParams struct {
	ConfigPath  string
	Params      *config.Params
	MetricsAddr string
	Output      io.Writer
}

// capturingSource is a source whose change log is fed by triggers installed
// per table.
type capturingSource interface {
	connectors.Source
	Install(ctx context.Context, table splits.Table) error
}

func run(ctx context.Context, params runParams) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	data, err := locations.ReadFile(ctx, params.ConfigPath)
	if err != nil {
		return err
	}
	cfg, err := config.Unmarshal(data, params.Params)
	if err != nil {
		return fmt.Errorf("config validation error: %w", err)
	}

	source, err := newSource(cfg)
	if err != nil {
		return err
	}
	defer source.Close()
	if err := installCapture(ctx, source, cfg); err != nil {
		return err
	}

	var store *checkpoints.Store
	if cfg.Checkpoint.Location != "" {
		location, err := locations.New(ctx, cfg.Checkpoint.Location)
		if err != nil {
			return err
		}
		if closer, ok := location.(io.Closer); ok {
			defer closer.Close()
		}
		store = checkpoints.NewStore(checkpoints.NewStoreParams{Location: location})
	}

	if params.MetricsAddr != "" {
		server := &http.Server{
			Addr:    params.MetricsAddr,
			Handler: logging.NewHTTPHandler(metricsMux(), slog.With("instanceID", "metrics")),
		}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server stopped", "err", err)
			}
		}()
		defer server.Close()
	}

	sink := stdio.NewSink(stdio.SinkConfig{Writer: params.Output})
	defer sink.Flush()

	c := coordinator.New(coordinator.Params{
		Config: cfg,
		Source: source,
		Store:  store,
	})
	err = c.Run(ctx, sink)
	if errors.Is(err, context.Canceled) {
		slog.Info("stopped", "status", c.Status())
		return nil
	}
	return err
}

func newSource(cfg *config.Config) (capturingSource, error) {
	switch cfg.Source.Driver {
	case "sqlite":
		return sqlite.New(sqlite.Params{
			DSN:               cfg.Source.DSN,
			MaxOpenConns:      cfg.WorkerCount + 1,
			ConnectTimeout:    cfg.ConnectTimeout,
			ConnectMaxRetries: cfg.MaxRetries(),
		}), nil
	case "postgres":
		return postgres.New(postgres.Params{
			DSN:               cfg.Source.DSN,
			MaxConns:          cfg.WorkerCount + 1,
			ConnectTimeout:    cfg.ConnectTimeout,
			ConnectMaxRetries: cfg.MaxRetries(),
		}), nil
	default:
		return nil, fmt.Errorf("unknown source driver %q", cfg.Source.Driver)
	}
}

// installCapture makes sure every configured table has its change triggers
// before the coordinator records watermarks.
func installCapture(ctx context.Context, source capturingSource, cfg *config.Config) error {
	for _, tc := range cfg.Tables {
		table, err := source.DescribeTable(ctx, tc.Name)
		if err != nil {
			return err
		}
		table.SplitColumn, err = splitter.ChooseSplitColumn(table, tc.SplitColumn)
		if err != nil {
			return err
		}
		if err := source.Install(ctx, table); err != nil {
			return err
		}
	}
	return nil
}

// metricsMux serves the prometheus registry and the stream counters kept in
// the VictoriaMetrics default set.
func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/metrics/stream", func(w http.ResponseWriter, r *http.Request) {
		metrics.WritePrometheus(w, false)
	})
	return mux
}
