// Command potat-eval runs the sandboxed JavaScript evaluation service.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	sandbox "github.com/ryanpotat/potat-eval"
	"github.com/ryanpotat/potat-eval/internal/config"
	"github.com/ryanpotat/potat-eval/internal/history"
	"github.com/ryanpotat/potat-eval/internal/metrics"
	"github.com/ryanpotat/potat-eval/internal/server"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "potat-eval",
		Short:         "Sandboxed JavaScript evaluation service",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE:          run,
	}
	root.Flags().StringVarP(&configPath, "config", "c", "config.json", "path to JSON config file")
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(_ *cobra.Command, _ []string) error {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	sbCfg := sandbox.DefaultConfig()
	sbCfg.MaxFetchConcurrency = cfg.MaxFetchConcurrency
	sbCfg.MaxResponseBytes = cfg.MaxResponseBytes

	runner := sandbox.NewRunner(sbCfg, log)
	queue := sandbox.NewQueue(runner.Run, log)

	var hist *history.Store
	if cfg.HistoryPath != "" {
		hist, err = history.Open(cfg.HistoryPath)
		if err != nil {
			return err
		}
		defer func() { _ = hist.Close() }()
	}

	m := metrics.New(
		func() float64 { return float64(queue.Depth()) },
		func() float64 { return float64(runner.InflightFetches()) },
	)

	srv := server.New(server.Options{
		Auth:    cfg.Auth,
		Queue:   queue,
		History: hist,
		Metrics: m,
		Log:     log,
	})

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Msg("eval server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
