package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	monitor "github.com/sawpanic/signalrun/internal/interfaces/http"
	"github.com/sawpanic/signalrun/internal/interfaces/http/handlers"
	"github.com/sawpanic/signalrun/internal/metrics"
)

// runMonitor serves the read-only monitor endpoints over the data dir's
// current books.
func runMonitor(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := openApp(ctx, resolveConfigPath(cmd))
	if err != nil {
		return err
	}
	defer a.Close()

	limits, err := a.budgets()
	if err != nil {
		return err
	}

	host := a.cfg.Monitor.Host
	port := a.cfg.Monitor.Port
	if v, _ := cmd.Flags().GetString("host"); v != "" {
		host = v
	}
	if v, _ := cmd.Flags().GetInt("port"); v > 0 {
		port = v
	}

	reg := metrics.NewRegistry()
	collector := metrics.NewCollector(reg, a.store, a.rep, limits, a.log)
	go collector.StartCollection(ctx)

	srv, err := monitor.NewServer(monitor.ServerConfig{Host: host, Port: port}, handlers.Deps{
		Store:    a.store,
		Rep:      a.rep,
		Exporter: a.exporter(),
		Limits:   limits,
		Persist:  a.persist,
		Metrics:  reg,
	}, a.log)
	if err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		log.Info().Msg("Shutdown signal received")
	case err := <-serverErr:
		return fmt.Errorf("monitor server: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info().Msg("Monitor server shutdown complete")
	return nil
}
