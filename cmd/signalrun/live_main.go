package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/signalrun/internal/ingest"
	"github.com/sawpanic/signalrun/internal/live"
)

// liveDrainTimeout bounds how long shutdown waits for the current cycle
// to finish and the books to flush.
const liveDrainTimeout = 30 * time.Second

// runLive runs the advancement loop until interrupted.
func runLive(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := openApp(ctx, resolveConfigPath(cmd))
	if err != nil {
		return err
	}
	defer a.Close()

	stack, err := a.pricing()
	if err != nil {
		return err
	}
	defer stack.Close()

	var mentions <-chan ingest.Mention
	if a.cfg.Stream.URL != "" {
		receiver := ingest.NewStreamReceiver(ingest.StreamConfig{
			URL:    a.cfg.Stream.URL,
			Buffer: a.cfg.Stream.Buffer,
		}, a.log)
		go receiver.Run(ctx)
		mentions = receiver.Mentions()
	} else {
		log.Info().Msg("No stream endpoint configured; cycling without live intake")
	}

	orch := live.New(live.Config{
		CyclePeriod: a.cfg.CyclePeriod(),
		Workers:     a.cfg.WorkerPoolSize,
	}, a.store, stack.prices, stack.engine, a.rep, a.res, a.log)

	active, completed := a.store.Counts()
	log.Info().
		Dur("cycle_period", a.cfg.CyclePeriod()).
		Int("workers", a.cfg.WorkerPoolSize).
		Int("active", active).
		Int("completed", completed).
		Msg("Live loop starting")

	runErr := make(chan error, 1)
	go func() { runErr <- orch.Run(ctx, mentions) }()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
		log.Info().Msg("Shutdown signal received")
		cancel()
		select {
		case <-runErr:
		case <-time.After(liveDrainTimeout):
			log.Warn().Dur("timeout", liveDrainTimeout).Msg("Drain timed out; exiting anyway")
		}
		return nil
	case err := <-runErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
}
