package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/sawpanic/signalrun/internal/config"
)

const (
	appName = "SignalRun"
	version = "v1.2.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stdin.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     "signalrun",
		Short:   "Track crypto signal channels by what their calls actually did",
		Version: version,
		Long: `SignalRun follows token mentions from crypto signal channels, prices every
call through a provider fallback chain, captures checkpoints out to 30 days,
classifies the outcome, and learns per-channel reputation from the results.

Bootstrap replays an archived mention history; live keeps the books current.`,
	}
	rootCmd.PersistentFlags().String("config", "",
		"config file (default "+config.DefaultPath()+" when present)")

	bootstrapCmd := &cobra.Command{
		Use:   "bootstrap",
		Short: "Replay archived mention history into the tracking books",
		Long: `Drives a JSONL mention archive chronologically through entry pricing,
checkpoint capture, terminal classification, and learning. A run interrupted
mid-way resumes from its progress cursor.`,
		RunE: runBootstrap,
	}
	bootstrapCmd.Flags().String("history", "", "mention history JSONL file (required)")
	bootstrapCmd.Flags().Var(&bootstrapChannels, "channels",
		"restrict replay to these channel ids (comma-separated, repeatable)")
	bootstrapCmd.MarkFlagRequired("history")

	liveCmd := &cobra.Command{
		Use:   "live",
		Short: "Run the periodic live tracking loop",
		Long: `Advances every active signal once per cycle, archives and learns from the
ones that go terminal, and admits fresh mentions from the stream endpoint
when one is configured. Runs until interrupted; shutdown drains in-flight
work and flushes the books.`,
		RunE: runLive,
	}

	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Write read-model snapshots as JSON files",
		Long: `Materializes the messages, channel-rankings, channel-token, token-cross
and performance read models from the current books into an output directory.`,
		RunE: runExport,
	}
	exportCmd.Flags().String("out", "out/readmodels", "output directory")

	monitorCmd := &cobra.Command{
		Use:   "monitor",
		Short: "Serve read-only health, metrics, and read-model endpoints",
		Long: `Starts the monitor HTTP server over the data directory's current books:
/health, Prometheus /metrics, and the read-model JSON routes. Read-only;
nothing served here mutates tracker state.`,
		RunE: runMonitor,
	}
	monitorCmd.Flags().String("host", "", "bind host (default from config)")
	monitorCmd.Flags().Int("port", 0, "bind port (default from config)")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Print tracker book and cache counters",
		RunE:  runStatus,
	}
	statusCmd.Flags().Bool("json", false, "output status as JSON")

	rootCmd.AddCommand(bootstrapCmd)
	rootCmd.AddCommand(liveCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(statusCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

// resolveConfigPath keeps the file optional: an explicit --config must
// exist (Load fails if it doesn't), otherwise the conventional path is
// used when present and pure defaults when not.
func resolveConfigPath(cmd *cobra.Command) string {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return path
	}
	if _, err := os.Stat(config.DefaultPath()); err == nil {
		return config.DefaultPath()
	}
	return ""
}
