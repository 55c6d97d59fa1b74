package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/sawpanic/signalrun/internal/bootstrap"
	"github.com/sawpanic/signalrun/internal/ingest"
)

// channelList is the --channels flag value: a set of channel ids built
// from comma-separated, repeatable occurrences.
type channelList struct {
	ids map[string]bool
}

var _ pflag.Value = (*channelList)(nil)

var bootstrapChannels channelList

func (c *channelList) String() string {
	ids := make([]string, 0, len(c.ids))
	for id := range c.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return strings.Join(ids, ",")
}

func (c *channelList) Set(v string) error {
	if c.ids == nil {
		c.ids = make(map[string]bool)
	}
	for _, id := range strings.Split(v, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			return fmt.Errorf("empty channel id in %q", v)
		}
		c.ids[id] = true
	}
	return nil
}

func (c *channelList) Type() string { return "channels" }

func (c *channelList) match(id string) bool {
	return len(c.ids) == 0 || c.ids[id]
}

// runBootstrap replays a mention archive into the tracking books.
func runBootstrap(cmd *cobra.Command, args []string) error {
	historyPath, _ := cmd.Flags().GetString("history")

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

	reader := ingest.NewHistoryReader(historyPath, a.log)
	mentions, skipped, err := reader.ReadAll()
	if err != nil {
		return err
	}
	if len(bootstrapChannels.ids) > 0 {
		kept := mentions[:0]
		for _, m := range mentions {
			if bootstrapChannels.match(m.ChannelID) {
				kept = append(kept, m)
			}
		}
		mentions = kept
		log.Info().
			Str("channels", bootstrapChannels.String()).
			Int("remaining", len(mentions)).
			Msg("Channel filter applied")
	}
	if len(mentions) == 0 {
		fmt.Println("No mentions to replay")
		return nil
	}

	// Interrupt cancels the run; the progress cursor makes the next
	// invocation pick up where this one stopped.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)
	go func() {
		<-quit
		log.Info().Msg("Shutdown signal received")
		cancel()
	}()

	runner := bootstrap.NewRunner(bootstrap.Config{
		DataDir: a.cfg.DataDir,
		Workers: a.cfg.WorkerPoolSize,
	}, a.store, stack.prices, stack.engine, a.rep, a.res, a.sched, a.log)

	stats, runErr := runner.Run(ctx, mentions)

	fmt.Printf("Processed %d of %d messages (%d admitted, %d archived, %d still active)\n",
		stats.Processed, stats.TotalMessages, stats.Admitted, stats.Archived, stats.LeftActive)
	fmt.Printf("Learned %d outcomes; %d duplicates, %d failed, %d forced losers\n",
		stats.LearnedOutcomes, stats.Duplicates, stats.Failed, stats.ForcedLosers)
	if skipped > 0 {
		fmt.Printf("Dropped %d unparseable history lines\n", skipped)
	}
	if len(stats.SkipReasons) > 0 {
		reasons := make([]string, 0, len(stats.SkipReasons))
		for reason := range stats.SkipReasons {
			reasons = append(reasons, reason)
		}
		sort.Strings(reasons)
		for _, reason := range reasons {
			fmt.Printf("  skipped %-24s %d\n", reason, stats.SkipReasons[reason])
		}
	}

	if runErr != nil {
		return fmt.Errorf("bootstrap: %w", runErr)
	}
	fmt.Println("Bootstrap complete")
	return nil
}
