package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// trackerStatus is the status command's output shape.
type trackerStatus struct {
	Version          string       `json:"version"`
	GeneratedAt      time.Time    `json:"generated_at"`
	DataDir          string       `json:"data_dir"`
	ActiveSignals    int          `json:"active_signals"`
	CompletedSignals int          `json:"completed_signals"`
	Channels         int          `json:"channels"`
	CrossTokens      int          `json:"cross_tokens"`
	CachedTokens     int          `json:"cached_tokens"`
	Mirror           mirrorStatus `json:"mirror"`
}

type mirrorStatus struct {
	Enabled   bool   `json:"enabled"`
	Reachable bool   `json:"reachable"`
	Error     string `json:"error,omitempty"`
}

// runStatus prints the book and cache counters for the data directory.
func runStatus(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a, err := openApp(ctx, resolveConfigPath(cmd))
	if err != nil {
		return err
	}
	defer a.Close()

	st := trackerStatus{
		Version:     version,
		GeneratedAt: time.Now().UTC(),
		DataDir:     a.cfg.DataDir,
	}
	st.ActiveSignals, st.CompletedSignals = a.store.Counts()
	st.Channels, st.CrossTokens = a.rep.Counts()
	st.CachedTokens = countCachedTokens(a.priceCacheDir())

	st.Mirror.Enabled = a.cfg.Mirror.Enabled
	if a.persist.IsEnabled() {
		if err := a.persist.Ping(ctx); err != nil {
			st.Mirror.Error = err.Error()
		} else {
			st.Mirror.Reachable = true
		}
	} else if st.Mirror.Enabled {
		st.Mirror.Error = "unreachable at startup"
	}

	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	}

	fmt.Printf("%s %s\n", appName, version)
	fmt.Printf("Data dir:          %s\n", st.DataDir)
	fmt.Printf("Active signals:    %d\n", st.ActiveSignals)
	fmt.Printf("Completed signals: %d\n", st.CompletedSignals)
	fmt.Printf("Channels learned:  %d\n", st.Channels)
	fmt.Printf("Cross-token stats: %d\n", st.CrossTokens)
	fmt.Printf("Cached tokens:     %d\n", st.CachedTokens)
	switch {
	case !st.Mirror.Enabled:
		fmt.Printf("Postgres mirror:   disabled\n")
	case st.Mirror.Reachable:
		fmt.Printf("Postgres mirror:   connected\n")
	default:
		fmt.Printf("Postgres mirror:   unreachable (%s)\n", st.Mirror.Error)
	}
	return nil
}

// countCachedTokens counts point-cache files; the cache keeps one file
// per token.
func countCachedTokens(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			n++
		}
	}
	return n
}
