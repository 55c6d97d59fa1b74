package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// runExport dumps the read models to disk.
func runExport(cmd *cobra.Command, args []string) error {
	outDir, _ := cmd.Flags().GetString("out")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := openApp(ctx, resolveConfigPath(cmd))
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.exporter().WriteAll(outDir); err != nil {
		return fmt.Errorf("export read models: %w", err)
	}

	active, completed := a.store.Counts()
	fmt.Printf("Exported read models for %d signals (%d active, %d completed) to %s\n",
		active+completed, active, completed, outDir)
	return nil
}
