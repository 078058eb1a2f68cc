package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/caselens/citeminer/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "citeminer",
	Short: "Adaptive legal citation extraction engine",
	Long:  "Extracts legal citations from court opinions, clusters parallel citations, verifies them against CourtListener, and learns new citation patterns from verified results.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
