package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kestrelsearch/kestrel/internal/rag"
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Build (or rebuild) the index from the data directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger, cleanup, err := setupLogging(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		retriever, err := rag.New(cfg, logger)
		if err != nil {
			return err
		}
		defer func() { _ = retriever.Close() }()

		if err := retriever.Build(cmd.Context()); err != nil {
			return err
		}

		stats := retriever.Stats()
		fmt.Printf("Index built: %d chunks (%s)\n", stats.NumChunks, cfg.IndexDir)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(buildCmd)
}
