package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kestrelsearch/kestrel/internal/rag"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Rebuild the index automatically when the data directory changes",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		cfg.WatchData = true
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

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := retriever.Initialize(ctx); err != nil {
			return err
		}

		fmt.Printf("Watching %s (Ctrl+C to stop)\n", cfg.DataDir)
		<-ctx.Done()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
