package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kestrelsearch/kestrel/internal/rag"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show index and engine statistics",
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

		if err := retriever.Initialize(cmd.Context()); err != nil {
			return err
		}

		stats := retriever.Stats()
		fmt.Printf("Chunks:       %d\n", stats.NumChunks)
		fmt.Printf("Keyword docs: %d\n", stats.KeywordDocs)
		fmt.Printf("Vectors:      %d\n", stats.VectorCount)
		fmt.Printf("Degraded:     %v\n", stats.Degraded)
		fmt.Printf("Fusion:       %v (semantic %.2f, keyword %.2f)\n",
			stats.UseFusion, stats.SemanticWeight, stats.KeywordWeight)
		fmt.Printf("Retrievals:   %d (total %s, avg %s, last %s)\n",
			stats.Engine.NumRetrievals,
			stats.Engine.TotalQueryTime.Round(time.Millisecond),
			stats.Engine.AvgQueryTime.Round(time.Millisecond),
			stats.Engine.LastQueryTime.Round(time.Millisecond))
		if stats.Engine.CacheStats != nil {
			cs := stats.Engine.CacheStats
			fmt.Printf("Cache:        %d entries, %.1f%% hit rate (%d hits, %d misses, %d evictions)\n",
				cs.Size, cs.HitRate, cs.Hits, cs.Misses, cs.Evictions)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
