package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kestrelsearch/kestrel/internal/rag"
)

var (
	queryTopK     int
	queryExpand   bool
	queryNoFusion bool
	queryAugment  bool
	queryMaxChars int
	querySystem   string
)

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Retrieve chunks for a query",
	Args:  cobra.MinimumNArgs(1),
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

		query := strings.Join(args, " ")

		var opts []rag.Option
		if queryTopK > 0 {
			opts = append(opts, rag.WithTopK(queryTopK))
		}
		if queryNoFusion {
			opts = append(opts, rag.WithFusion(false))
		}
		if queryExpand {
			opts = append(opts, rag.WithExpansion())
		}

		if queryAugment {
			if querySystem != "" {
				opts = append(opts, rag.WithSystemPrompt(querySystem))
			}
			prompt, err := retriever.AugmentPrompt(cmd.Context(), query, queryMaxChars, opts...)
			if err != nil {
				return err
			}
			fmt.Println(prompt)
			return nil
		}

		results, err := retriever.Retrieve(cmd.Context(), query, opts...)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			fmt.Println("No results.")
			return nil
		}

		for i, res := range results {
			fmt.Printf("%d. [%s] (score: %.3f)\n", i+1, res.Chunk.Title, res.Score())
			fmt.Printf("   %s\n", res.Chunk.Preview)
		}
		return nil
	},
}

func init() {
	queryCmd.Flags().IntVarP(&queryTopK, "top-k", "k", 0, "number of results (default from config)")
	queryCmd.Flags().BoolVar(&queryExpand, "expand", false, "union results from derived query variants")
	queryCmd.Flags().BoolVar(&queryNoFusion, "no-fusion", false, "rank by similarity only, skip score fusion")
	queryCmd.Flags().BoolVar(&queryAugment, "augment", false, "print an augmented prompt instead of results")
	queryCmd.Flags().IntVar(&queryMaxChars, "max-chars", 4000, "context budget for --augment")
	queryCmd.Flags().StringVar(&querySystem, "system", "", "system prompt prepended by --augment")
	rootCmd.AddCommand(queryCmd)
}
