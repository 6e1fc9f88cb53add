// Package cmd implements the kestrel CLI.
package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/kestrelsearch/kestrel/internal/config"
	"github.com/kestrelsearch/kestrel/internal/logging"
)

var (
	configPath string
	dataDir    string
	indexDir   string
	debugMode  bool
)

var rootCmd = &cobra.Command{
	Use:   "kestrel",
	Short: "Local knowledge-base hybrid retrieval engine",
	Long: `Kestrel indexes a directory of text documents and answers queries with
hybrid retrieval: BM25 keyword scoring fused with vector similarity,
with optional cross-encoder reranking.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data", "", "source document directory (overrides config)")
	rootCmd.PersistentFlags().StringVar(&indexDir, "index", "", "index artifact directory (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "enable debug logging")
}

// loadConfig reads the configuration file (or defaults when none is
// given) and applies CLI overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if indexDir != "" {
		cfg.IndexDir = indexDir
	}
	if debugMode {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// setupLogging builds the logger from config, honoring --debug.
func setupLogging(cfg config.Config) (*slog.Logger, func(), error) {
	logCfg := logging.DefaultConfig()
	if cfg.Logging.Level != "" {
		logCfg.Level = cfg.Logging.Level
	}
	logCfg.FilePath = cfg.Logging.FilePath
	return logging.Setup(logCfg)
}
