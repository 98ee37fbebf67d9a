// Command adapt trains domain adaptation estimators on synthetic signals.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tsawler/go-adapt/config"
)

var (
	// Global flags
	verbose    bool
	configPath string

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "adapt",
	Short: "Deep domain adaptation with DANN, CDAN and DeepJDOT",
	Long: `adapt trains a small 1D convolutional network on a labelled source domain
and an unlabelled target domain of synthetic multichannel signals, aligning
the two with an adversarial domain classifier (DANN, CDAN) or an optimal
transport coupling (DeepJDOT).

Runs are recorded in a SQLite history database.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// loadConfig reads --config, or the defaults when it is not given.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromPath(configPath)
	}
	cfg := config.DefaultConfig()
	if path := os.Getenv("ADAPT_HISTORY_DB"); path != "" {
		cfg.Output.HistoryDB = path
	}
	return cfg, nil
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML experiment config")

	rootCmd.AddCommand(newFitCmd())
	rootCmd.AddCommand(newCompareCmd())
	rootCmd.AddCommand(newHistoryCmd())
	rootCmd.AddCommand(summaryCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
