package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tsawler/go-adapt/adapt"
	"github.com/tsawler/go-adapt/checkpoints"
	"github.com/tsawler/go-adapt/device"
	"github.com/tsawler/go-adapt/layers"
	"github.com/tsawler/go-adapt/training"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Print the ToyCNN and domain classifier architectures for the configured data",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		cnn, err := adapt.ToyCNNSpec(cfg.ToyCNNConfig(), cfg.Training.BatchSize)
		if err != nil {
			return err
		}
		training.NewModelArchitecturePrinter(out, "ToyCNN").PrintArchitecture(cnn)

		fc, _ := cnn.Layer("fc")
		features := layers.IntParam(fc.Parameters, "input_size", 0)
		dc, err := adapt.DomainClassifierSpec(features, adapt.DomainClassifierConfig{Hidden: cfg.Model.Hidden})
		if err != nil {
			return err
		}
		fmt.Fprintln(out)
		training.NewModelArchitecturePrinter(out, "DomainClassifier").PrintArchitecture(dc)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version and the CPU description",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "adapt %s (%s checkpoint format %s)\n", version, checkpoints.FrameworkName, checkpoints.FormatVersion)
		fmt.Fprintln(out, device.Detect())
	},
}
