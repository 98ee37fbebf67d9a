package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tsawler/go-adapt/adapt"
	"github.com/tsawler/go-adapt/datasets"
)

func newFitCmd() *cobra.Command {
	var (
		opts   runOptions
		method string
		quiet  bool
	)
	cmd := &cobra.Command{
		Use:   "fit",
		Short: "Train one estimator on synthetic source and target signals",
		Example: `  adapt fit --method dann --epochs 20
  adapt fit --method deepjdot --layers feature_extractor,fc --checkpoint out/jdot.bin --format binary`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			opts.apply(cmd, cfg)
			if cmd.Flags().Changed("method") {
				cfg.Method = method
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			m, err := adapt.ParseMethod(cfg.Method)
			if err != nil {
				return err
			}

			data, err := datasets.Generate(cfg.Data)
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			if store != nil {
				defer store.Close()
			}

			ctx, cancel := opts.context()
			defer cancel()
			exp := &experiment{cfg: cfg, data: data, store: store, logger: logger}
			if !quiet {
				exp.progress = cmd.ErrOrStderr()
			}
			res, err := exp.run(ctx, m, false)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "method:          %s\n", res.Method)
			fmt.Fprintf(out, "run:             %s\n", res.RunID)
			fmt.Fprintf(out, "final loss:      %.4f\n", res.FinalLoss)
			fmt.Fprintf(out, "source accuracy: %.2f%%\n", 100*res.SourceAccuracy)
			fmt.Fprintf(out, "target accuracy: %.2f%%\n", 100*res.TargetAccuracy)
			fmt.Fprintf(out, "target macro F1: %.4f\n", res.TargetF1)
			if res.Checkpoint != "" {
				fmt.Fprintf(out, "checkpoint:      %s\n", res.Checkpoint)
			}
			fmt.Fprintln(out)
			printConfusion(out, res.Confusion)
			return nil
		},
	}
	opts.register(cmd)
	cmd.Flags().StringVarP(&method, "method", "m", "dann", "Method: dann, cdan or deepjdot")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Hide the progress bar")
	return cmd
}
