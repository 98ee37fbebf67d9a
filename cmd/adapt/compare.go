package main

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tsawler/go-adapt/adapt"
	"github.com/tsawler/go-adapt/datasets"
	"github.com/tsawler/go-adapt/device"
)

func newCompareCmd() *cobra.Command {
	var (
		opts    runOptions
		methods []string
		workers int
	)
	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Train several methods concurrently on the same data and compare them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			opts.apply(cmd, cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			parsed := make([]adapt.Method, 0, len(methods))
			for _, name := range methods {
				m, err := adapt.ParseMethod(name)
				if err != nil {
					return err
				}
				parsed = append(parsed, m)
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

			if workers <= 0 {
				workers = device.Detect().Workers()
			}
			logger.Debug("comparing methods", zap.Int("methods", len(parsed)), zap.Int("workers", workers))

			ctx, cancel := opts.context()
			defer cancel()
			exp := &experiment{cfg: cfg, data: data, store: store, logger: logger}
			results := make([]*result, len(parsed))
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(workers)
			for i, m := range parsed {
				g.Go(func() error {
					res, err := exp.run(gctx, m, true)
					if err != nil {
						return err
					}
					results[i] = res
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			sort.SliceStable(results, func(i, j int) bool {
				return results[i].TargetAccuracy > results[j].TargetAccuracy
			})
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "METHOD\tSOURCE ACC\tTARGET ACC\tTARGET F1\tFINAL LOSS\tDURATION\tRUN")
			for _, r := range results {
				fmt.Fprintf(tw, "%s\t%.2f%%\t%.2f%%\t%.4f\t%.4f\t%s\t%s\n",
					r.Method, 100*r.SourceAccuracy, 100*r.TargetAccuracy, r.TargetF1, r.FinalLoss,
					r.Duration.Round(time.Millisecond), r.RunID)
			}
			return tw.Flush()
		},
	}
	opts.register(cmd)
	cmd.Flags().StringSliceVar(&methods, "methods", []string{"dann", "cdan", "deepjdot"}, "Methods to compare")
	cmd.Flags().IntVar(&workers, "workers", 0, "Concurrent trainings (default: physical cores)")
	return cmd
}
