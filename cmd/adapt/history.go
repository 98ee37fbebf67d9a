package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/tsawler/go-adapt/history"
)

func newHistoryCmd() *cobra.Command {
	var (
		db     string
		limit  int
		runID  string
		remove bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded runs and their final losses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("db") {
				cfg.Output.HistoryDB = db
			}
			if cfg.Output.HistoryDB == "" {
				return fmt.Errorf("no history database configured")
			}
			store, err := history.Open(cfg.Output.HistoryDB)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx := context.Background()
			out := cmd.OutOrStdout()
			switch {
			case runID != "" && remove:
				if err := store.DeleteRun(ctx, runID); err != nil {
					return err
				}
				fmt.Fprintf(out, "deleted run %s\n", runID)
				return nil
			case runID != "":
				return printRun(cmd, store, runID)
			}

			runs, err := store.ListRuns(ctx, limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintf(out, "no runs recorded in %s\n", store.Path())
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "RUN\tMETHOD\tSTARTED\tSTATUS\tEPOCHS\tLOSS\tTASK\tALIGN\tTARGET ACC")
			for _, r := range runs {
				acc := "-"
				if r.TargetAccuracy >= 0 {
					acc = fmt.Sprintf("%.2f%%", 100*r.TargetAccuracy)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%.4f\t%.4f\t%.4f\t%s\n",
					r.ID, r.Method, r.StartedAt.Format(time.DateTime), r.Status, r.Epochs,
					r.FinalEpoch.TrainLoss, r.FinalEpoch.TaskLoss, r.FinalEpoch.AlignLoss, acc)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&db, "db", "", "History database path")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum runs to list, 0 for all")
	cmd.Flags().StringVar(&runID, "run", "", "Show the epochs of one run")
	cmd.Flags().BoolVar(&remove, "delete", false, "Delete the run given by --run")
	return cmd
}

func printRun(cmd *cobra.Command, store *history.Store, id string) error {
	ctx := context.Background()
	run, err := store.GetRun(ctx, id)
	if err != nil {
		return err
	}
	epochs, err := store.Epochs(ctx, id)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %s (%s, %s)\n\n", run.ID, run.Method, run.Status)
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "EPOCH\tLOSS\tTASK\tALIGN\tTRAIN ACC\tVALID LOSS\tLR\tTIME")
	for _, m := range epochs {
		fmt.Fprintf(tw, "%d\t%.4f\t%.4f\t%.4f\t%.2f%%\t%.4f\t%.5f\t%s\n",
			m.Epoch+1, m.TrainLoss, m.TaskLoss, m.AlignLoss, 100*m.TrainAccuracy, m.ValidLoss,
			m.LearningRate, m.EpochDuration.Round(time.Millisecond))
	}
	return tw.Flush()
}
