package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dgnsrekt/bonus_agent/internal/config"
	"github.com/dgnsrekt/bonus_agent/internal/history"
	"github.com/dgnsrekt/bonus_agent/internal/workflow"
	"github.com/spf13/cobra"
)

func newHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent claim runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.HistoryFile == "" {
				return fmt.Errorf("run history is disabled (BONUS_HISTORY_FILE is empty)")
			}
			j, err := history.Open(cfg.HistoryFile)
			if err != nil {
				return err
			}
			defer j.Close()

			runs, err := j.Recent(limit)
			if err != nil {
				return err
			}
			return printRuns(cmd.OutOrStdout(), runs)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "number of runs to show")
	return cmd
}

func printRuns(w io.Writer, runs []history.Record) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FINISHED\tRESULT\tDETAIL\tID")
	for _, r := range runs {
		result, detail := r.Outcome, ""
		if r.ErrorCode != "" {
			result, detail = r.ErrorCode, r.Error
		} else if r.NextAvailable != nil {
			detail = "next " + r.NextAvailable.Format(workflow.TimestampLayout)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.FinishedAt.Local().Format(time.DateTime), result, detail, r.ID)
	}
	return tw.Flush()
}
