package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"patchline/internal/analytics"
	"patchline/internal/config"
	"patchline/internal/db"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect archived runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List archived runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openArchive()
		if err != nil {
			return err
		}
		defer database.Close()

		limit, _ := cmd.Flags().GetInt("limit")
		rows, err := database.ListRuns(limit)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "RUN\tREPO\tITEM\tSTATUS\tITER\tFINISHED")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%s/%s\t%s #%d\t%s\t%d\t%s\n",
				shortID(r.ID), r.RepoOwner, r.RepoName, r.Kind, r.Number,
				r.Status, r.RepairIterations, r.FinishedAt)
		}
		return w.Flush()
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show one archived run with its stage results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openArchive()
		if err != nil {
			return err
		}
		defer database.Close()

		run, stages, err := database.GetRun(args[0])
		if err != nil {
			return err
		}
		if run == nil {
			return fmt.Errorf("run %s not found", args[0])
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "run:     %s\n", run.ID)
		fmt.Fprintf(out, "item:    %s/%s %s #%d\n", run.RepoOwner, run.RepoName, run.Kind, run.Number)
		if run.Title != "" {
			fmt.Fprintf(out, "title:   %s\n", run.Title)
		}
		fmt.Fprintf(out, "status:  %s", run.Status)
		if run.Error != "" {
			fmt.Fprintf(out, " (%s)", run.Error)
		}
		fmt.Fprintln(out)
		fmt.Fprintf(out, "repairs: %d\n", run.RepairIterations)
		fmt.Fprintf(out, "window:  %s .. %s\n\n", run.StartedAt, run.FinishedAt)

		for _, s := range stages {
			fmt.Fprintf(out, "  %-16s %s\n", s.Stage, s.Status)
			if s.Error != "" {
				fmt.Fprintf(out, "    %s\n", s.Error)
			}
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON && run.Result != "" {
			var pretty json.RawMessage = []byte(run.Result)
			data, err := json.MarshalIndent(pretty, "", "  ")
			if err == nil {
				fmt.Fprintf(out, "\n%s\n", data)
			}
		}
		return nil
	},
}

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate statistics over archived runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openArchive()
		if err != nil {
			return err
		}
		defer database.Close()

		since, _ := cmd.Flags().GetString("since")
		out := cmd.OutOrStdout()

		outcomes, err := analytics.QueryOutcomes(database, since)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "runs: %d total, %d succeeded, %d failed, %d cancelled\n",
			outcomes.Total, outcomes.Succeeded, outcomes.Failed, outcomes.Cancelled)
		fmt.Fprintf(out, "first-pass success: %.1f%%, repaired: %.1f%%\n\n",
			outcomes.FirstPass, outcomes.Repaired)

		repairs, err := analytics.QueryRepairDistribution(database, since)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "repair iterations: 1: %.1f%%  2: %.1f%%  3+: %.1f%%\n\n",
			repairs.One, repairs.Two, repairs.ThreePlus)

		durations, err := analytics.QueryStageDurations(database, since)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STAGE\tCOUNT\tAVG(s)\tP50(s)\tP95(s)")
		for _, d := range durations {
			fmt.Fprintf(w, "%s\t%d\t%.1f\t%.1f\t%.1f\n", d.Stage, d.Count, d.Avg, d.P50, d.P95)
		}
		if err := w.Flush(); err != nil {
			return err
		}

		failures, err := analytics.QueryStageFailures(database, since)
		if err != nil {
			return err
		}
		fmt.Fprintln(out)
		w = tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "STAGE\tRUNS\tFAIL%\tCOMMON ERRORS")
		for _, f := range failures {
			fmt.Fprintf(w, "%s\t%d\t%.1f\t%s\n", f.Stage, f.Total, f.FailRate, f.CommonKinds)
		}
		return w.Flush()
	},
}

func openArchive() (*db.DB, error) {
	cfg, err := config.LoadDefault()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	path, err := db.DefaultDBPath(cfg.Patchline.DataDir)
	if err != nil {
		return nil, err
	}
	database, err := db.Open(path)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func init() {
	runsListCmd.Flags().Int("limit", 50, "Maximum runs to list")
	runsShowCmd.Flags().Bool("json", false, "Print the full result JSON")
	runsStatsCmd.Flags().String("since", "", "Only include runs finished at or after this RFC3339 timestamp")
	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStatsCmd)
}
