package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"patchline/internal/config"
	"patchline/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run <owner>/<repo> <number>",
	Short: "Run the pipeline once against a single issue or pull request",
	Long: `Fetch a work item from GitHub, drive it through the full pipeline in
process, and print progress as stages complete. The patch and all stage
artifacts are archived under the data directory; --create-pr additionally
pushes the patch as a branch and opens a pull request.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, name, err := splitRepo(args[0])
		if err != nil {
			return err
		}
		number, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid number %q", args[1])
		}

		kind := pipeline.KindIssue
		if isPR, _ := cmd.Flags().GetBool("pr"); isPR {
			kind = pipeline.KindPullRequest
		}

		cfg, err := config.LoadDefault()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		svc, err := buildServices(cfg)
		if err != nil {
			return err
		}
		defer svc.close()

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "fetching %s %s#%d...\n", kind, args[0], number)
		item, err := svc.gh.FetchWorkItem(owner, name, kind, number)
		if err != nil {
			return fmt.Errorf("fetch work item: %w", err)
		}

		runID, err := svc.orch.StartRun(*item)
		if err != nil {
			return err
		}
		ch, cancel := svc.broker.Subscribe(runID)
		defer cancel()
		fmt.Fprintf(out, "run %s started\n", runID)

		for ev := range ch {
			printEvent(out, ev)
		}

		run, err := svc.registry.Get(runID)
		if err != nil {
			return err
		}
		snap := run.Snapshot()

		if snap.Result != nil && snap.Result.Patch != nil {
			fmt.Fprintf(out, "\npatch archived at %s\n", svc.artifacts.PatchPath(runID))
		}
		// The subscription may have missed events (started after StartRun,
		// or dropped as a slow subscriber); the terminal status on the run
		// record is authoritative.
		if err := runOutcomeErr(runID, snap); err != nil {
			return err
		}

		if createPR, _ := cmd.Flags().GetBool("create-pr"); createPR {
			checkout, _ := cmd.Flags().GetString("checkout")
			if checkout == "" {
				return fmt.Errorf("--create-pr requires --checkout pointing at a local clone")
			}
			if snap.Result == nil || snap.Result.Patch == nil {
				return fmt.Errorf("run produced no patch to publish")
			}
			pr, err := svc.gh.PublishPatch(checkout, snap.Result)
			if err != nil {
				return fmt.Errorf("publish patch: %w", err)
			}
			fmt.Fprintf(out, "opened %s\n", pr.URL)
		}
		return nil
	},
}

func init() {
	runCmd.Flags().Bool("pr", false, "Treat the number as a pull request instead of an issue")
	runCmd.Flags().Bool("create-pr", false, "Push the verified patch and open a pull request")
	runCmd.Flags().String("checkout", "", "Local clone to publish the patch from")
}

// runOutcomeErr converts a terminal run snapshot into the command's exit
// error.
func runOutcomeErr(runID string, snap pipeline.RunSnapshot) error {
	if snap.Status == pipeline.StatusSucceeded {
		return nil
	}
	if snap.Error != "" {
		return fmt.Errorf("run %s %s: %s", runID, snap.Status, snap.Error)
	}
	return fmt.Errorf("run %s %s", runID, snap.Status)
}

func splitRepo(s string) (owner, name string, err error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repository %q: expected owner/repo", s)
	}
	return parts[0], parts[1], nil
}

// printEvent renders one pipeline event as a progress line.
func printEvent(out io.Writer, ev pipeline.Event) {
	switch ev.Name {
	case "start":
		return
	case "complete":
		fmt.Fprintf(out, "✓ pipeline complete\n")
		return
	case "error":
		msg := ""
		if m, ok := ev.Payload.(map[string]any); ok {
			msg, _ = m["message"].(string)
		}
		fmt.Fprintf(out, "✗ %s\n", msg)
		return
	}

	status, message, iteration := eventFields(ev.Payload)
	switch status {
	case "running":
		if iteration > 0 {
			fmt.Fprintf(out, "→ %s (iteration %d): %s\n", ev.Name, iteration, message)
		} else {
			fmt.Fprintf(out, "→ %s: %s\n", ev.Name, message)
		}
	case "done":
		fmt.Fprintf(out, "  %s done\n", ev.Name)
	case "error":
		fmt.Fprintf(out, "  %s failed: %s\n", ev.Name, message)
	}
}

// eventFields pulls the common fields out of a stage event payload.
func eventFields(payload any) (status, message string, iteration int) {
	m, ok := payload.(map[string]any)
	if !ok {
		// Payload may arrive as a marshaled structure in tests.
		data, err := json.Marshal(payload)
		if err != nil {
			return "", "", 0
		}
		if json.Unmarshal(data, &m) != nil {
			return "", "", 0
		}
	}
	status, _ = m["status"].(string)
	message, _ = m["message"].(string)
	switch it := m["iteration"].(type) {
	case int:
		iteration = it
	case float64:
		iteration = int(it)
	}
	return status, message, iteration
}
