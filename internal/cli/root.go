// Package cli implements the patchline command tree.
package cli

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var rootCmd = &cobra.Command{
	Use:   "patchline",
	Short: "patchline — an automated issue-to-patch pipeline",
	Long: `patchline drives GitHub issues and pull requests through a five-stage
analysis pipeline (reconnaissance, planning, design, generation, verification)
and produces a verified patch.

Run it as a server (patchline serve) streaming progress over SSE, or one-shot
against a single issue (patchline run). State is stored under ~/.patchline/
(SQLite for the run archive, JSON artifacts per run).`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Best-effort: a missing .env is fine, real env vars win.
		_ = godotenv.Load()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(runsCmd)
	rootCmd.AddCommand(dbCmd)
	rootCmd.AddCommand(templatesCmd)
	rootCmd.AddCommand(configCmd)
}
