package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"patchline/internal/prompt"
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "Prompt template management",
}

var templatesInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install the built-in stage prompt templates for editing",
	Long: `Write the built-in stage templates to ~/.patchline/templates/ so they can
be customized. Existing files are never overwritten; rendered prompts prefer
a project-level template, then the installed copy, then the built-in.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := prompt.InstallBuiltinTemplates(); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "templates installed to ~/.patchline/templates/")
		return nil
	},
}

func init() {
	templatesCmd.AddCommand(templatesInstallCmd)
}
