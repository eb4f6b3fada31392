package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"patchline/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Validate a patchline config file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var cfg *config.Config
		var err error
		if len(args) == 1 {
			cfg, err = config.Load(args[0])
		} else {
			cfg, err = config.LoadDefault()
		}
		if err != nil {
			return err
		}

		errs := config.Validate(cfg)
		if len(errs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "config is valid")
			return nil
		}
		for _, e := range errs {
			fmt.Fprintf(cmd.OutOrStdout(), "error: %s\n", e.Error())
		}
		return fmt.Errorf("%d validation error(s)", len(errs))
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadDefault()
		if err != nil {
			return err
		}
		p := cfg.Patchline
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "model:                 %s\n", p.Model)
		fmt.Fprintf(out, "data dir:              %s\n", p.DataDir)
		fmt.Fprintf(out, "server port:           %d\n", p.Server.Port)
		fmt.Fprintf(out, "max concurrent runs:   %d\n", p.Runs.MaxConcurrent)
		fmt.Fprintf(out, "max repair iterations: %d\n", p.Runs.MaxRepairIterations)
		fmt.Fprintf(out, "run timeout:           %s\n", p.Runs.RunTimeoutDuration())
		fmt.Fprintf(out, "retention:             %s\n", p.Runs.RetentionDuration())
		if p.Sandbox.Command != "" {
			fmt.Fprintf(out, "sandbox:               %q in %s\n", p.Sandbox.Command, p.Sandbox.Workdir)
		} else {
			fmt.Fprintf(out, "sandbox:               disabled (model review)\n")
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configShowCmd)
}
