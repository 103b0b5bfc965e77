package commands

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/codeforge/pkg/codeforge/credentials"
)

// newConfigCmd creates `codeforge config`.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration as YAML",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, path, err := resolveConfig(cmd)
				if err != nil {
					return err
				}
				shown := *cfg
				shown.Families = cfg.ResolvedFamilies()
				if shown.Server.AuthToken != "" {
					shown.Server.AuthToken = credentials.Mask(shown.Server.AuthToken)
				}
				data, err := yaml.Marshal(&shown)
				if err != nil {
					return err
				}
				if path != "" {
					fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", path)
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Check the configuration file",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				_, path, err := resolveConfig(cmd)
				if err != nil {
					return err
				}
				if path == "" {
					path = "built-in defaults"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Configuration OK (%s).\n", path)
				return nil
			},
		},
	)
	return cmd
}
