package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkgman/pkg/config"
	"pkgman/pkg/trust"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the configuration directory and default state files",
		Long: `Create the config directory, the packages and data directories, a
config file, a keyring trusting only the root anchor and an empty
package list. Existing files are kept.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			res, err := config.Init(cfg, configPath(), trust.Root)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, titleStyle.Render("pkgman initialized in "+cfg.ConfigDir))
			if len(res.Created) == 0 {
				fmt.Fprintln(out, mutedStyle.Render("  everything already in place"))
			}
			for _, p := range res.Created {
				fmt.Fprintln(out, successStyle.Render("  created ")+p)
			}
			return nil
		},
	}
}
