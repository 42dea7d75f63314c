package cli

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/flynn-ai/edgeroute/internal/config"
)

func (a *app) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(a.cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", a.cfgPath)
			}
			if err := config.Default().Save(a.cfgPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", a.cfgPath)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with keys masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := *a.cfg
			cfg.Cloud.Providers = append([]config.ProviderConfig(nil), a.cfg.Cloud.Providers...)
			for i := range cfg.Cloud.Providers {
				if cfg.Cloud.Providers[i].APIKey != "" {
					cfg.Cloud.Providers[i].APIKey = "***"
				}
			}
			return toml.NewEncoder(cmd.OutOrStdout()).Encode(&cfg)
		},
	}

	cmd.AddCommand(initCmd, showCmd)
	return cmd
}
