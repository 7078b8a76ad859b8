package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/pslog"
	"pkt.systems/ttyx/internal/appconfig"
)

func newConfigCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the ttyx config file",
	}
	cmd.AddCommand(newConfigInitCmd(flags))
	cmd.AddCommand(newConfigPathCmd(flags))
	return cmd
}

func newConfigInitCmd(flags *globalFlags) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := appconfig.WriteDefault(flags.configPath, force)
			if err != nil {
				return err
			}
			pslog.Ctx(cmd.Context()).Info("config written", "path", path)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing config")
	return cmd
}

func newConfigPathCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the config file path in use",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := flags.configPath
			if path == "" {
				var err error
				if path, err = appconfig.DefaultConfigPath(); err != nil {
					return err
				}
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), path)
			return err
		},
	}
}
