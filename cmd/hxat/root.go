package main

import (
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "hxat",
		Short:         "LTI launch and annotation gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file (HXAT_* env vars override it)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newSignLaunchCommand())
	return cmd
}
