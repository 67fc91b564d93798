package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/wrapper"
)

func newStopCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the Switchboard daemon",
		Long:  "Asks the running daemon to shut down over its control socket.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStop(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "path to config file")
	return cmd
}

func runStop(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	client := wrapper.NewClient(cfg.StateDir)
	ctx := cmd.Context()
	if err := client.Health(ctx); err != nil {
		fmt.Fprintln(cmd.OutOrStdout(), "Daemon: not running")
		return nil
	}
	if err := client.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Daemon: shutdown requested")
	return nil
}
