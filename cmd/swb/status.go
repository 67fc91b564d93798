package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/wrapper"
)

func newStatusCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon and session status",
		Long:  "Reports whether the daemon is running and lists its live sessions.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "path to config file")
	return cmd
}

func runStatus(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	out := cmd.OutOrStdout()

	client := wrapper.NewClient(cfg.StateDir)
	ctx := cmd.Context()
	if err := client.Health(ctx); err != nil {
		fmt.Fprintln(out, "Daemon: STOPPED")
		return nil
	}
	fmt.Fprintln(out, "Daemon: RUNNING")

	sessions, err := client.Sessions(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No live sessions.")
		return nil
	}
	for _, s := range sessions {
		chat := s.BoundChat
		if chat == "" {
			chat = "(detached)"
		}
		fmt.Fprintf(out, "  %s  %s  %s  chat=%s  seen=%s ago\n",
			s.SessionID, s.Command, s.Cwd, chat,
			time.Since(s.LastSeenAt).Round(time.Second))
	}
	return nil
}
