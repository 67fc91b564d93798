package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/bridge"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/wrapper"
)

const daemonStartupWait = 5 * time.Second

func newRunCmd() *cobra.Command {
	var configPath, channelName, sessionID string
	var resume bool

	cmd := &cobra.Command{
		Use:   "run [flags] -- <command> [args...]",
		Short: "Run an assistant under the bridge",
		Long: "Spawns the assistant command, registers it with the daemon (starting the daemon if needed),\n" +
			"and bridges its input and output to the owner chat.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, configPath, channelName, sessionID, resume, args)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "path to config file")
	cmd.Flags().StringVar(&channelName, "channel", "", "channel whose owner chat drives this session (default: first configured)")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id to register under (default: fresh id)")
	cmd.Flags().BoolVar(&resume, "resume", false, "reuse the most recent session id for this directory")
	return cmd
}

func runRun(cmd *cobra.Command, configPath, channelName, sessionID string, resume bool, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	channel, err := pickChannel(cfg, channelName)
	if err != nil {
		return err
	}

	client := wrapper.NewClient(cfg.StateDir)
	ensure := ensureDaemon(client, cfg.StateDir, configPath)
	ctx := cmd.Context()

	if resume && sessionID == "" {
		if err := ensure(ctx); err != nil {
			return err
		}
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("working directory: %w", err)
		}
		recent, err := client.RecentSessions(ctx, cwd, 1)
		if err != nil {
			return fmt.Errorf("recent sessions: %w", err)
		}
		if len(recent) > 0 {
			sessionID = recent[0].SessionID
			fmt.Fprintf(cmd.OutOrStdout(), "Resuming session %s (%s)\n", sessionID, recent[0].Command)
		}
	}

	runner, err := wrapper.NewRunner(wrapper.RunnerOpts{
		Client:      client,
		Ensure:      ensure,
		SessionID:   sessionID,
		Command:     args[0],
		Args:        args[1:],
		OwnerChatID: bridge.QualifyChatID(channel.Name, channel.OwnerChatID),
		OwnerUserID: bridge.QualifyChatID(channel.Name, channel.OwnerUserID),
		Out:         cmd.OutOrStdout(),
	})
	if err != nil {
		return err
	}
	return runner.Run(ctx)
}

func pickChannel(cfg *config.Config, name string) (*config.ChannelConfig, error) {
	if name != "" {
		channel := cfg.Channel(name)
		if channel == nil {
			return nil, fmt.Errorf("channel %q is not configured", name)
		}
		return channel, nil
	}
	if len(cfg.Channels) == 0 {
		return nil, fmt.Errorf("no channels configured (run `swb channels add` first)")
	}
	return &cfg.Channels[0], nil
}

// ensureDaemon returns an EnsureFunc that starts `swb start` detached
// when the daemon is not already serving, then waits for its socket.
func ensureDaemon(client *wrapper.Client, stateDir, configPath string) wrapper.EnsureFunc {
	return func(ctx context.Context) error {
		if client.Health(ctx) == nil {
			return nil
		}

		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locate swb binary: %w", err)
		}
		if err := os.MkdirAll(stateDir, 0o700); err != nil {
			return fmt.Errorf("state dir: %w", err)
		}
		logFile, err := os.OpenFile(filepath.Join(stateDir, "daemon.log"),
			os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("daemon log: %w", err)
		}
		defer logFile.Close()

		daemon := exec.Command(exe, "start", "--config", configPath)
		daemon.Stdout = logFile
		daemon.Stderr = logFile
		daemon.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
		if err := daemon.Start(); err != nil {
			return fmt.Errorf("start daemon: %w", err)
		}
		go daemon.Wait() // reap if it exits while we are still alive

		deadline := time.Now().Add(daemonStartupWait)
		for time.Now().Before(deadline) {
			if err := client.Health(ctx); err == nil {
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(100 * time.Millisecond):
			}
		}
		return fmt.Errorf("daemon did not come up within %s", daemonStartupWait)
	}
}
