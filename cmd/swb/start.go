package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/bridge"
	discordadapter "github.com/zulandar/switchboard/internal/bridge/discord"
	slackadapter "github.com/zulandar/switchboard/internal/bridge/slack"
	telegramadapter "github.com/zulandar/switchboard/internal/bridge/telegram"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/control"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/transcript"
)

func newStartCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the Switchboard daemon",
		Long:  "Connects the configured chat channels, serves the control socket, and bridges sessions until stopped.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "path to config file")
	return cmd
}

func runStart(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if len(cfg.Channels) == 0 {
		return fmt.Errorf("no channels configured in %s (run `swb channels add` first)", configPath)
	}

	conn, err := db.Open(db.Path(cfg.StateDir))
	if err != nil {
		return err
	}
	store, err := transcript.NewStore(conn)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// The dead-target callback is wired before the daemon exists; the
	// closure sees the assignment below.
	var daemon *bridge.Daemon
	prune := func(chatID string) {
		if daemon != nil {
			daemon.PruneChat(chatID)
		}
	}
	fatal := func(err error) {
		log.Printf("swb: channel hit a terminal error, shutting down: %v", err)
		cancel()
	}

	adapters := make(map[string]bridge.Adapter, len(cfg.Channels))
	for _, ch := range cfg.Channels {
		adapter, err := buildAdapter(ch, prune, fatal)
		if err != nil {
			return err
		}
		adapters[ch.Name] = adapter
	}

	daemon, err = bridge.NewDaemon(bridge.DaemonOpts{
		Registry:    bridge.NewRegistry(),
		Adapters:    adapters,
		Store:       store,
		Out:         cmd.OutOrStdout(),
		MinInterval: time.Duration(cfg.Batch.MinIntervalMs) * time.Millisecond,
		MaxInterval: time.Duration(cfg.Batch.MaxIntervalMs) * time.Millisecond,
		MaxChars:    cfg.Batch.MaxChars,
		ReapMaxAge:  time.Duration(cfg.Daemon.ReapMaxAgeSec) * time.Second,
		ReapEvery:   time.Duration(cfg.Daemon.ReapIntervalSec) * time.Second,
	})
	if err != nil {
		return err
	}

	server, err := control.NewServer(control.ServerOpts{
		Daemon:   daemon,
		Recent:   store,
		StateDir: cfg.StateDir,
		Out:      cmd.OutOrStdout(),
		Shutdown: cancel,
	})
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		cancel()
	}()

	errCh := make(chan error, 2)
	go func() { errCh <- server.Start(ctx) }()
	go func() { errCh <- daemon.Run(ctx) }()

	err = <-errCh
	cancel()
	if second := <-errCh; err == nil {
		err = second
	}
	return err
}

// buildAdapter creates the platform adapter for one configured channel.
func buildAdapter(ch config.ChannelConfig, prune bridge.DeadTargetFunc, fatal bridge.FatalFunc) (bridge.Adapter, error) {
	switch ch.Type {
	case config.ChannelTelegram:
		return telegramadapter.New(telegramadapter.AdapterOpts{
			Name:         ch.Name,
			Token:        ch.Token,
			OnDeadTarget: prune,
		})
	case config.ChannelDiscord:
		return discordadapter.New(discordadapter.AdapterOpts{
			Name:         ch.Name,
			BotToken:     ch.Token,
			OnDeadTarget: prune,
		})
	case config.ChannelSlack:
		return slackadapter.New(slackadapter.AdapterOpts{
			Name:         ch.Name,
			AppToken:     ch.AppToken,
			BotToken:     ch.Token,
			OnDeadTarget: prune,
			OnFatal:      fatal,
		})
	default:
		return nil, fmt.Errorf("unsupported channel type %q", ch.Type)
	}
}
