package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchboard/internal/config"
	"golang.org/x/term"
)

func newChannelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channels",
		Short: "Manage chat channels",
		Long:  "Lists, adds, and removes the chat platform channels the daemon connects to.",
	}

	cmd.AddCommand(newChannelsListCmd())
	cmd.AddCommand(newChannelsAddCmd())
	cmd.AddCommand(newChannelsRemoveCmd())
	return cmd
}

func newChannelsListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(cfg.Channels) == 0 {
				fmt.Fprintln(out, "No channels configured.")
				return nil
			}
			for _, ch := range cfg.Channels {
				fmt.Fprintf(out, "  %s  (%s)  owner chat %s\n", ch.Name, ch.Type, ch.OwnerChatID)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "path to config file")
	return cmd
}

func newChannelsAddCmd() *cobra.Command {
	var configPath, name, chType, token, appToken, ownerChat, ownerUser string

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a channel",
		Long:  "Adds a chat channel to the config. Tokens not passed as flags are prompted for without echo.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if name == "" {
				name = chType
			}
			if cfg.Channel(name) != nil {
				return fmt.Errorf("channel %q already exists", name)
			}

			// One reader for all prompts: a fresh bufio.Reader per
			// prompt would buffer ahead and swallow later lines from
			// piped stdin.
			stdin := bufio.NewReader(cmd.InOrStdin())
			if token == "" {
				if token, err = promptSecret(cmd, stdin, "Bot token: "); err != nil {
					return err
				}
			}
			if chType == config.ChannelSlack && appToken == "" {
				if appToken, err = promptSecret(cmd, stdin, "App token (xapp-...): "); err != nil {
					return err
				}
			}

			cfg.Channels = append(cfg.Channels, config.ChannelConfig{
				Name:        name,
				Type:        chType,
				Token:       token,
				AppToken:    appToken,
				OwnerChatID: ownerChat,
				OwnerUserID: ownerUser,
			})
			if err := cfg.Validate(); err != nil {
				return err
			}
			if err := cfg.Save(configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added channel %s (%s). Restart the daemon to connect it.\n", name, chType)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "path to config file")
	cmd.Flags().StringVar(&name, "name", "", "channel name (default: same as type)")
	cmd.Flags().StringVar(&chType, "type", "", "platform: telegram, discord, or slack")
	cmd.Flags().StringVar(&token, "token", "", "bot token (prompted if omitted)")
	cmd.Flags().StringVar(&appToken, "app-token", "", "slack app-level token (prompted if omitted)")
	cmd.Flags().StringVar(&ownerChat, "owner-chat", "", "platform-native chat id of the owner's direct chat")
	cmd.Flags().StringVar(&ownerUser, "owner-user", "", "platform-native user id of the owner")
	cmd.MarkFlagRequired("type")
	cmd.MarkFlagRequired("owner-chat")
	cmd.MarkFlagRequired("owner-user")
	return cmd
}

func newChannelsRemoveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "remove <name>",
		Short: "Remove a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			name := args[0]
			kept := cfg.Channels[:0]
			found := false
			for _, ch := range cfg.Channels {
				if ch.Name == name {
					found = true
					continue
				}
				kept = append(kept, ch)
			}
			if !found {
				return fmt.Errorf("channel %q is not configured", name)
			}
			cfg.Channels = kept
			if err := cfg.Save(configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed channel %s.\n", name)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "path to config file")
	return cmd
}

// promptSecret reads a token without echo when stdin is a terminal, and
// falls back to a plain line read from the shared reader otherwise
// (pipes, tests).
func promptSecret(cmd *cobra.Command, stdin *bufio.Reader, label string) (string, error) {
	fmt.Fprint(cmd.OutOrStdout(), label)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.OutOrStdout())
		if err != nil {
			return "", fmt.Errorf("read token: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}
	line, err := stdin.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read token: %w", err)
	}
	return strings.TrimSpace(line), nil
}
