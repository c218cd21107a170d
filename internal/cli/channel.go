package cli

import (
	"fmt"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"tether/internal/channel"
	"tether/internal/config"
)

func newChannelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "channel",
		Short: "Manage credential channels",
		Long: `Manage provider credential channels. API keys are sealed with the
local identity key before being written to the config file; the plaintext
never touches disk.`,
	}
	cmd.AddCommand(newChannelAddCmd(), newChannelListCmd(), newChannelRemoveCmd())
	return cmd
}

func newChannelAddCmd() *cobra.Command {
	var name, baseURL, model string

	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Add or update a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			cfg, err := config.Load(globalFlags.ConfigPath)
			if err != nil {
				return err
			}

			identityPath, err := config.DefaultIdentityPath()
			if err != nil {
				return fmt.Errorf("load identity: %w", err)
			}
			identity, err := channel.LoadOrCreateIdentity(identityPath)
			if err != nil {
				return fmt.Errorf("load identity: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "API key for %s: ", id)
			key, err := term.ReadPassword(int(syscall.Stdin))
			fmt.Fprintln(cmd.OutOrStdout())
			if err != nil {
				return fmt.Errorf("read api key: %w", err)
			}
			if len(key) == 0 {
				return fmt.Errorf("api key must not be empty")
			}

			sealed, err := channel.Seal(key, identity)
			if err != nil {
				return fmt.Errorf("seal api key: %w", err)
			}

			entry := config.ChannelConfig{
				ID:           id,
				Name:         name,
				BaseURL:      baseURL,
				APIKeySealed: sealed,
				DefaultModel: model,
			}
			if entry.Name == "" {
				entry.Name = id
			}

			if existing := cfg.FindChannel(id); existing != nil {
				*existing = entry
			} else {
				cfg.Channels = append(cfg.Channels, entry)
			}

			if err := config.SaveTo(cfg, config.Path()); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "channel %q saved\n", id)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "display name (defaults to the id)")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "API base URL")
	cmd.Flags().StringVar(&model, "model", "", "default model for sessions on this channel")
	cmd.MarkFlagRequired("base-url")
	return cmd
}

func newChannelListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(globalFlags.ConfigPath)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tBASE URL\tDEFAULT MODEL")
			for _, ch := range cfg.Channels {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", ch.ID, ch.Name, ch.BaseURL, ch.DefaultModel)
			}
			return w.Flush()
		},
	}
}

func newChannelRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a channel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			cfg, err := config.Load(globalFlags.ConfigPath)
			if err != nil {
				return err
			}

			kept := cfg.Channels[:0]
			found := false
			for _, ch := range cfg.Channels {
				if ch.ID == id {
					found = true
					continue
				}
				kept = append(kept, ch)
			}
			if !found {
				return fmt.Errorf("channel %q not found", id)
			}
			cfg.Channels = kept

			if err := config.SaveTo(cfg, config.Path()); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "channel %q removed\n", id)
			return nil
		},
	}
}
