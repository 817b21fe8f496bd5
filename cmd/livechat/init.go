package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cookbook-app/livechat"
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().String("ws-url", "", "realtime endpoint (default ws://localhost:8080/chat-websocket)")
	initCmd.Flags().String("api-url", "", "history API base URL (default "+livechat.DefaultBaseURL+")")
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the bearer token in ~/.livechat/config.toml",
	Long:  "Initialize the livechat CLI by storing your token, and the identity it carries, in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		identity, err := livechat.IdentityFromToken(args[0])
		if err != nil {
			return fmt.Errorf("invalid token: %w", err)
		}

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth = ConfigAuth{Token: identity.Token, UserID: identity.UserID, Username: identity.Name}
		if v, _ := cmd.Flags().GetString("ws-url"); v != "" {
			cfg.Default.WSURL = v
		}
		if v, _ := cmd.Flags().GetString("api-url"); v != "" {
			cfg.Default.APIURL = v
		}
		if cfg.Default.WSURL == "" {
			cfg.Default.WSURL = defaultWSURL
		}
		if cfg.Default.Topic == "" {
			cfg.Default.Topic = livechat.GroupChatTopic
		}
		if cfg.Default.Profile == "" {
			cfg.Default.Profile = livechat.ChatPanel.Name
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token for %s (%s) saved to %s\n", identity.Name, identity.UserID, path)
		return nil
	},
}
