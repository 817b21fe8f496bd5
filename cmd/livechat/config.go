package main

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/gookit/color"
	"github.com/spf13/cobra"

	"github.com/cookbook-app/livechat"
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage livechat configuration",
	Long:  "View the effective chat settings or change the values stored in ~/.livechat/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective settings and where each comes from",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		e, err := loadEnvironment()
		if err != nil {
			return err
		}

		path, _ := configPath()
		fmt.Printf("Config file: %s\n\n", path)
		table := newTable("Key", "Value", "Source")
		for _, row := range describeConfig(cfg, e) {
			table.Append([]string{row.Key, row.Value, row.Source})
		}
		table.Render()
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value using dot notation.

Keys: default.ws_url (ws or wss URL), default.api_url (http or https URL),
default.topic, default.profile (notifications, groupchat, chatpanel),
auth.token (stores the identity it carries), auth.user_id, auth.username.

Example: livechat config set default.profile groupchat`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		if key == "auth.token" {
			fmt.Printf("Set %s = %s (%s, %s)\n", key, maskKey(value), cfg.Auth.UserID, cfg.Auth.Username)
			return nil
		}
		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}

// setConfigValue validates value for key and stores it. Profiles are stored
// by canonical name; a token also sets the identity it carries.
func setConfigValue(cfg *Config, key, value string) error {
	section, field, ok := strings.Cut(key, ".")
	if !ok {
		return fmt.Errorf("key must use dot notation: section.field (e.g. default.topic)")
	}

	switch section {
	case "default":
		switch field {
		case "ws_url":
			if err := checkURL(value, "ws", "wss"); err != nil {
				return err
			}
			cfg.Default.WSURL = value
		case "api_url":
			if err := checkURL(value, "http", "https"); err != nil {
				return err
			}
			cfg.Default.APIURL = strings.TrimRight(value, "/")
		case "topic":
			if !strings.HasPrefix(value, "/") || strings.ContainsAny(value, " \t") {
				return fmt.Errorf("topic %q must be a path such as %s", value, livechat.GroupChatTopic)
			}
			cfg.Default.Topic = value
		case "profile":
			p, ok := livechat.ProfileByName(strings.ToLower(value))
			if !ok {
				return fmt.Errorf("unknown profile %q (valid: notifications, groupchat, chatpanel)", value)
			}
			cfg.Default.Profile = p.Name
		default:
			return fmt.Errorf("unknown field %q in section [default]", field)
		}
	case "auth":
		switch field {
		case "token":
			identity, err := livechat.IdentityFromToken(value)
			if err != nil {
				return fmt.Errorf("invalid token: %w", err)
			}
			cfg.Auth = ConfigAuth{Token: identity.Token, UserID: identity.UserID, Username: identity.Name}
		case "user_id":
			cfg.Auth.UserID = value
		case "username":
			cfg.Auth.Username = value
		default:
			return fmt.Errorf("unknown field %q in section [auth]", field)
		}
	default:
		return fmt.Errorf("unknown config section %q (valid: default, auth)", section)
	}
	return nil
}

func checkURL(value string, schemes ...string) error {
	u, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", value, err)
	}
	for _, s := range schemes {
		if u.Scheme == s && u.Host != "" {
			return nil
		}
	}
	return fmt.Errorf("invalid URL %q: want %s://host", value, strings.Join(schemes, " or "))
}

type configRow struct {
	Key, Value, Source string
}

// describeConfig resolves every setting the way loadSettings does and notes
// which layer supplied it. The token is masked.
func describeConfig(cfg *Config, e *Environment) []configRow {
	pick := func(key, fromEnv, fromFile, def string) configRow {
		switch {
		case fromEnv != "":
			return configRow{key, fromEnv, "env"}
		case fromFile != "":
			return configRow{key, fromFile, "file"}
		case def != "":
			return configRow{key, def, "default"}
		}
		return configRow{key, color.Gray.Sprint("(not set)"), ""}
	}

	rows := []configRow{
		pick("default.ws_url", e.WSURL, cfg.Default.WSURL, defaultWSURL),
		pick("default.api_url", e.APIURL, cfg.Default.APIURL, livechat.DefaultBaseURL),
		pick("default.topic", e.Topic, cfg.Default.Topic, livechat.GroupChatTopic),
		pick("default.profile", e.Profile, cfg.Default.Profile, livechat.ChatPanel.Name),
	}

	token := pick("auth.token", e.Token, cfg.Auth.Token, "")
	if token.Source != "" {
		token.Value = maskKey(token.Value)
	}
	rows = append(rows, token)

	identity := livechat.Identity{UserID: cfg.Auth.UserID, Name: cfg.Auth.Username}
	source := "file"
	if raw := firstNonEmpty(e.Token, cfg.Auth.Token); raw != "" {
		if id, err := livechat.IdentityFromToken(raw); err == nil {
			identity, source = id, "token"
		}
	}
	for _, r := range []configRow{{"auth.user_id", identity.UserID, source}, {"auth.username", identity.Name, source}} {
		if r.Value == "" {
			r = configRow{r.Key, color.Gray.Sprint("(anonymous)"), ""}
		}
		rows = append(rows, r)
	}
	return rows
}
