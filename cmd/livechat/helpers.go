package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/cookbook-app/livechat"
)

const defaultWSURL = "ws://localhost:8080/chat-websocket"

// settings is the config file with environment and flag overrides applied.
type settings struct {
	WSURL    string
	APIURL   string
	Token    string
	Topic    string
	Profile  livechat.Profile
	Identity livechat.Identity
	Log      *slog.Logger
}

// loadSettings merges, lowest first: config file, environment, flags.
func loadSettings(cmd *cobra.Command) (*settings, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	e, err := loadEnvironment()
	if err != nil {
		return nil, err
	}

	s := &settings{
		WSURL:  firstNonEmpty(e.WSURL, cfg.Default.WSURL, defaultWSURL),
		APIURL: firstNonEmpty(e.APIURL, cfg.Default.APIURL, livechat.DefaultBaseURL),
		Token:  firstNonEmpty(e.Token, cfg.Auth.Token),
		Topic:  firstNonEmpty(e.Topic, cfg.Default.Topic, livechat.GroupChatTopic),
	}
	profile := firstNonEmpty(e.Profile, cfg.Default.Profile, livechat.ChatPanel.Name)

	if f := cmd.Flags().Lookup("topic"); f != nil && f.Changed {
		s.Topic = f.Value.String()
	}
	if f := cmd.Flags().Lookup("profile"); f != nil && f.Changed {
		profile = f.Value.String()
	}

	var ok bool
	if s.Profile, ok = livechat.ProfileByName(profile); !ok {
		return nil, fmt.Errorf("unknown profile %q (valid: notifications, groupchat, chatpanel)", profile)
	}

	s.Log, err = newLogger(firstNonEmpty(logLevel, e.LogLevel), firstNonEmpty(logFormat, e.LogFormat))
	if err != nil {
		return nil, err
	}

	if s.Token != "" {
		s.Identity, err = livechat.IdentityFromToken(s.Token)
		if err != nil {
			s.Log.Warn("token carries no usable identity", "error", err)
			s.Identity = livechat.Identity{UserID: cfg.Auth.UserID, Name: cfg.Auth.Username, Token: s.Token}
		}
	}
	return s, nil
}

func (s *settings) historyClient() *livechat.Client {
	return livechat.NewClient(livechat.WithBaseURL(s.APIURL))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// maskKey shows the first 12 and last 4 characters of a token.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	if len(key) <= 16 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return key[:12] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
