package livechat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSessionConfig_Defaults(t *testing.T) {
	req := require.New(t)
	cfg := SessionConfig{URL: "ws://localhost:8080/chat-websocket", Topic: GroupChatTopic}
	cfg.defaults()

	req.NoError(cfg.validate())
	req.Equal(ChatPanel, cfg.Profile)
	req.Equal(DefaultDestinations, cfg.Destinations)
	req.Equal(5*time.Second, cfg.ReconnectDelay)
	req.Equal(DefaultConfirmTimeout, cfg.ConfirmTimeout)
	req.Equal(DefaultCommandRate, cfg.CommandRate)
}

func TestSessionConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  SessionConfig
	}{
		{"missing url", SessionConfig{Topic: GroupChatTopic}},
		{"bad url", SessionConfig{URL: "not a url", Topic: GroupChatTopic}},
		{"missing topic", SessionConfig{URL: "ws://localhost:8080/ws"}},
		{"negative delay", SessionConfig{URL: "ws://localhost:8080/ws", Topic: GroupChatTopic, ReconnectDelay: -time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			cfg.defaults()
			require.Error(t, cfg.validate())
		})
	}
}

func TestProfileByName(t *testing.T) {
	req := require.New(t)

	p, ok := ProfileByName("notifications")
	req.True(ok)
	req.Equal(NotificationFeed, p)
	req.False(p.allows(OpSend))

	p, _ = ProfileByName("groupchat")
	req.True(p.allows(OpSend))
	req.False(p.allows(OpDelete))

	_, ok = ProfileByName("dm")
	req.False(ok)
}
