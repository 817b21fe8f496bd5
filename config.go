package livechat

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultConfirmTimeout = 15 * time.Second
	DefaultHistoryTimeout = 30 * time.Second
	DefaultCommandRate    = 5.0
	DefaultCommandBurst   = 10

	GroupChatTopic     = "/topic/groupchat"
	NotificationsTopic = "/topic/notifications"
)

// Destinations are the publish targets for outbound commands.
//
// Send receives the raw message text and Delete the bare message id, which
// is what the chat backend reads. Tagged switches send and delete to JSON
// bodies carrying the correlation id, for servers that echo it back.
type Destinations struct {
	Send   string `validate:"required"`
	Edit   string `validate:"required"`
	Delete string `validate:"required"`
	Tagged bool
}

// DefaultDestinations match the chat backend's message mappings.
var DefaultDestinations = Destinations{
	Send:   "/app/sendMessage",
	Edit:   "/app/updateMessage",
	Delete: "/app/deleteMessage",
}

// SessionConfig configures a Session.
type SessionConfig struct {
	// URL of the realtime endpoint, e.g. ws://localhost:8080/chat-websocket.
	URL     string `validate:"required,url"`
	Topic   string `validate:"required"`
	Profile Profile

	// ErrorTopic, when set, is subscribed for command rejections.
	ErrorTopic   string
	Destinations Destinations

	ReconnectDelay time.Duration `validate:"gte=0"`
	ConnectTimeout time.Duration `validate:"gte=0"`
	ConfirmTimeout time.Duration `validate:"gte=0"`
	HistoryTimeout time.Duration `validate:"gte=0"`

	// CommandRate is the sustained commands per second; zero means default,
	// negative disables limiting.
	CommandRate  float64
	CommandBurst int `validate:"gte=0"`
}

func (c *SessionConfig) defaults() {
	if c.Profile.Name == "" {
		c.Profile = ChatPanel
	}
	if c.Destinations.Send == "" {
		c.Destinations.Send = DefaultDestinations.Send
	}
	if c.Destinations.Edit == "" {
		c.Destinations.Edit = DefaultDestinations.Edit
	}
	if c.Destinations.Delete == "" {
		c.Destinations.Delete = DefaultDestinations.Delete
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ConfirmTimeout == 0 {
		c.ConfirmTimeout = DefaultConfirmTimeout
	}
	if c.HistoryTimeout == 0 {
		c.HistoryTimeout = DefaultHistoryTimeout
	}
	if c.CommandRate == 0 {
		c.CommandRate = DefaultCommandRate
	}
	if c.CommandBurst == 0 {
		c.CommandBurst = DefaultCommandBurst
	}
}

func (c *SessionConfig) validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid session config: %w", err)
	}
	return nil
}
