package livechat

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ============================================================================
// Message
// ============================================================================

// Tombstone replaces the content of a deleted message. The server broadcasts
// it verbatim, so it doubles as the delete marker on bare frames.
const Tombstone = "[DELETED]"

// MessageState tracks whether a message has been confirmed by the server.
type MessageState string

const (
	MessagePending   MessageState = "pending"
	MessageConfirmed MessageState = "confirmed"
	MessageFailed    MessageState = "failed"
)

// Message is one entry of a conversation as the user currently sees it.
type Message struct {
	ID            string       `json:"id,omitempty"`
	CorrelationID string       `json:"correlationId,omitempty"`
	TopicID       string       `json:"topicId"`
	SenderID      string       `json:"senderId"`
	SenderName    string       `json:"senderName"`
	Category      string       `json:"category,omitempty"`
	Content       string       `json:"content"`
	Timestamp     time.Time    `json:"timestamp"`
	State         MessageState `json:"state"`

	seq uint64
}

// Deleted reports whether the message has been tombstoned.
func (m Message) Deleted() bool {
	return m.Content == Tombstone
}

// Key returns the identity the store files the message under.
func (m Message) Key() string {
	if m.ID != "" {
		return m.ID
	}
	return "local-" + m.CorrelationID
}

// less orders messages by (timestamp, id) with insertion order as tiebreak.
func (m Message) less(o Message) bool {
	if !m.Timestamp.Equal(o.Timestamp) {
		return m.Timestamp.Before(o.Timestamp)
	}
	if m.ID != o.ID {
		return m.ID < o.ID
	}
	return m.seq < o.seq
}

// ============================================================================
// Connection state
// ============================================================================

// ConnectionState is the session-wide transport state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateClosed       ConnectionState = "closed"
)

// ReasonCategory classifies why a connection was lost.
type ReasonCategory string

const (
	ReasonTransport ReasonCategory = "transport"
	ReasonProtocol  ReasonCategory = "protocol"
	ReasonAuth      ReasonCategory = "auth"
)

// DisconnectReason is attached to every transition into Disconnected.
type DisconnectReason struct {
	Category ReasonCategory
	Err      error
}

func (r DisconnectReason) String() string {
	if r.Err == nil {
		return string(r.Category)
	}
	return string(r.Category) + ": " + r.Err.Error()
}

// StateChange is delivered to connection watchers.
type StateChange struct {
	From   ConnectionState
	To     ConnectionState
	Reason *DisconnectReason
}

// ============================================================================
// Wire records
// ============================================================================

// MessageRecord is the raw form of a message as returned by the history
// endpoint or carried in a live frame.
type MessageRecord struct {
	ID            string    `json:"id" validate:"required"`
	TopicID       string    `json:"topicId,omitempty"`
	SenderID      string    `json:"senderId,omitempty"`
	SenderName    string    `json:"senderName,omitempty"`
	Content       string    `json:"content"`
	Timestamp     Timestamp `json:"timestamp"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Category      string    `json:"category,omitempty"`
}

// Message converts the record into a confirmed store entry.
func (r MessageRecord) Message(topic string) Message {
	if r.TopicID != "" {
		topic = r.TopicID
	}
	return Message{
		ID:            r.ID,
		CorrelationID: r.CorrelationID,
		TopicID:       topic,
		SenderID:      r.SenderID,
		SenderName:    r.SenderName,
		Category:      r.Category,
		Content:       r.Content,
		Timestamp:     r.Timestamp.Time,
		State:         MessageConfirmed,
	}
}

// Timestamp accepts the formats the chat backend has been observed to emit:
// RFC 3339, zone-less ISO local date-times (read as UTC) and epoch millis.
type Timestamp struct {
	time.Time
}

var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses a timestamp string in any accepted format.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		t.Time = time.Time{}
		return nil
	}
	var ms int64
	if err := json.Unmarshal(data, &ms); err == nil {
		t.Time = time.UnixMilli(ms).UTC()
		return nil
	}
	// Jackson without JavaTimeModule writes LocalDateTime as an array.
	var parts []int
	if err := json.Unmarshal(data, &parts); err == nil {
		if len(parts) < 3 {
			return fmt.Errorf("timestamp array too short: %s", data)
		}
		for len(parts) < 7 {
			parts = append(parts, 0)
		}
		t.Time = time.Date(parts[0], time.Month(parts[1]), parts[2], parts[3], parts[4], parts[5], parts[6], time.UTC)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	t.Time = parsed
	return nil
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.UTC().Format(time.RFC3339Nano))
}

// notificationRecord is the shape of frames on the notifications topic.
type notificationRecord struct {
	Type string `json:"type"`
	User string `json:"user"`
	Text string `json:"text"`
}

// ============================================================================
// Commands
// ============================================================================

// sendPayload is the send body for tagged destinations.
type sendPayload struct {
	TopicID       string `json:"topicId"`
	Content       string `json:"content"`
	CorrelationID string `json:"correlationId"`
}

// updatePayload mirrors the server's update message body.
type updatePayload struct {
	MessageID     string `json:"messageId"`
	Content       string `json:"content"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// deletePayload is the delete body for tagged destinations.
type deletePayload struct {
	MessageID     string `json:"messageId"`
	CorrelationID string `json:"correlationId,omitempty"`
}
