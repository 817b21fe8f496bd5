package livechat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// ============================================================================
// Event union
// ============================================================================

// EventKind tags the variants of Event.
type EventKind string

const (
	EventCreated EventKind = "message.created"
	EventEdited  EventKind = "message.edited"
	EventDeleted EventKind = "message.deleted"
)

// Event is a live message event. The set of implementations is closed:
// Created, Edited and Deleted.
type Event interface {
	Kind() EventKind
	Topic() string
	TargetID() string
	sealed()
}

// Created announces a newly persisted message.
type Created struct {
	Record  MessageRecord
	TopicID string
}

// Edited carries new content, and optionally a new timestamp, for a message.
type Edited struct {
	ID            string
	TopicID       string
	Content       string
	Timestamp     time.Time
	CorrelationID string
}

// Deleted tombstones a message.
type Deleted struct {
	ID            string
	TopicID       string
	CorrelationID string
}

func (Created) Kind() EventKind { return EventCreated }
func (Edited) Kind() EventKind  { return EventEdited }
func (Deleted) Kind() EventKind { return EventDeleted }

func (e Created) Topic() string { return e.TopicID }
func (e Edited) Topic() string  { return e.TopicID }
func (e Deleted) Topic() string { return e.TopicID }

func (e Created) TargetID() string { return e.Record.ID }
func (e Edited) TargetID() string  { return e.ID }
func (e Deleted) TargetID() string { return e.ID }

func (Created) sealed() {}
func (Edited) sealed()  {}
func (Deleted) sealed() {}

// ============================================================================
// Frames
// ============================================================================

// Frame is a raw inbound payload delivered on a subscribed topic.
type Frame struct {
	Topic string
	Body  []byte
}

// frameEnvelope is the explicit event encoding. Bare records, which carry
// no "type" or a non-event type, fall back to inference.
type frameEnvelope struct {
	Type          string          `json:"type"`
	ID            string          `json:"id"`
	MessageID     string          `json:"messageId"`
	CorrelationID string          `json:"correlationId"`
	Reason        string          `json:"reason"`
	Message       json.RawMessage `json:"message"`
}

// Rejection is a server refusal of a command, matched by correlation id.
type Rejection struct {
	CorrelationID string
	Reason        string
}

// Decoder turns frames into events. Known lets bare records that re-use an
// existing id decode as edits, which is how the chat backend broadcasts
// updates.
type Decoder struct {
	Known         func(id string) bool
	SynthesizeIDs bool

	validate *validator.Validate
}

// NewDecoder returns a decoder using the given id lookup.
func NewDecoder(known func(string) bool, synthesizeIDs bool) *Decoder {
	return &Decoder{Known: known, SynthesizeIDs: synthesizeIDs, validate: validator.New()}
}

// Decode parses a frame into one of Created, Edited or Deleted.
func (d *Decoder) Decode(f Frame) (Event, error) {
	body := bytes.TrimSpace(f.Body)
	if len(body) == 0 || body[0] != '{' {
		return nil, &MalformedEventError{Topic: f.Topic, Body: f.Body, Err: fmt.Errorf("expected JSON object")}
	}

	var env frameEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &MalformedEventError{Topic: f.Topic, Body: f.Body, Err: err}
	}

	ev, err := d.decode(f.Topic, body, env)
	if err != nil {
		return nil, &MalformedEventError{Topic: f.Topic, Body: f.Body, Err: err}
	}
	return ev, nil
}

func (d *Decoder) decode(topic string, body []byte, env frameEnvelope) (Event, error) {
	switch EventKind(env.Type) {
	case EventCreated:
		rec, err := d.record(topic, env.Message, body)
		if err != nil {
			return nil, err
		}
		return Created{Record: rec, TopicID: topic}, nil
	case EventEdited:
		rec, err := d.record(topic, env.Message, body)
		if err != nil {
			return nil, err
		}
		if env.CorrelationID != "" {
			rec.CorrelationID = env.CorrelationID
		}
		return Edited{ID: rec.ID, TopicID: topic, Content: rec.Content, Timestamp: rec.Timestamp.Time, CorrelationID: rec.CorrelationID}, nil
	case EventDeleted:
		id := firstNonEmpty(env.ID, env.MessageID)
		if id == "" && len(env.Message) > 0 {
			var rec MessageRecord
			if err := json.Unmarshal(env.Message, &rec); err != nil {
				return nil, err
			}
			id = rec.ID
		}
		if id == "" {
			return nil, fmt.Errorf("delete event without id")
		}
		return Deleted{ID: id, TopicID: topic, CorrelationID: env.CorrelationID}, nil
	}

	if strings.HasPrefix(env.Type, "message.") {
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
	return d.infer(topic, body, env)
}

// infer classifies a bare record the way the chat backend means it:
// tombstone content deletes, a known id edits, anything else creates.
func (d *Decoder) infer(topic string, body []byte, env frameEnvelope) (Event, error) {
	var rec MessageRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, err
	}

	// Notification frames: {type, user, text}.
	if rec.Content == "" && rec.ID == "" {
		var n notificationRecord
		if err := json.Unmarshal(body, &n); err == nil && (n.Text != "" || n.User != "") {
			rec.Category = n.Type
			rec.SenderName = n.User
			rec.Content = n.Text
		}
	}
	if rec.Category == "" && env.Type != "" {
		rec.Category = env.Type
	}

	if rec.ID == "" && d.SynthesizeIDs {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() && d.SynthesizeIDs {
		rec.Timestamp = Timestamp{Time: time.Now().UTC()}
	}
	if err := d.validator().Struct(rec); err != nil {
		return nil, err
	}

	switch {
	case rec.Content == Tombstone:
		return Deleted{ID: rec.ID, TopicID: topic, CorrelationID: rec.CorrelationID}, nil
	case d.Known != nil && d.Known(rec.ID):
		return Edited{ID: rec.ID, TopicID: topic, Content: rec.Content, Timestamp: rec.Timestamp.Time, CorrelationID: rec.CorrelationID}, nil
	default:
		return Created{Record: rec, TopicID: topic}, nil
	}
}

func (d *Decoder) record(topic string, nested, body []byte) (MessageRecord, error) {
	src := body
	if len(nested) > 0 && string(nested) != "null" {
		src = nested
	}
	var rec MessageRecord
	if err := json.Unmarshal(src, &rec); err != nil {
		return rec, err
	}
	if rec.TopicID == "" {
		rec.TopicID = topic
	}
	if err := d.validator().Struct(rec); err != nil {
		return rec, err
	}
	return rec, nil
}

func (d *Decoder) validator() *validator.Validate {
	if d.validate == nil {
		d.validate = validator.New()
	}
	return d.validate
}

// DecodeRejection parses a command rejection frame from the error topic.
func DecodeRejection(f Frame) (Rejection, error) {
	var env frameEnvelope
	if err := json.Unmarshal(f.Body, &env); err != nil {
		return Rejection{}, &MalformedEventError{Topic: f.Topic, Body: f.Body, Err: err}
	}
	if env.CorrelationID == "" {
		return Rejection{}, &MalformedEventError{Topic: f.Topic, Body: f.Body, Err: fmt.Errorf("rejection without correlation id")}
	}
	return Rejection{CorrelationID: env.CorrelationID, Reason: firstNonEmpty(env.Reason, "rejected by server")}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
