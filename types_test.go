package livechat

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimestamp_UnmarshalJSON(t *testing.T) {
	want := time.Date(2025, 3, 1, 10, 15, 30, 0, time.UTC)

	tests := []struct {
		name    string
		input   string
		want    time.Time
		wantErr bool
	}{
		{"rfc3339", `"2025-03-01T10:15:30Z"`, want, false},
		{"rfc3339 offset", `"2025-03-01T11:15:30+01:00"`, want, false},
		{"local date-time", `"2025-03-01T10:15:30"`, want, false},
		{"local with fraction", `"2025-03-01T10:15:30.250"`, want.Add(250 * time.Millisecond), false},
		{"space separated", `"2025-03-01 10:15:30"`, want, false},
		{"epoch millis", `1740824130000`, want, false},
		{"epoch millis string", `"1740824130000"`, want, false},
		{"jackson array", `[2025,3,1,10,15,30]`, want, false},
		{"jackson array with nanos", `[2025,3,1,10,15,30,500]`, want.Add(500), false},
		{"null", `null`, time.Time{}, false},
		{"empty string", `""`, time.Time{}, false},
		{"short array", `[2025,3]`, time.Time{}, true},
		{"garbage", `"next tuesday"`, time.Time{}, true},
		{"object", `{}`, time.Time{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			var ts Timestamp
			err := json.Unmarshal([]byte(tt.input), &ts)
			if tt.wantErr {
				req.Error(err)
				return
			}
			req.NoError(err)
			req.True(tt.want.Equal(ts.Time), "got %s", ts.Time)
		})
	}
}

func TestTimestamp_MarshalJSON(t *testing.T) {
	req := require.New(t)

	data, err := json.Marshal(Timestamp{time.Date(2025, 3, 1, 10, 15, 30, 0, time.UTC)})
	req.NoError(err)
	req.JSONEq(`"2025-03-01T10:15:30Z"`, string(data))

	data, err = json.Marshal(Timestamp{})
	req.NoError(err)
	req.Equal("null", string(data))
}

func TestMessageRecord_Message(t *testing.T) {
	req := require.New(t)

	rec := MessageRecord{ID: "1", SenderID: "u1", SenderName: "Ann", Content: "hi"}
	m := rec.Message(GroupChatTopic)
	req.Equal(GroupChatTopic, m.TopicID)
	req.Equal(MessageConfirmed, m.State)
	req.Equal("1", m.Key())

	rec.TopicID = "/topic/other"
	req.Equal("/topic/other", rec.Message(GroupChatTopic).TopicID)
}

func TestMessage_Key(t *testing.T) {
	req := require.New(t)
	req.Equal("local-abc", Message{CorrelationID: "abc"}.Key())
	req.Equal("7", Message{ID: "7", CorrelationID: "abc"}.Key())
}

func TestDisconnectReason_String(t *testing.T) {
	req := require.New(t)
	req.Equal("auth", DisconnectReason{Category: ReasonAuth}.String())
	req.Equal("transport: EOF", DisconnectReason{Category: ReasonTransport, Err: errString("EOF")}.String())
}

type errString string

func (e errString) Error() string { return string(e) }
