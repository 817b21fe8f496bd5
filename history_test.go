package livechat

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClient_FetchHistory(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bare array", `[
			{"id":"1","senderId":"u1","senderName":"Ann","content":"hi","timestamp":"2025-03-01T10:15:30"},
			{"id":"2","senderId":"u2","senderName":"Bob","content":"[DELETED]","timestamp":[2025,3,1,10,16,0]}
		]`},
		{"wrapped", `{"messages":[
			{"id":"1","senderId":"u1","senderName":"Ann","content":"hi","timestamp":"2025-03-01T10:15:30"},
			{"id":"2","senderId":"u2","senderName":"Bob","content":"[DELETED]","timestamp":[2025,3,1,10,16,0]}
		]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := require.New(t)
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/chat/history" {
					t.Errorf("expected /chat/history, got %s", r.URL.Path)
				}
				if r.Method != http.MethodGet {
					t.Errorf("expected GET, got %s", r.Method)
				}
				if got := r.URL.Query().Get("topic"); got != GroupChatTopic {
					t.Errorf("expected topic query, got %q", got)
				}
				if got := r.Header.Get("Authorization"); got != "Bearer tok" {
					t.Errorf("expected bearer token, got %q", got)
				}
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewClient(WithBaseURL(server.URL+"/"), WithTimeout(time.Second))
			records, err := client.FetchHistory(context.Background(), GroupChatTopic, "tok")
			req.NoError(err)
			req.Len(records, 2)
			req.Equal("Ann", records[0].SenderName)
			req.Equal(time.Date(2025, 3, 1, 10, 15, 30, 0, time.UTC), records[0].Timestamp.Time)
			req.Equal(Tombstone, records[1].Content)
		})
	}
}

func TestClient_FetchHistoryErrors(t *testing.T) {
	t.Run("status", func(t *testing.T) {
		req := require.New(t)
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "forbidden", http.StatusForbidden)
		}))
		defer server.Close()

		_, err := NewClient(WithBaseURL(server.URL)).FetchHistory(context.Background(), GroupChatTopic, "")
		var fe *FetchError
		req.True(errors.As(err, &fe))
		req.Equal(GroupChatTopic, fe.Topic)
		var se *StatusError
		req.True(errors.As(err, &se))
		req.Equal(http.StatusForbidden, se.StatusCode)
		req.Equal("forbidden", se.Body)
	})

	t.Run("bad json", func(t *testing.T) {
		req := require.New(t)
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`[{"id":`))
		}))
		defer server.Close()

		_, err := NewClient(WithBaseURL(server.URL)).FetchHistory(context.Background(), GroupChatTopic, "")
		var fe *FetchError
		req.True(errors.As(err, &fe))
	})

	t.Run("cancelled", func(t *testing.T) {
		req := require.New(t)
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		}))
		defer server.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := NewClient(WithBaseURL(server.URL)).FetchHistory(ctx, GroupChatTopic, "")
		req.ErrorIs(err, context.Canceled)
	})
}

func TestClient_CustomPath(t *testing.T) {
	req := require.New(t)
	var path string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := NewClient(WithBaseURL(server.URL), WithHTTPClient(server.Client()), WithHistoryPath("/api/messages"))
	records, err := client.FetchHistory(context.Background(), "", "")
	req.NoError(err)
	req.Empty(records)
	req.Equal("/api/messages", path)
}
