package livechat_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/cookbook-app/livechat"
	"github.com/cookbook-app/livechat/mocks"
)

const errorTopic = "/user/queue/errors"

var ann = livechat.Identity{UserID: "ann", Name: "Ann", Token: "tok"}

func ts(sec int) livechat.Timestamp {
	return livechat.Timestamp{Time: time.Date(2025, 3, 1, 10, 0, sec, 0, time.UTC)}
}

func testConfig() livechat.SessionConfig {
	return livechat.SessionConfig{
		URL:            "ws://chat.test/chat-websocket",
		Topic:          livechat.GroupChatTopic,
		ErrorTopic:     errorTopic,
		ReconnectDelay: 10 * time.Millisecond,
		ConfirmTimeout: time.Minute,
	}
}

type sessionFixture struct {
	session   *livechat.Session
	transport *livechat.FakeTransport
	history   *mocks.MockHistoryFetcher
}

func newSessionFixture(t *testing.T, records []livechat.MessageRecord, fetchErr error, opts ...livechat.Option) *sessionFixture {
	t.Helper()
	ctrl := gomock.NewController(t)

	history := mocks.NewMockHistoryFetcher(ctrl)
	history.EXPECT().
		FetchHistory(gomock.Any(), livechat.GroupChatTopic, "tok").
		Return(records, fetchErr).
		AnyTimes()

	identity := mocks.NewMockIdentityProvider(ctrl)
	identity.EXPECT().Identity().Return(ann).AnyTimes()

	transport := livechat.NewFakeTransport()
	session, err := livechat.NewSession(testConfig(), transport, history, identity, opts...)
	require.NoError(t, err)
	t.Cleanup(session.Stop)

	return &sessionFixture{session: session, transport: transport, history: history}
}

func (f *sessionFixture) waitConnected(t *testing.T) *livechat.FakeConn {
	t.Helper()
	conn := f.transport.WaitConn(t)
	require.Eventually(t, func() bool {
		return f.session.State() == livechat.StateConnected
	}, time.Second, 5*time.Millisecond)
	return conn
}

func (f *sessionFixture) waitView(t *testing.T, want ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		got := view(f.session.Snapshot())
		if len(got) != len(want) {
			return false
		}
		for i := range got {
			if got[i] != want[i] {
				return false
			}
		}
		return true
	}, time.Second, 5*time.Millisecond, "view never became %v", want)
}

func view(msgs []livechat.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Key()+":"+m.Content)
	}
	return out
}

func wait(t *testing.T, h *livechat.PendingHandle) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := h.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "handle never resolved")
	return err
}

func TestSession_FullFlow(t *testing.T) {
	req := require.New(t)
	reg := prometheus.NewRegistry()
	f := newSessionFixture(t, []livechat.MessageRecord{
		{ID: "2", SenderID: "bob", SenderName: "Bob", Content: "second", Timestamp: ts(2)},
		{ID: "1", SenderID: "bob", SenderName: "Bob", Content: "first", Timestamp: ts(1)},
	}, nil, livechat.WithMetrics(livechat.NewMetrics(reg, "test")))

	req.NoError(f.session.Start(context.Background()))
	conn := f.waitConnected(t)
	req.Equal("Bearer tok", f.transport.LastHeader().Get("Authorization"))
	req.Eventually(func() bool { return len(conn.Subs()) == 2 }, time.Second, 5*time.Millisecond)
	req.Equal([]string{livechat.GroupChatTopic, errorTopic}, conn.Subs())

	f.waitView(t, "1:first", "2:second")

	conn.Push(livechat.GroupChatTopic, `{"type":"message.edited","message":{"id":"1","content":"first!","timestamp":"2025-03-01T10:00:03"}}`)
	// The edit carries a newer timestamp and moves the message down.
	f.waitView(t, "2:second", "1:first!")

	h, err := f.session.Send("hello")
	req.NoError(err)
	f.waitView(t, "2:second", "1:first!", "local-"+h.CorrelationID+":hello")
	req.Len(conn.Published(), 1)
	req.Equal("/app/sendMessage", conn.Published()[0].Destination)

	conn.Push(livechat.GroupChatTopic, fmt.Sprintf(
		`{"type":"message.created","message":{"id":"3","senderId":"ann","senderName":"Ann","content":"hello","timestamp":"2025-03-01T10:00:04","correlationId":%q}}`,
		h.CorrelationID))
	req.NoError(wait(t, h))
	req.Equal("3", h.MessageID())
	f.waitView(t, "2:second", "1:first!", "3:hello")

	conn.Push(livechat.GroupChatTopic, `{"type":"message.deleted","messageId":"2"}`)
	f.waitView(t, "2:"+livechat.Tombstone, "1:first!", "3:hello")

	count, err := testutil.GatherAndCount(reg, "livechat_events_total")
	req.NoError(err)
	req.Positive(count)

	f.session.Stop()
	req.Equal(livechat.StateClosed, f.session.State())
	req.Empty(f.session.Snapshot())
	req.True(conn.Closed())
	_, err = f.session.Send("late")
	req.ErrorIs(err, livechat.ErrSessionClosed)
	req.ErrorIs(f.session.Start(context.Background()), livechat.ErrSessionClosed)
}

func TestSession_HistoryFailure(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t, nil, errors.New("backend down"))

	failed := make(chan error, 1)
	f.session.Watch(func(c livechat.Change) {
		if c.Kind == livechat.ChangeHistoryFailed {
			failed <- c.Err
		}
	})

	req.NoError(f.session.Start(context.Background()))
	select {
	case err := <-failed:
		var fe *livechat.FetchError
		req.True(errors.As(err, &fe))
		req.Equal(livechat.GroupChatTopic, fe.Topic)
	case <-time.After(time.Second):
		req.Fail("history failure not reported")
	}

	// The live stream keeps working without the snapshot.
	conn := f.waitConnected(t)
	conn.Push(livechat.GroupChatTopic, `{"id":"9","senderId":"bob","content":"live","timestamp":"2025-03-01T10:00:09"}`)
	f.waitView(t, "9:live")
}

func TestSession_ResubscribesAfterReconnect(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t, nil, nil)

	var mu sync.Mutex
	var states []livechat.ConnectionState
	f.session.Watch(func(c livechat.Change) {
		if c.Kind == livechat.ChangeState {
			mu.Lock()
			states = append(states, c.State.To)
			mu.Unlock()
		}
	})

	req.NoError(f.session.Start(context.Background()))
	first := f.waitConnected(t)
	req.Eventually(func() bool { return len(first.Subs()) == 2 }, time.Second, 5*time.Millisecond)

	first.Drop(errors.New("connection reset"))
	second := f.transport.WaitConn(t)
	req.Eventually(func() bool { return f.session.State() == livechat.StateConnected }, time.Second, 5*time.Millisecond)
	req.Eventually(func() bool { return len(second.Subs()) == 2 }, time.Second, 5*time.Millisecond)
	req.Equal([]string{livechat.GroupChatTopic, errorTopic}, second.Subs())
	req.Equal(1, f.session.ReconnectAttempts())

	for _, sub := range f.session.Subscriptions() {
		req.True(sub.Live, sub.Topic)
	}

	second.Push(livechat.GroupChatTopic, `{"id":"1","senderId":"bob","content":"back","timestamp":"2025-03-01T10:00:01"}`)
	f.waitView(t, "1:back")

	req.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) >= 4
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	req.Equal([]livechat.ConnectionState{
		livechat.StateConnecting, livechat.StateConnected,
		livechat.StateDisconnected, livechat.StateConnecting,
	}, states[:4])
	mu.Unlock()
}

func TestSession_RejectionOnErrorTopic(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t, nil, nil)
	req.NoError(f.session.Start(context.Background()))
	conn := f.waitConnected(t)
	req.Eventually(func() bool { return len(conn.Subs()) == 2 }, time.Second, 5*time.Millisecond)

	h, err := f.session.Send("spam")
	req.NoError(err)
	conn.Push(errorTopic, fmt.Sprintf(`{"correlationId":%q,"reason":"flood"}`, h.CorrelationID))

	var rejected *livechat.CommandRejectedError
	req.True(errors.As(wait(t, h), &rejected))
	req.Equal("flood", rejected.Reason)

	req.Eventually(func() bool {
		msgs := f.session.Snapshot()
		return len(msgs) == 1 && msgs[0].State == livechat.MessageFailed
	}, time.Second, 5*time.Millisecond)
	req.NoError(f.session.Discard(h))
	req.Empty(f.session.Snapshot())
}

func TestSession_Lifecycle(t *testing.T) {
	t.Run("commands before start", func(t *testing.T) {
		req := require.New(t)
		f := newSessionFixture(t, nil, nil)

		_, err := f.session.Send("hi")
		req.ErrorIs(err, livechat.ErrNotStarted)
		_, err = f.session.LoadHistory(context.Background())
		req.ErrorIs(err, livechat.ErrNotStarted)
		req.Equal(livechat.StateDisconnected, f.session.State())
	})

	t.Run("stop before start", func(t *testing.T) {
		req := require.New(t)
		f := newSessionFixture(t, nil, nil)

		f.session.Stop()
		req.Equal(livechat.StateClosed, f.session.State())
		req.ErrorIs(f.session.Start(context.Background()), livechat.ErrSessionClosed)
		req.Zero(f.transport.Dials())
	})

	t.Run("start is idempotent", func(t *testing.T) {
		req := require.New(t)
		f := newSessionFixture(t, nil, nil)

		req.NoError(f.session.Start(context.Background()))
		req.NoError(f.session.Start(context.Background()))
		f.waitConnected(t)
		req.Equal(1, f.transport.Dials())
	})

	t.Run("sending while disconnected", func(t *testing.T) {
		req := require.New(t)
		f := newSessionFixture(t, nil, nil)
		f.transport.FailAll(errors.New("refused"))

		req.NoError(f.session.Start(context.Background()))
		req.Eventually(func() bool { return f.transport.Dials() >= 2 }, time.Second, 5*time.Millisecond)
		_, err := f.session.Send("hi")
		req.ErrorIs(err, livechat.ErrNotConnected)
		req.Empty(f.session.Snapshot())
	})
}

func TestSession_NoChangesAfterStop(t *testing.T) {
	req := require.New(t)
	f := newSessionFixture(t, nil, nil)

	var mu sync.Mutex
	calls := 0
	f.session.Watch(func(livechat.Change) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	req.NoError(f.session.Start(context.Background()))
	conn := f.waitConnected(t)
	conn.Push(livechat.GroupChatTopic, `{"id":"1","senderId":"bob","content":"hi","timestamp":"2025-03-01T10:00:01"}`)
	f.waitView(t, "1:hi")

	f.session.Stop()
	mu.Lock()
	after := calls
	mu.Unlock()

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	req.Equal(after, calls)
}

func TestSession_StopCancelsHistoryFetch(t *testing.T) {
	newBlockedSession := func(t *testing.T, fetch func(ctx context.Context) ([]livechat.MessageRecord, error)) (*livechat.Session, chan struct{}) {
		t.Helper()
		ctrl := gomock.NewController(t)
		entered := make(chan struct{}, 4)

		history := mocks.NewMockHistoryFetcher(ctrl)
		history.EXPECT().
			FetchHistory(gomock.Any(), livechat.GroupChatTopic, "tok").
			DoAndReturn(func(ctx context.Context, _, _ string) ([]livechat.MessageRecord, error) {
				entered <- struct{}{}
				return fetch(ctx)
			}).
			AnyTimes()
		identity := mocks.NewMockIdentityProvider(ctrl)
		identity.EXPECT().Identity().Return(ann).AnyTimes()

		session, err := livechat.NewSession(testConfig(), livechat.NewFakeTransport(), history, identity)
		require.NoError(t, err)
		t.Cleanup(session.Stop)
		return session, entered
	}

	loadInBackground := func(s *livechat.Session) <-chan error {
		out := make(chan error, 1)
		go func() {
			_, err := s.LoadHistory(context.Background())
			out <- err
		}()
		return out
	}

	awaitErr := func(t *testing.T, ch <-chan error) error {
		t.Helper()
		select {
		case err := <-ch:
			return err
		case <-time.After(time.Second):
			t.Fatal("history fetch still running after Stop")
			return nil
		}
	}

	t.Run("in-flight fetch is cancelled", func(t *testing.T) {
		req := require.New(t)
		exited := make(chan error, 4)
		session, entered := newBlockedSession(t, func(ctx context.Context) ([]livechat.MessageRecord, error) {
			<-ctx.Done()
			exited <- ctx.Err()
			return nil, ctx.Err()
		})

		req.NoError(session.Start(context.Background()))
		<-entered
		loaded := loadInBackground(session)
		<-entered

		session.Stop()

		req.ErrorIs(awaitErr(t, loaded), livechat.ErrSessionClosed)
		req.ErrorIs(awaitErr(t, exited), context.Canceled)
		req.ErrorIs(awaitErr(t, exited), context.Canceled)
	})

	t.Run("records arriving after stop are discarded", func(t *testing.T) {
		req := require.New(t)
		release := make(chan struct{})
		returned := make(chan error, 4)
		session, entered := newBlockedSession(t, func(context.Context) ([]livechat.MessageRecord, error) {
			<-release
			returned <- nil
			return []livechat.MessageRecord{{ID: "1", SenderID: "bob", Content: "late", Timestamp: ts(1)}}, nil
		})

		req.NoError(session.Start(context.Background()))
		<-entered
		loaded := loadInBackground(session)
		<-entered

		session.Stop()
		close(release)

		req.ErrorIs(awaitErr(t, loaded), livechat.ErrSessionClosed)
		req.NoError(awaitErr(t, returned))
		req.NoError(awaitErr(t, returned))
		req.Empty(session.Snapshot())
	})
}
