package livechat

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNotifier_DeliversInOrder(t *testing.T) {
	req := require.New(t)
	n := newNotifier(discardLogger())
	defer n.close()

	var mu sync.Mutex
	var kinds []ChangeKind
	n.watch(func(c Change) {
		mu.Lock()
		kinds = append(kinds, c.Kind)
		mu.Unlock()
	})
	req.True(n.active())

	n.emit(Change{Kind: ChangeState})
	n.emit(Change{Kind: ChangeMessages})
	n.emit(Change{Kind: ChangeHistoryFailed})

	req.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(kinds) == 3
	}, time.Second, 5*time.Millisecond)
	req.Equal([]ChangeKind{ChangeState, ChangeMessages, ChangeHistoryFailed}, kinds)
}

func TestNotifier_RecoversPanics(t *testing.T) {
	req := require.New(t)
	n := newNotifier(discardLogger())
	defer n.close()

	got := make(chan ChangeKind, 2)
	n.watch(func(Change) { panic("boom") })
	n.watch(func(c Change) { got <- c.Kind })

	n.emit(Change{Kind: ChangeState})
	n.emit(Change{Kind: ChangeMessages})

	for _, want := range []ChangeKind{ChangeState, ChangeMessages} {
		select {
		case k := <-got:
			req.Equal(want, k)
		case <-time.After(time.Second):
			req.Fail("change not delivered")
		}
	}
}

func TestNotifier_Unwatch(t *testing.T) {
	req := require.New(t)
	n := newNotifier(discardLogger())
	defer n.close()

	stop := n.watch(func(Change) {})
	req.True(n.active())
	stop()
	req.False(n.active())
}

func TestNotifier_NothingAfterClose(t *testing.T) {
	req := require.New(t)
	n := newNotifier(discardLogger())

	release := make(chan struct{})
	var mu sync.Mutex
	calls := 0
	n.watch(func(Change) {
		mu.Lock()
		calls++
		mu.Unlock()
		<-release
	})

	n.emit(Change{Kind: ChangeState})
	n.emit(Change{Kind: ChangeMessages})
	req.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, time.Second, 5*time.Millisecond)

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(release)
	}()
	n.close()

	n.emit(Change{Kind: ChangeState})
	req.False(n.active())
	mu.Lock()
	defer mu.Unlock()
	req.Equal(1, calls)

	stop := n.watch(func(Change) {})
	stop()
}
