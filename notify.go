package livechat

import (
	"log/slog"
	"sync"
)

// ============================================================================
// Change notifications
// ============================================================================

// ChangeKind tags a Change.
type ChangeKind string

const (
	// ChangeMessages: the ordered view changed.
	ChangeMessages ChangeKind = "messages"
	// ChangeState: the connection state changed.
	ChangeState ChangeKind = "state"
	// ChangeHistoryFailed: the automatic history fetch failed.
	ChangeHistoryFailed ChangeKind = "history_failed"
)

// Change is delivered to session watchers. Messages holds the ordered view
// at the time of the change, for every kind.
type Change struct {
	Kind     ChangeKind
	Messages []Message
	State    StateChange
	Err      error
}

// ChangeHandler receives session changes.
type ChangeHandler func(Change)

// notifier delivers changes to user handlers on its own goroutine, in the
// order they were emitted, so handlers may call back into the session.
type notifier struct {
	log *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	pending  []Change
	handlers []*changeHandler
	nextID   int
	closed   bool

	done chan struct{}
}

type changeHandler struct {
	id int
	fn ChangeHandler
}

func newNotifier(log *slog.Logger) *notifier {
	n := &notifier{log: log, done: make(chan struct{})}
	n.cond = sync.NewCond(&n.mu)
	go n.run()
	return n
}

func (n *notifier) watch(fn ChangeHandler) func() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return func() {}
	}
	n.nextID++
	id := n.nextID
	n.handlers = append(n.handlers, &changeHandler{id: id, fn: fn})
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		for i, h := range n.handlers {
			if h.id == id {
				n.handlers = append(n.handlers[:i], n.handlers[i+1:]...)
				return
			}
		}
	}
}

// active reports whether any handler is registered.
func (n *notifier) active() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return !n.closed && len(n.handlers) > 0
}

// emit queues c without blocking.
func (n *notifier) emit(c Change) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed || len(n.handlers) == 0 {
		return
	}
	n.pending = append(n.pending, c)
	n.cond.Signal()
}

func (n *notifier) run() {
	defer close(n.done)
	for {
		n.mu.Lock()
		for len(n.pending) == 0 && !n.closed {
			n.cond.Wait()
		}
		if n.closed {
			n.mu.Unlock()
			return
		}
		c := n.pending[0]
		n.pending = n.pending[1:]
		handlers := append([]*changeHandler(nil), n.handlers...)
		n.mu.Unlock()

		for _, h := range handlers {
			if n.isClosed() {
				break
			}
			n.deliver(h.fn, c)
		}
	}
}

func (n *notifier) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

func (n *notifier) deliver(fn ChangeHandler, c Change) {
	defer func() {
		if r := recover(); r != nil {
			n.log.Error("panic in change handler", "kind", c.Kind, "panic", r)
		}
	}()
	fn(c)
}

// close drops queued changes and every handler, then waits for an in-flight
// delivery to return. It must not be called from a handler.
func (n *notifier) close() {
	n.mu.Lock()
	n.closed = true
	n.pending = nil
	n.handlers = nil
	n.cond.Broadcast()
	n.mu.Unlock()
	<-n.done
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
