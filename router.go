package livechat

import (
	"log/slog"
	"sync"

	"github.com/samber/lo"
)

// Handler consumes frames delivered on a topic.
type Handler func(Frame)

// SubscriptionHandle identifies one registered handler.
type SubscriptionHandle struct {
	id    uint64
	topic string
}

// Topic returns the topic the handle is registered on.
func (h *SubscriptionHandle) Topic() string { return h.topic }

// Subscription is a topic and whether it is currently live on the transport.
type Subscription struct {
	Topic string
	Live  bool
}

// subscriber is the outbound side the router needs; ConnectionManager
// provides it.
type subscriber interface {
	State() ConnectionState
	subscribe(topic string) error
	unsubscribe(topic string) error
}

type topicEntry struct {
	name     string
	handlers []*registeredHandler
	live     bool
}

type registeredHandler struct {
	id uint64
	fn Handler
}

// SubscriptionRouter maps topics to handlers and re-subscribes every topic
// with at least one handler each time the connection comes up.
type SubscriptionRouter struct {
	conn subscriber
	log  *slog.Logger

	mu     sync.Mutex
	topics []*topicEntry
	nextID uint64
}

func newSubscriptionRouter(conn subscriber, log *slog.Logger) *SubscriptionRouter {
	if log == nil {
		log = discardLogger()
	}
	return &SubscriptionRouter{conn: conn, log: log.With("component", "router")}
}

// Subscribe registers h for topic. If the connection is up and the topic is
// not yet live it is subscribed immediately.
func (r *SubscriptionRouter) Subscribe(topic string, h Handler) *SubscriptionHandle {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	handle := &SubscriptionHandle{id: r.nextID, topic: topic}

	entry, ok := lo.Find(r.topics, func(t *topicEntry) bool { return t.name == topic })
	if !ok {
		entry = &topicEntry{name: topic}
		r.topics = append(r.topics, entry)
	}
	entry.handlers = append(entry.handlers, &registeredHandler{id: handle.id, fn: h})

	if !entry.live && r.conn.State() == StateConnected {
		r.activate(entry)
	}
	return handle
}

// Unsubscribe removes the handler. Removing the last handler of a topic
// unsubscribes it on the transport; a failure there is logged only.
func (r *SubscriptionRouter) Unsubscribe(handle *SubscriptionHandle) {
	if handle == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := lo.IndexOf(lo.Map(r.topics, func(t *topicEntry, _ int) string { return t.name }), handle.topic)
	if idx < 0 {
		return
	}
	entry := r.topics[idx]
	entry.handlers = lo.Reject(entry.handlers, func(h *registeredHandler, _ int) bool { return h.id == handle.id })
	if len(entry.handlers) > 0 {
		return
	}

	r.topics = append(r.topics[:idx], r.topics[idx+1:]...)
	if entry.live {
		if err := r.conn.unsubscribe(entry.name); err != nil {
			r.log.Warn("unsubscribe failed", "topic", entry.name, "error", err)
		}
	}
}

// Subscriptions lists every topic with its liveness, in registration order.
func (r *SubscriptionRouter) Subscriptions() []Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo.Map(r.topics, func(t *topicEntry, _ int) Subscription {
		return Subscription{Topic: t.name, Live: t.live}
	})
}

// onStateChange is registered as a connection watcher.
func (r *SubscriptionRouter) onStateChange(change StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if change.To != StateConnected {
		for _, t := range r.topics {
			t.live = false
		}
		return
	}
	for _, t := range r.topics {
		if len(t.handlers) > 0 && !t.live {
			r.activate(t)
		}
	}
}

func (r *SubscriptionRouter) activate(t *topicEntry) {
	if err := r.conn.subscribe(t.name); err != nil {
		r.log.Warn("subscribe failed", "topic", t.name, "error", err)
		return
	}
	t.live = true
	r.log.Debug("subscribed", "topic", t.name)
}

// deliver hands a frame to every handler of its topic. Frames for topics
// that are not live are dropped.
func (r *SubscriptionRouter) deliver(f Frame) {
	r.mu.Lock()
	entry, ok := lo.Find(r.topics, func(t *topicEntry) bool { return t.name == f.Topic })
	if !ok || !entry.live {
		r.mu.Unlock()
		r.log.Debug("dropping frame for inactive topic", "topic", f.Topic)
		return
	}
	handlers := append([]*registeredHandler(nil), entry.handlers...)
	r.mu.Unlock()

	for _, h := range handlers {
		h.fn(f)
	}
}

// Close drops every subscription, unsubscribing live topics best-effort.
func (r *SubscriptionRouter) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.topics {
		if t.live {
			if err := r.conn.unsubscribe(t.name); err != nil {
				r.log.Debug("unsubscribe on close", "topic", t.name, "error", err)
			}
		}
	}
	r.topics = nil
}
