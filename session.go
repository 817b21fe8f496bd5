// Package livechat keeps a client-side view of a realtime chat topic in sync
// with the server.
//
// A Session merges a history snapshot with a live stream of created, edited
// and deleted events into one de-duplicated, ordered list of messages, keeps
// the connection alive across failures and issues send, edit and delete
// commands.
//
// Example:
//
//	session, _ := livechat.NewSession(livechat.SessionConfig{
//		URL:   "ws://localhost:8080/chat-websocket",
//		Topic: livechat.GroupChatTopic,
//	}, livechat.NewWSTransport(nil), livechat.NewClient(), livechat.StaticIdentity{UserID: "alice"})
//
//	stop := session.Watch(func(c livechat.Change) { render(c.Messages) })
//	defer stop()
//
//	session.Start(ctx)
//	defer session.Stop()
//
//	handle, err := session.Send("hello")
package livechat

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const queueSize = 256

// Session owns every component of one topic view. Sessions share nothing.
type Session struct {
	cfg      SessionConfig
	log      *slog.Logger
	metrics  *Metrics
	history  HistoryFetcher
	identity IdentityProvider
	clock    func() time.Time

	queue   *eventQueue
	store   *MessageStore
	conn    *ConnectionManager
	router  *SubscriptionRouter
	engine  *ReconciliationEngine
	gateway *CommandGateway
	decoder *Decoder
	notify  *notifier

	// ctx is cancelled by Stop; every history fetch is bound to it.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	stopped bool
}

// Option configures a Session.
type Option func(*Session)

func WithLogger(log *slog.Logger) Option {
	return func(s *Session) { s.log = log }
}

func WithMetrics(m *Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

func WithClock(clock func() time.Time) Option {
	return func(s *Session) { s.clock = clock }
}

// NewSession builds a session for cfg.Topic. history may be nil when the
// profile does not load history; identity may be nil for anonymous use.
func NewSession(cfg SessionConfig, transport Transport, history HistoryFetcher, identity IdentityProvider, opts ...Option) (*Session, error) {
	cfg.defaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, errors.New("livechat: nil transport")
	}
	if identity == nil {
		identity = StaticIdentity{}
	}

	s := &Session{
		cfg:      cfg,
		history:  history,
		identity: identity,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = discardLogger()
	}
	s.log = s.log.With("topic", cfg.Topic, "profile", cfg.Profile.Name)

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.queue = newEventQueue(queueSize, s.log)
	s.store = NewMessageStore()
	s.notify = newNotifier(s.log)
	s.decoder = NewDecoder(s.store.Has, cfg.Profile.SynthesizeIDs)

	s.conn = newConnectionManager(transport, s.queue, ConnectionOptions{
		URL:            cfg.URL,
		Header:         func() http.Header { return s.identity.Identity().header() },
		ReconnectDelay: cfg.ReconnectDelay,
		ConnectTimeout: cfg.ConnectTimeout,
		Logger:         s.log,
		Metrics:        s.metrics,
		OnFrame:        func(f Frame) { s.router.deliver(f) },
	})
	s.router = newSubscriptionRouter(s.conn, s.log)
	s.engine = newReconciliationEngine(s.store, cfg.Topic, cfg.Profile, s.log, s.metrics)

	commandRate := cfg.CommandRate
	if commandRate < 0 {
		commandRate = 0
	}
	s.gateway = newCommandGateway(s.conn, s.store, s.queue, gatewayOptions{
		Topic:          cfg.Topic,
		Profile:        cfg.Profile,
		Destinations:   cfg.Destinations,
		Identity:       s.identity,
		Clock:          s.clock,
		ConfirmTimeout: cfg.ConfirmTimeout,
		CommandRate:    commandRate,
		CommandBurst:   cfg.CommandBurst,
		Logger:         s.log,
		Metrics:        s.metrics,
		OnChange:       s.emitMessages,
	})

	s.conn.Watch(s.router.onStateChange)
	s.conn.Watch(func(c StateChange) {
		s.notify.emit(Change{Kind: ChangeState, State: c, Messages: s.store.Snapshot()})
	})
	s.engine.OnApplied(s.gateway.onApplied)
	s.engine.OnConfirmed(s.gateway.onConfirmed)
	s.engine.OnApplied(func(_ Event, outcome Outcome, _ Message) {
		if outcome == Applied {
			s.emitMessages()
		}
	})
	return s, nil
}

// Start subscribes the topic, begins connecting and, when the profile loads
// history, fetches the snapshot in the background. ctx bounds that fetch.
// A failed fetch is reported as a ChangeHistoryFailed change.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	go s.queue.run()
	s.mu.Unlock()

	s.queue.call(func() {
		s.router.Subscribe(s.cfg.Topic, s.onFrame)
		if s.cfg.ErrorTopic != "" {
			s.router.Subscribe(s.cfg.ErrorTopic, s.onRejection)
		}
	})
	s.conn.Start()

	if s.cfg.Profile.History && s.history != nil {
		go s.loadInitialHistory(ctx)
	}
	s.log.Info("session started", "url", s.cfg.URL)
	return nil
}

// Stop tears the session down: history fetches are cancelled, topics are
// unsubscribed, the connection is closed, the view is cleared and pending
// commands resolve with ErrSessionClosed. No change is delivered after Stop
// returns. Stop must not be called from a Watch handler.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	started := s.started
	s.mu.Unlock()

	s.cancel()
	if started {
		s.queue.call(s.router.Close)
		s.conn.Stop()
		s.queue.call(func() {
			s.gateway.close()
			s.store.Clear()
		})
		s.queue.stop()
	} else {
		s.conn.setState(StateClosed, nil)
	}
	s.notify.close()
	s.log.Info("session stopped")
}

// LoadHistory fetches the snapshot and merges it into the view. The fetch
// ends when ctx is done or the session stops, whichever comes first.
func (s *Session) LoadHistory(ctx context.Context) (SeedResult, error) {
	if s.history == nil || !s.cfg.Profile.History {
		return SeedResult{}, ErrUnsupported
	}
	if err := s.running(); err != nil {
		return SeedResult{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.HistoryTimeout)
	defer cancel()
	detach := context.AfterFunc(s.ctx, cancel)
	defer detach()

	records, err := s.history.FetchHistory(ctx, s.cfg.Topic, s.identity.Identity().Token)
	if s.ctx.Err() != nil {
		return SeedResult{}, ErrSessionClosed
	}
	if err != nil {
		s.metrics.historyFailed()
		var fe *FetchError
		if !errors.As(err, &fe) {
			err = &FetchError{Topic: s.cfg.Topic, Err: err}
		}
		return SeedResult{}, err
	}

	var (
		result SeedResult
		closed bool
	)
	if !s.queue.call(func() {
		// Stop may have cleared the store while this was queued.
		if closed = s.running() != nil; closed {
			return
		}
		result = s.engine.Seed(records)
		if result.Added+result.Updated > 0 {
			s.emitMessages()
		}
	}) || closed {
		return SeedResult{}, ErrSessionClosed
	}
	return result, nil
}

func (s *Session) loadInitialHistory(ctx context.Context) {
	_, err := s.LoadHistory(ctx)
	if err == nil || errors.Is(err, ErrSessionClosed) || ctx.Err() != nil {
		return
	}
	s.log.Warn("history fetch failed", "error", err)
	s.queue.post(func() {
		s.notify.emit(Change{Kind: ChangeHistoryFailed, Err: err, Messages: s.store.Snapshot()})
	})
}

// onFrame runs on the queue for every frame on the session topic.
func (s *Session) onFrame(f Frame) {
	ev, err := s.decoder.Decode(f)
	if err != nil {
		s.metrics.malformedFrame()
		s.log.Warn("dropping malformed frame", "error", err)
		return
	}
	s.engine.Apply(ev)
}

// onRejection runs on the queue for frames on the error topic.
func (s *Session) onRejection(f Frame) {
	r, err := DecodeRejection(f)
	if err != nil {
		s.metrics.malformedFrame()
		s.log.Warn("dropping malformed rejection", "error", err)
		return
	}
	s.gateway.reject(r)
}

func (s *Session) emitMessages() {
	if !s.notify.active() {
		return
	}
	s.notify.emit(Change{Kind: ChangeMessages, Messages: s.store.Snapshot()})
}

// Messages yields the current view in display order.
func (s *Session) Messages() iter.Seq[Message] { return s.store.All() }

// Snapshot returns the current view in display order.
func (s *Session) Snapshot() []Message { return s.store.Snapshot() }

// State returns the connection state.
func (s *Session) State() ConnectionState { return s.conn.State() }

// Reason returns why the connection was last lost.
func (s *Session) Reason() *DisconnectReason { return s.conn.Reason() }

// ReconnectAttempts returns the reconnect attempts since Start.
func (s *Session) ReconnectAttempts() int { return s.conn.Attempts() }

// Subscriptions lists the session's topics and whether they are live.
func (s *Session) Subscriptions() []Subscription { return s.router.Subscriptions() }

// Identity returns the identity commands are stamped with.
func (s *Session) Identity() Identity { return s.identity.Identity() }

// Watch registers fn for every change of the view or connection. Handlers run
// on a dedicated goroutine in emission order. The returned function removes
// the handler.
func (s *Session) Watch(fn ChangeHandler) func() { return s.notify.watch(fn) }

// Send publishes content as a new message.
func (s *Session) Send(content string) (*PendingHandle, error) {
	if err := s.running(); err != nil {
		return nil, err
	}
	return s.gateway.Send(content)
}

// Edit replaces the content of a confirmed message.
func (s *Session) Edit(id, content string) (*PendingHandle, error) {
	if err := s.running(); err != nil {
		return nil, err
	}
	return s.gateway.Edit(id, content)
}

// Delete tombstones a confirmed message.
func (s *Session) Delete(id string) (*PendingHandle, error) {
	if err := s.running(); err != nil {
		return nil, err
	}
	return s.gateway.Delete(id)
}

// Retry republishes a send that failed.
func (s *Session) Retry(h *PendingHandle) (*PendingHandle, error) {
	if err := s.running(); err != nil {
		return nil, err
	}
	return s.gateway.Retry(h)
}

// Discard drops a failed send from the view.
func (s *Session) Discard(h *PendingHandle) error {
	if err := s.running(); err != nil {
		return err
	}
	return s.gateway.Discard(h)
}

func (s *Session) running() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.stopped:
		return ErrSessionClosed
	case !s.started:
		return ErrNotStarted
	}
	return nil
}
