package livechat

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ============================================================================
// Inputs
// ============================================================================

// Every change to the connection is one of these inputs, applied by
// transition on the session queue. Inputs carrying a stale generation are
// results of an attempt that has since been superseded and are ignored.
type (
	inputStart  struct{}
	inputStop   struct{}
	inputRetry  struct{ gen uint64 }
	inputOpened struct {
		gen  uint64
		conn Conn
	}
	inputFailed struct {
		gen uint64
		err error
	}
)

// ============================================================================
// ConnectionManager
// ============================================================================

// ConnectionManager owns the transport connection of one session: it dials,
// detects failure, waits a constant delay and dials again until stopped.
type ConnectionManager struct {
	transport      Transport
	url            string
	header         func() http.Header
	queue          *eventQueue
	backoff        backoff.BackOff
	connectTimeout time.Duration
	log            *slog.Logger
	metrics        *Metrics
	onFrame        func(Frame)

	mu       sync.RWMutex
	state    ConnectionState
	reason   *DisconnectReason
	watchers []*stateWatcher
	nextID   int

	attempts int

	// Owned by the queue goroutine.
	gen        uint64
	conn       Conn
	cancelDial context.CancelFunc
	retry      *time.Timer
}

type stateWatcher struct {
	id int
	fn func(StateChange)
}

// ConnectionOptions configures a ConnectionManager.
type ConnectionOptions struct {
	URL            string
	Header         func() http.Header
	ReconnectDelay time.Duration
	ConnectTimeout time.Duration
	Logger         *slog.Logger
	Metrics        *Metrics
	// OnFrame receives every inbound frame of the current connection.
	OnFrame func(Frame)
}

func newConnectionManager(transport Transport, queue *eventQueue, opts ConnectionOptions) *ConnectionManager {
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = DefaultConnectTimeout
	}
	if opts.Header == nil {
		opts.Header = func() http.Header { return http.Header{} }
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.OnFrame == nil {
		opts.OnFrame = func(Frame) {}
	}
	return &ConnectionManager{
		transport:      transport,
		url:            opts.URL,
		header:         opts.Header,
		queue:          queue,
		backoff:        backoff.NewConstantBackOff(opts.ReconnectDelay),
		connectTimeout: opts.ConnectTimeout,
		log:            opts.Logger.With("component", "connection"),
		metrics:        opts.Metrics,
		onFrame:        opts.OnFrame,
		state:          StateDisconnected,
	}
}

// State returns the current connection state.
func (cm *ConnectionManager) State() ConnectionState {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.state
}

// Reason returns why the connection was last lost, if it was.
func (cm *ConnectionManager) Reason() *DisconnectReason {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.reason
}

// Attempts returns how many reconnect attempts were made since Start.
func (cm *ConnectionManager) Attempts() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.attempts
}

// Watch registers fn for every state change. fn runs on the session queue
// and must not block. The returned function removes the watcher.
func (cm *ConnectionManager) Watch(fn func(StateChange)) func() {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.nextID++
	id := cm.nextID
	cm.watchers = append(cm.watchers, &stateWatcher{id: id, fn: fn})
	return func() {
		cm.mu.Lock()
		defer cm.mu.Unlock()
		for i, w := range cm.watchers {
			if w.id == id {
				cm.watchers = append(cm.watchers[:i], cm.watchers[i+1:]...)
				return
			}
		}
	}
}

// Start begins connecting. It is a no-op unless the manager is Disconnected.
func (cm *ConnectionManager) Start() {
	cm.queue.call(func() { cm.transition(inputStart{}) })
}

// Stop closes the connection for good. The manager ends in Closed and never
// dials again.
func (cm *ConnectionManager) Stop() {
	cm.queue.call(func() { cm.transition(inputStop{}) })
}

// transition is the connection state machine. It must run on the queue.
func (cm *ConnectionManager) transition(in any) {
	state := cm.State()
	if state == StateClosed {
		if opened, ok := in.(inputOpened); ok {
			_ = opened.conn.Close()
		}
		return
	}

	switch in := in.(type) {
	case inputStart:
		if state != StateDisconnected {
			return
		}
		cm.backoff.Reset()
		cm.mu.Lock()
		cm.attempts = 0
		cm.mu.Unlock()
		cm.connect()

	case inputRetry:
		if in.gen != cm.gen || state != StateDisconnected {
			return
		}
		cm.mu.Lock()
		cm.attempts++
		cm.mu.Unlock()
		cm.metrics.reconnectAttempted()
		cm.connect()

	case inputOpened:
		if in.gen != cm.gen || state != StateConnecting {
			_ = in.conn.Close()
			return
		}
		cm.cancelDial = nil
		cm.conn = in.conn
		cm.backoff.Reset()
		cm.setState(StateConnected, nil)
		go cm.pump(in.gen, in.conn)

	case inputFailed:
		if in.gen != cm.gen || (state != StateConnecting && state != StateConnected) {
			return
		}
		cm.dropConn()
		reason := &DisconnectReason{Category: categorize(in.err), Err: in.err}
		cm.setState(StateDisconnected, reason)
		cm.scheduleRetry()

	case inputStop:
		cm.gen++
		if cm.retry != nil {
			cm.retry.Stop()
			cm.retry = nil
		}
		if cm.cancelDial != nil {
			cm.cancelDial()
			cm.cancelDial = nil
		}
		cm.dropConn()
		cm.setState(StateClosed, nil)
	}
}

func (cm *ConnectionManager) connect() {
	cm.gen++
	gen := cm.gen
	ctx, cancel := context.WithTimeout(context.Background(), cm.connectTimeout)
	cm.cancelDial = cancel
	header := cm.header()
	cm.setState(StateConnecting, nil)

	go func() {
		defer cancel()
		conn, err := cm.transport.Connect(ctx, cm.url, header)
		if err != nil {
			cm.queue.post(func() { cm.transition(inputFailed{gen: gen, err: err}) })
			return
		}
		if !cm.queue.post(func() { cm.transition(inputOpened{gen: gen, conn: conn}) }) {
			_ = conn.Close()
		}
	}()
}

// pump forwards inbound frames to the queue until the connection ends.
func (cm *ConnectionManager) pump(gen uint64, conn Conn) {
	for f := range conn.Frames() {
		frame := f
		if !cm.queue.post(func() {
			if cm.gen == gen && cm.State() == StateConnected {
				cm.onFrame(frame)
			}
		}) {
			return
		}
	}
	err := conn.Err()
	if err == nil {
		err = errConnectionClosed
	}
	cm.queue.post(func() { cm.transition(inputFailed{gen: gen, err: err}) })
}

func (cm *ConnectionManager) scheduleRetry() {
	delay := cm.backoff.NextBackOff()
	if delay == backoff.Stop {
		delay = DefaultReconnectDelay
	}
	gen := cm.gen
	cm.log.Info("reconnect scheduled", "delay", delay, "attempt", cm.Attempts()+1)
	cm.retry = time.AfterFunc(delay, func() {
		cm.queue.post(func() { cm.transition(inputRetry{gen: gen}) })
	})
}

func (cm *ConnectionManager) dropConn() {
	if cm.conn == nil {
		return
	}
	if err := cm.conn.Close(); err != nil {
		cm.log.Debug("close connection", "error", err)
	}
	cm.conn = nil
}

func (cm *ConnectionManager) setState(to ConnectionState, reason *DisconnectReason) {
	cm.mu.Lock()
	from := cm.state
	cm.state = to
	if reason != nil {
		cm.reason = reason
	}
	watchers := append([]*stateWatcher(nil), cm.watchers...)
	cm.mu.Unlock()

	if from == to {
		return
	}
	if reason != nil {
		cm.log.Warn("connection lost", "from", from, "to", to, "reason", reason.String())
	} else {
		cm.log.Info("connection state", "from", from, "to", to)
	}
	cm.metrics.connectionState(to)

	change := StateChange{From: from, To: to, Reason: reason}
	for _, w := range watchers {
		w.fn(change)
	}
}

// ============================================================================
// Outbound traffic
// ============================================================================

// All outbound traffic goes through these; they run on the queue.

func (cm *ConnectionManager) subscribe(topic string) error {
	if cm.conn == nil || cm.State() != StateConnected {
		return ErrNotConnected
	}
	return cm.conn.Subscribe(topic)
}

func (cm *ConnectionManager) unsubscribe(topic string) error {
	if cm.conn == nil || cm.State() != StateConnected {
		return ErrNotConnected
	}
	return cm.conn.Unsubscribe(topic)
}

func (cm *ConnectionManager) publish(destination string, payload []byte) error {
	if cm.conn == nil || cm.State() != StateConnected {
		return ErrNotConnected
	}
	return cm.conn.Publish(destination, payload)
}
