package livechat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// CommandOp names an outbound command.
type CommandOp int

const (
	OpSend CommandOp = iota + 1
	OpEdit
	OpDelete
)

func (o CommandOp) String() string {
	switch o {
	case OpSend:
		return "send"
	case OpEdit:
		return "edit"
	case OpDelete:
		return "delete"
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// ============================================================================
// PendingHandle
// ============================================================================

// PendingHandle tracks one command until the server confirms or refuses it.
type PendingHandle struct {
	Op            CommandOp
	CorrelationID string

	mu        sync.Mutex
	messageID string
	err       error
	done      chan struct{}
}

func newPendingHandle(op CommandOp, correlationID, messageID string) *PendingHandle {
	return &PendingHandle{Op: op, CorrelationID: correlationID, messageID: messageID, done: make(chan struct{})}
}

// Done is closed once the command is resolved.
func (h *PendingHandle) Done() <-chan struct{} { return h.done }

// Err returns the resolution: nil while unresolved or when confirmed.
func (h *PendingHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// MessageID is the server id of the target; for sends it is known once the
// message is confirmed.
func (h *PendingHandle) MessageID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.messageID
}

// Wait blocks until the command resolves or ctx ends.
func (h *PendingHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *PendingHandle) resolve(messageID string, err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return false
	default:
	}
	if messageID != "" {
		h.messageID = messageID
	}
	h.err = err
	close(h.done)
	return true
}

// ============================================================================
// CommandGateway
// ============================================================================

// publisher is the outbound side the gateway needs; ConnectionManager
// provides it.
type publisher interface {
	State() ConnectionState
	publish(destination string, payload []byte) error
}

type inflight struct {
	handle *PendingHandle
	target string
	order  uint64
	timer  *time.Timer
}

// CommandGateway issues send, edit and delete commands. A send is shown
// immediately as a pending message; edits and deletes change nothing until
// the server broadcasts the result.
type CommandGateway struct {
	conn           publisher
	store          *MessageStore
	queue          *eventQueue
	topic          string
	profile        Profile
	dest           Destinations
	identity       IdentityProvider
	clock          func() time.Time
	confirmTimeout time.Duration
	limiter        *rate.Limiter
	log            *slog.Logger
	metrics        *Metrics
	onChange       func()

	// Owned by the queue goroutine.
	inflight map[string]*inflight
	issued   uint64
}

type gatewayOptions struct {
	Topic          string
	Profile        Profile
	Destinations   Destinations
	Identity       IdentityProvider
	Clock          func() time.Time
	ConfirmTimeout time.Duration
	CommandRate    float64
	CommandBurst   int
	Logger         *slog.Logger
	Metrics        *Metrics
	OnChange       func()
}

func newCommandGateway(conn publisher, store *MessageStore, queue *eventQueue, opts gatewayOptions) *CommandGateway {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Identity == nil {
		opts.Identity = StaticIdentity{}
	}
	if opts.ConfirmTimeout <= 0 {
		opts.ConfirmTimeout = DefaultConfirmTimeout
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.OnChange == nil {
		opts.OnChange = func() {}
	}
	var limiter *rate.Limiter
	if opts.CommandRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.CommandRate), max(opts.CommandBurst, 1))
	}
	return &CommandGateway{
		conn:           conn,
		store:          store,
		queue:          queue,
		topic:          opts.Topic,
		profile:        opts.Profile,
		dest:           opts.Destinations,
		identity:       opts.Identity,
		clock:          opts.Clock,
		confirmTimeout: opts.ConfirmTimeout,
		limiter:        limiter,
		log:            opts.Logger.With("component", "gateway"),
		metrics:        opts.Metrics,
		onChange:       opts.OnChange,
		inflight:       make(map[string]*inflight),
	}
}

// Send publishes a new message and shows it as pending until the server
// echoes it back.
func (g *CommandGateway) Send(content string) (*PendingHandle, error) {
	if err := g.check(OpSend); err != nil {
		return nil, err
	}
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}
	return g.run(func() (*PendingHandle, error) { return g.send(content) })
}

// Edit asks the server to replace the content of a confirmed message.
func (g *CommandGateway) Edit(id, content string) (*PendingHandle, error) {
	if err := g.check(OpEdit); err != nil {
		return nil, err
	}
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}
	return g.run(func() (*PendingHandle, error) {
		return g.mutate(OpEdit, id, func(corr string) ([]byte, error) {
			body := updatePayload{MessageID: id, Content: content}
			if g.dest.Tagged {
				body.CorrelationID = corr
			}
			return json.Marshal(body)
		})
	})
}

// Delete asks the server to tombstone a confirmed message.
func (g *CommandGateway) Delete(id string) (*PendingHandle, error) {
	if err := g.check(OpDelete); err != nil {
		return nil, err
	}
	return g.run(func() (*PendingHandle, error) {
		return g.mutate(OpDelete, id, func(corr string) ([]byte, error) {
			if !g.dest.Tagged {
				return []byte(id), nil
			}
			return json.Marshal(deletePayload{MessageID: id, CorrelationID: corr})
		})
	})
}

// Retry publishes a failed send again under the same correlation id.
func (g *CommandGateway) Retry(h *PendingHandle) (*PendingHandle, error) {
	if h == nil || h.Op != OpSend {
		return nil, ErrNotFailed
	}
	return g.run(func() (*PendingHandle, error) { return g.retry(h.CorrelationID) })
}

// Discard removes a failed send from the view.
func (g *CommandGateway) Discard(h *PendingHandle) error {
	if h == nil || h.Op != OpSend {
		return ErrNotFailed
	}
	_, err := g.run(func() (*PendingHandle, error) {
		m, ok := g.store.Pending(h.CorrelationID)
		if !ok || m.State != MessageFailed {
			return nil, ErrNotFailed
		}
		g.store.Discard(h.CorrelationID)
		g.metrics.storeSize(g.store.Len())
		g.onChange()
		return nil, nil
	})
	return err
}

func (g *CommandGateway) check(op CommandOp) error {
	if !g.profile.allows(op) {
		return ErrUnsupported
	}
	return nil
}

func (g *CommandGateway) run(fn func() (*PendingHandle, error)) (*PendingHandle, error) {
	var (
		h   *PendingHandle
		err error
	)
	if !g.queue.call(func() { h, err = fn() }) {
		return nil, ErrSessionClosed
	}
	return h, err
}

// admit checks connectivity and the rate limit; it runs on the queue.
func (g *CommandGateway) admit(op CommandOp) error {
	if g.conn.State() != StateConnected {
		g.metrics.command(op, "not_connected")
		return ErrNotConnected
	}
	if g.limiter != nil && !g.limiter.Allow() {
		g.metrics.command(op, "rate_limited")
		return ErrRateLimited
	}
	return nil
}

func (g *CommandGateway) send(content string) (*PendingHandle, error) {
	if err := g.admit(OpSend); err != nil {
		return nil, err
	}

	id := g.identity.Identity()
	corr := uuid.NewString()
	payload, err := g.sendBody(content, corr)
	if err != nil {
		return nil, fmt.Errorf("encode send: %w", err)
	}
	if err := g.conn.publish(g.dest.Send, payload); err != nil {
		g.metrics.command(OpSend, "publish_failed")
		return nil, err
	}

	g.store.Upsert(Message{
		CorrelationID: corr,
		TopicID:       g.topic,
		SenderID:      id.UserID,
		SenderName:    id.Name,
		Content:       content,
		Timestamp:     g.clock().UTC(),
		State:         MessagePending,
	})
	g.metrics.storeSize(g.store.Len())

	h := newPendingHandle(OpSend, corr, "")
	g.track(h, "")
	g.metrics.command(OpSend, "published")
	g.log.Debug("message sent", "correlation_id", corr)
	g.onChange()
	return h, nil
}

// sendBody is the raw content unless destinations are tagged.
func (g *CommandGateway) sendBody(content, corr string) ([]byte, error) {
	if !g.dest.Tagged {
		return []byte(content), nil
	}
	return json.Marshal(sendPayload{TopicID: g.topic, Content: content, CorrelationID: corr})
}

func (g *CommandGateway) mutate(op CommandOp, id string, build func(corr string) ([]byte, error)) (*PendingHandle, error) {
	target, ok := g.store.Get(id)
	switch {
	case !ok:
		return nil, ErrUnknownTarget
	case target.State != MessageConfirmed:
		return nil, ErrNotConfirmed
	case target.Deleted():
		return nil, ErrAlreadyDeleted
	}
	if err := g.admit(op); err != nil {
		return nil, err
	}

	corr := uuid.NewString()
	payload, err := build(corr)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", op, err)
	}
	dest := g.dest.Edit
	if op == OpDelete {
		dest = g.dest.Delete
	}
	if err := g.conn.publish(dest, payload); err != nil {
		g.metrics.command(op, "publish_failed")
		return nil, err
	}

	h := newPendingHandle(op, corr, id)
	g.track(h, id)
	g.metrics.command(op, "published")
	g.log.Debug("command sent", "op", op, "id", id, "correlation_id", corr)
	return h, nil
}

func (g *CommandGateway) retry(corr string) (*PendingHandle, error) {
	m, ok := g.store.Pending(corr)
	if !ok || m.State != MessageFailed {
		return nil, ErrNotFailed
	}
	if err := g.admit(OpSend); err != nil {
		return nil, err
	}
	payload, err := g.sendBody(m.Content, corr)
	if err != nil {
		return nil, fmt.Errorf("encode send: %w", err)
	}
	if err := g.conn.publish(g.dest.Send, payload); err != nil {
		g.metrics.command(OpSend, "publish_failed")
		return nil, err
	}
	g.store.Requeue(corr, g.clock().UTC())

	h := newPendingHandle(OpSend, corr, "")
	g.track(h, "")
	g.metrics.command(OpSend, "retried")
	g.onChange()
	return h, nil
}

func (g *CommandGateway) track(h *PendingHandle, target string) {
	corr := h.CorrelationID
	g.issued++
	entry := &inflight{handle: h, target: target, order: g.issued}
	entry.timer = time.AfterFunc(g.confirmTimeout, func() {
		g.queue.post(func() { g.expire(corr, entry) })
	})
	g.inflight[corr] = entry
}

// finish resolves and forgets an in-flight command.
func (g *CommandGateway) finish(corr string, messageID string, err error) {
	entry, ok := g.inflight[corr]
	if !ok {
		return
	}
	delete(g.inflight, corr)
	entry.timer.Stop()
	entry.handle.resolve(messageID, err)
}

func (g *CommandGateway) expire(corr string, entry *inflight) {
	if g.inflight[corr] != entry {
		return
	}
	g.finish(corr, "", ErrConfirmTimeout)
	g.metrics.command(entry.handle.Op, "timeout")
	if entry.handle.Op != OpSend {
		g.log.Warn("command not confirmed, view unchanged", "op", entry.handle.Op.String(), "id", entry.target, "correlation_id", corr)
		return
	}
	g.log.Warn("send not confirmed", "correlation_id", corr)
	if g.store.MarkFailed(corr) {
		g.onChange()
	}
}

// onApplied resolves handles answered by a live event. Runs as an engine hook.
func (g *CommandGateway) onApplied(ev Event, outcome Outcome, m Message) {
	if outcome == Dropped || len(g.inflight) == 0 {
		return
	}
	switch ev := ev.(type) {
	case Created:
		g.onConfirmed(m)
	case Edited:
		g.confirm(OpEdit, ev.CorrelationID, ev.ID)
	case Deleted:
		g.confirm(OpDelete, ev.CorrelationID, ev.ID)
	}
}

// onConfirmed resolves the send that m confirms, whether it arrived live or
// through a history merge.
func (g *CommandGateway) onConfirmed(m Message) {
	if m.CorrelationID == "" {
		return
	}
	if entry, ok := g.inflight[m.CorrelationID]; ok && entry.handle.Op == OpSend {
		g.finish(m.CorrelationID, m.ID, nil)
		g.metrics.command(OpSend, "confirmed")
	}
}

// confirm resolves the edit or delete matching corr, or failing that the
// oldest one aimed at target.
func (g *CommandGateway) confirm(op CommandOp, corr, target string) {
	if entry, ok := g.inflight[corr]; ok && corr != "" && entry.handle.Op == op {
		g.finish(corr, target, nil)
		g.metrics.command(op, "confirmed")
		return
	}
	var oldest *inflight
	for _, entry := range g.inflight {
		if entry.handle.Op != op || entry.target != target {
			continue
		}
		if oldest == nil || entry.order < oldest.order {
			oldest = entry
		}
	}
	if oldest != nil {
		g.finish(oldest.handle.CorrelationID, target, nil)
		g.metrics.command(op, "confirmed")
	}
}

// reject resolves a command the server refused.
func (g *CommandGateway) reject(r Rejection) {
	entry, ok := g.inflight[r.CorrelationID]
	if !ok {
		g.log.Debug("rejection for unknown command", "correlation_id", r.CorrelationID)
		return
	}
	g.finish(r.CorrelationID, "", &CommandRejectedError{Op: entry.handle.Op, Reason: r.Reason})
	g.metrics.command(entry.handle.Op, "rejected")
	g.log.Warn("command rejected", "op", entry.handle.Op, "correlation_id", r.CorrelationID, "reason", r.Reason)
	if entry.handle.Op == OpSend && g.store.MarkFailed(r.CorrelationID) {
		g.onChange()
	}
}

// close resolves every in-flight command with ErrSessionClosed.
func (g *CommandGateway) close() {
	for corr := range g.inflight {
		g.finish(corr, "", ErrSessionClosed)
	}
}
