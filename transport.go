package livechat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Transport contract
// ============================================================================

// Transport opens connections to the realtime endpoint.
type Transport interface {
	// Connect dials url and returns once the connection is open. Errors
	// should be *TransportError when the category is known.
	Connect(ctx context.Context, url string, header http.Header) (Conn, error)
}

// Conn is one open connection. Subscribe, Unsubscribe and Publish queue the
// command and return without waiting on the network. Frames is closed when
// the connection ends; Err then reports why.
type Conn interface {
	Subscribe(topic string) error
	Unsubscribe(topic string) error
	Publish(destination string, payload []byte) error
	Frames() <-chan Frame
	Err() error
	Close() error
}

// ============================================================================
// Wire envelope
// ============================================================================

// wireEnvelope is the JSON frame exchanged with the realtime endpoint.
type wireEnvelope struct {
	Type        string          `json:"type"`
	Topic       string          `json:"topic,omitempty"`
	Destination string          `json:"destination,omitempty"`
	Body        json.RawMessage `json:"body,omitempty"`
	RequestID   string          `json:"requestId,omitempty"`
	Code        string          `json:"code,omitempty"`
	Message     string          `json:"message,omitempty"`
}

const (
	wireConnected   = "connected"
	wireError       = "error"
	wireMessage     = "message"
	wireSubscribe   = "subscribe"
	wireUnsubscribe = "unsubscribe"
	wirePublish     = "publish"
	wirePing        = "ping"
	wirePong        = "pong"
)

// errorCategory maps a server error code onto a reason category.
func errorCategory(code string) ReasonCategory {
	switch strings.ToLower(code) {
	case "unauthorized", "forbidden", "auth", "token_expired":
		return ReasonAuth
	}
	return ReasonProtocol
}

// ============================================================================
// WSTransport
// ============================================================================

// WSConfig configures the WebSocket transport.
type WSConfig struct {
	HeartbeatInterval time.Duration
	PingTimeout       time.Duration
	OutboundBuffer    int
	InboundBuffer     int
	HTTPClient        *http.Client
	Logger            *slog.Logger
}

func (c *WSConfig) defaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.PingTimeout == 0 {
		c.PingTimeout = 10 * time.Second
	}
	if c.OutboundBuffer == 0 {
		c.OutboundBuffer = 64
	}
	if c.InboundBuffer == 0 {
		c.InboundBuffer = 64
	}
	if c.Logger == nil {
		c.Logger = discardLogger()
	}
}

// WSTransport implements Transport over a WebSocket carrying JSON envelopes.
type WSTransport struct {
	config WSConfig
}

// NewWSTransport creates a WebSocket transport.
func NewWSTransport(config *WSConfig) *WSTransport {
	var c WSConfig
	if config != nil {
		c = *config
	}
	c.defaults()
	return &WSTransport{config: c}
}

// Connect dials the endpoint and waits for the "connected" handshake frame.
func (t *WSTransport) Connect(ctx context.Context, url string, header http.Header) (Conn, error) {
	url = strings.Replace(url, "https://", "wss://", 1)
	url = strings.Replace(url, "http://", "ws://", 1)

	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: header,
		HTTPClient: t.config.HTTPClient,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &TransportError{Category: ReasonAuth, Err: fmt.Errorf("websocket dial: HTTP %d", resp.StatusCode)}
		}
		return nil, &TransportError{Category: ReasonTransport, Err: fmt.Errorf("websocket dial: %w", err)}
	}

	// The first frame must confirm the session.
	_, data, err := conn.Read(ctx)
	if err != nil {
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, &TransportError{Category: ReasonTransport, Err: fmt.Errorf("read handshake: %w", err)}
	}
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		conn.Close(websocket.StatusProtocolError, "bad handshake")
		return nil, &TransportError{Category: ReasonProtocol, Err: fmt.Errorf("decode handshake: %w", err)}
	}
	switch env.Type {
	case wireConnected:
	case wireError:
		conn.Close(websocket.StatusNormalClosure, "")
		return nil, &TransportError{Category: errorCategory(env.Code), Err: errors.New(env.Message)}
	default:
		conn.Close(websocket.StatusProtocolError, "bad handshake")
		return nil, &TransportError{Category: ReasonProtocol, Err: fmt.Errorf("expected %q, got %q", wireConnected, env.Type)}
	}

	return newWSConn(conn, t.config), nil
}

// ============================================================================
// wsConn
// ============================================================================

type wsConn struct {
	conn   *websocket.Conn
	config WSConfig
	log    *slog.Logger

	frames   chan Frame
	outbound chan wireEnvelope
	ctx      context.Context
	cancel   context.CancelFunc

	mu           sync.Mutex
	err          error
	pingCounter  int
	pendingPings map[string]chan struct{}
}

func newWSConn(conn *websocket.Conn, config WSConfig) *wsConn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &wsConn{
		conn:         conn,
		config:       config,
		log:          config.Logger.With("component", "ws"),
		frames:       make(chan Frame, config.InboundBuffer),
		outbound:     make(chan wireEnvelope, config.OutboundBuffer),
		ctx:          ctx,
		cancel:       cancel,
		pendingPings: make(map[string]chan struct{}),
	}
	go c.readLoop()
	go c.writeLoop()
	go c.heartbeatLoop()
	return c
}

func (c *wsConn) Frames() <-chan Frame { return c.frames }

func (c *wsConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *wsConn) Subscribe(topic string) error {
	return c.send(wireEnvelope{Type: wireSubscribe, Topic: topic})
}

func (c *wsConn) Unsubscribe(topic string) error {
	return c.send(wireEnvelope{Type: wireUnsubscribe, Topic: topic})
}

// Publish sends payload verbatim; the envelope carries it as a JSON string
// so plain text bodies survive framing.
func (c *wsConn) Publish(destination string, payload []byte) error {
	body, err := json.Marshal(string(payload))
	if err != nil {
		return &TransportError{Category: ReasonTransport, Err: err}
	}
	return c.send(wireEnvelope{Type: wirePublish, Destination: destination, Body: body})
}

// Close ends the connection; it is safe to call more than once.
func (c *wsConn) Close() error {
	c.fail(nil)
	return nil
}

func (c *wsConn) send(env wireEnvelope) error {
	select {
	case <-c.ctx.Done():
		return ErrNotConnected
	default:
	}
	select {
	case c.outbound <- env:
		return nil
	case <-c.ctx.Done():
		return ErrNotConnected
	default:
		return &TransportError{Category: ReasonTransport, Err: errors.New("outbound buffer full")}
	}
}

// fail records the first error and tears the connection down.
func (c *wsConn) fail(err error) {
	c.mu.Lock()
	select {
	case <-c.ctx.Done():
		c.mu.Unlock()
		return
	default:
	}
	c.err = err
	c.cancel()
	for k, ch := range c.pendingPings {
		close(ch)
		delete(c.pendingPings, k)
	}
	c.mu.Unlock()

	status, reason := websocket.StatusNormalClosure, "client disconnect"
	if err != nil {
		status, reason = websocket.StatusGoingAway, "connection failed"
	}
	_ = c.conn.Close(status, reason)
}

func (c *wsConn) readLoop() {
	defer close(c.frames)
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			c.fail(&TransportError{Category: ReasonTransport, Err: err})
			return
		}

		var env wireEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.log.Warn("dropping undecodable envelope", "error", err)
			continue
		}

		switch env.Type {
		case wireMessage:
			select {
			case c.frames <- Frame{Topic: env.Topic, Body: env.Body}:
			case <-c.ctx.Done():
				return
			}
		case wirePong:
			c.mu.Lock()
			ch, ok := c.pendingPings[env.RequestID]
			if ok {
				delete(c.pendingPings, env.RequestID)
			}
			c.mu.Unlock()
			if ok {
				close(ch)
			}
		case wireError:
			c.fail(&TransportError{Category: errorCategory(env.Code), Err: errors.New(env.Message)})
			return
		default:
			c.log.Debug("ignoring envelope", "type", env.Type)
		}
	}
}

func (c *wsConn) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case env := <-c.outbound:
			data, err := json.Marshal(env)
			if err != nil {
				c.log.Error("encode envelope", "error", err)
				continue
			}
			if err := c.conn.Write(c.ctx, websocket.MessageText, data); err != nil {
				c.fail(&TransportError{Category: ReasonTransport, Err: fmt.Errorf("write: %w", err)})
				return
			}
		}
	}
}

func (c *wsConn) heartbeatLoop() {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				c.fail(&TransportError{Category: ReasonTransport, Err: err})
				return
			}
		}
	}
}

// ping sends a ping and waits for the matching pong.
func (c *wsConn) ping() error {
	c.mu.Lock()
	c.pingCounter++
	requestID := fmt.Sprintf("ping-%d", c.pingCounter)
	ch := make(chan struct{})
	c.pendingPings[requestID] = ch
	c.mu.Unlock()

	if err := c.send(wireEnvelope{Type: wirePing, RequestID: requestID}); err != nil {
		c.forgetPing(requestID)
		return err
	}

	timer := time.NewTimer(c.config.PingTimeout)
	defer timer.Stop()
	select {
	case <-ch:
		return nil
	case <-timer.C:
		c.forgetPing(requestID)
		return errors.New("heartbeat timeout")
	case <-c.ctx.Done():
		return nil
	}
}

func (c *wsConn) forgetPing(requestID string) {
	c.mu.Lock()
	delete(c.pendingPings, requestID)
	c.mu.Unlock()
}
