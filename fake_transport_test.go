package livechat

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"
)

// fakeTransport hands out in-memory connections. Dial errors queued with
// failNext are returned in order before dials start succeeding.
type fakeTransport struct {
	mu      sync.Mutex
	errs    []error
	failAll error
	hold    chan struct{}
	dials   int
	headers []http.Header
	conns   []*fakeConn
	dialed  chan *fakeConn
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{dialed: make(chan *fakeConn, 32)}
}

func (t *fakeTransport) Connect(ctx context.Context, url string, header http.Header) (Conn, error) {
	t.mu.Lock()
	t.dials++
	t.headers = append(t.headers, header)
	hold := t.hold
	var err error
	switch {
	case len(t.errs) > 0:
		err, t.errs = t.errs[0], t.errs[1:]
	case t.failAll != nil:
		err = t.failAll
	}
	t.mu.Unlock()

	if hold != nil {
		<-hold
	}
	if err != nil {
		return nil, err
	}

	c := newFakeConn()
	t.mu.Lock()
	t.conns = append(t.conns, c)
	t.mu.Unlock()
	t.dialed <- c
	return c, nil
}

func (t *fakeTransport) FailNext(errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errs = append(t.errs, errs...)
}

func (t *fakeTransport) FailAll(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failAll = err
}

func (t *fakeTransport) Hold() chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hold = make(chan struct{})
	return t.hold
}

func (t *fakeTransport) Dials() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dials
}

func (t *fakeTransport) LastHeader() http.Header {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.headers) == 0 {
		return nil
	}
	return t.headers[len(t.headers)-1]
}

// WaitConn returns the next connection handed out, failing the test after
// a second.
func (t *fakeTransport) WaitConn(tb testing.TB) *fakeConn {
	tb.Helper()
	select {
	case c := <-t.dialed:
		return c
	case <-time.After(time.Second):
		tb.Fatal("no connection dialed")
		return nil
	}
}

type published struct {
	Destination string
	Payload     []byte
}

type fakeConn struct {
	mu        sync.Mutex
	subs      []string
	unsubs    []string
	published []published
	frames    chan Frame
	err       error
	closed    bool
	once      sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan Frame, 64)}
}

func (c *fakeConn) Subscribe(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, topic)
	return nil
}

func (c *fakeConn) Unsubscribe(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubs = append(c.unsubs, topic)
	return nil
}

func (c *fakeConn) Publish(destination string, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, published{Destination: destination, Payload: payload})
	return nil
}

func (c *fakeConn) Frames() <-chan Frame { return c.frames }

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) Close() error {
	c.end(nil)
	return nil
}

// Drop ends the connection from the server side.
func (c *fakeConn) Drop(err error) { c.end(err) }

func (c *fakeConn) end(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.err = err
		c.closed = true
		c.mu.Unlock()
		close(c.frames)
	})
}

// Push delivers a frame as if the server sent it.
func (c *fakeConn) Push(topic string, body string) {
	c.frames <- Frame{Topic: topic, Body: []byte(body)}
}

func (c *fakeConn) Subs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.subs...)
}

func (c *fakeConn) Unsubs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.unsubs...)
}

func (c *fakeConn) Published() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.published...)
}

func (c *fakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func startQueue(t *testing.T) *eventQueue {
	t.Helper()
	q := newEventQueue(64, discardLogger())
	go q.run()
	t.Cleanup(q.stop)
	return q
}
