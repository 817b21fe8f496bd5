package livechat

import (
	"log/slog"
	"sync"
)

// eventQueue runs every mutation of a session on one goroutine, in the order
// it was posted.
type eventQueue struct {
	in   chan func()
	quit chan struct{}
	done chan struct{}
	log  *slog.Logger

	once sync.Once
}

func newEventQueue(size int, log *slog.Logger) *eventQueue {
	return &eventQueue{
		in:   make(chan func(), size),
		quit: make(chan struct{}),
		done: make(chan struct{}),
		log:  log,
	}
}

func (q *eventQueue) run() {
	defer close(q.done)
	for {
		select {
		case <-q.quit:
			return
		case fn := <-q.in:
			select {
			case <-q.quit:
				return
			default:
			}
			q.exec(fn)
		}
	}
}

func (q *eventQueue) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("panic in session queue", "panic", r)
		}
	}()
	fn()
}

// post schedules fn and reports false once the queue is stopped. It must
// not be called from the queue goroutine itself when the buffer may be full.
func (q *eventQueue) post(fn func()) bool {
	select {
	case <-q.quit:
		return false
	default:
	}
	select {
	case q.in <- fn:
		return true
	case <-q.quit:
		return false
	}
}

// call runs fn on the queue and waits for it.
func (q *eventQueue) call(fn func()) bool {
	finished := make(chan struct{})
	ok := q.post(func() {
		defer close(finished)
		fn()
	})
	if !ok {
		return false
	}
	select {
	case <-finished:
		return true
	case <-q.done:
		return false
	}
}

// stop halts the queue after the currently running function returns.
// Functions still buffered are dropped.
func (q *eventQueue) stop() {
	q.once.Do(func() { close(q.quit) })
	<-q.done
}
