package transport

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// eventLoop runs posted callbacks one at a time, in post order, on a single
// goroutine. Posting never blocks, so it is safe while holding locks.
type eventLoop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	done    chan struct{}
	stopped bool
}

func newEventLoop() *eventLoop {
	l := &eventLoop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *eventLoop) post(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// stop lets already queued callbacks finish, then ends the loop.
func (l *eventLoop) stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// flush blocks until every callback posted before the call has run.
func (l *eventLoop) flush() {
	ch := make(chan struct{})
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.queue = append(l.queue, func() { close(ch) })
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-ch
}

func (l *eventLoop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			stopped := l.stopped
			l.mu.Unlock()
			if stopped {
				return
			}
			<-l.wake
			continue
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()
		l.invoke(fn)
	}
}

func (l *eventLoop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("component", "transport").Interface("panic", r).Msg("event callback panicked")
		}
	}()
	fn()
}
