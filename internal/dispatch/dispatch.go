// Package dispatch fans inbound events out to registered observers. Each
// observer runs on its own goroutine draining a FIFO queue, so events from one
// source reach a given observer in arrival order and no internal lock is held
// while observer code runs.
package dispatch

import (
	"sync"

	"go.uber.org/zap"

	"github.com/idwire/idwire/internal/transport"
)

// Observer consumes events. Callbacks may re-enter the core freely.
type Observer func(transport.Event)

// Dispatcher delivers published events to every subscriber.
type Dispatcher struct {
	mu     sync.RWMutex
	subs   map[int]*subscriber
	next   int
	closed bool
	log    *zap.Logger
}

// New builds an empty dispatcher.
func New(log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{subs: map[int]*subscriber{}, log: log}
}

// Subscribe registers an observer under a diagnostic name and returns its
// cancel function. The observer's queue is unbounded: delivery tracking and
// session bookkeeping must not lose events to backpressure.
func (d *Dispatcher) Subscribe(name string, fn Observer) (cancel func()) {
	sub := newSubscriber(name, fn, d.log)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		sub.halt()
		return func() {}
	}
	id := d.next
	d.next++
	d.subs[id] = sub
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subs, id)
			d.mu.Unlock()
			// halt, not stop: an observer may cancel its own subscription
			// from inside its callback, and the run goroutine executing that
			// callback is the one that has to drain and exit.
			sub.halt()
		})
	}
}

// Publish enqueues the event for every current subscriber. Duplicates are not
// filtered here; consumers handle events idempotently.
func (d *Dispatcher) Publish(evt transport.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}
	for _, sub := range d.subs {
		sub.enqueue(evt)
	}
}

// Close stops all subscribers after their queues drain.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	subs := make([]*subscriber, 0, len(d.subs))
	for _, s := range d.subs {
		subs = append(subs, s)
	}
	d.subs = map[int]*subscriber{}
	d.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

type subscriber struct {
	name string
	fn   Observer
	log  *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []transport.Event
	stopped bool
	done    chan struct{}
}

func newSubscriber(name string, fn Observer, log *zap.Logger) *subscriber {
	s := &subscriber{name: name, fn: fn, log: log, done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

func (s *subscriber) enqueue(evt transport.Event) {
	s.mu.Lock()
	if !s.stopped {
		s.queue = append(s.queue, evt)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

// halt marks the subscriber stopped and returns without waiting. The run
// goroutine drains the remaining queue and exits on its own, so halting is
// safe from inside the subscriber's own callback.
func (s *subscriber) halt() {
	s.mu.Lock()
	s.stopped = true
	s.cond.Signal()
	s.mu.Unlock()
}

// stop halts and waits for the drain. Only for foreign goroutines.
func (s *subscriber) stop() {
	s.halt()
	<-s.done
}

func (s *subscriber) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.stopped {
			s.mu.Unlock()
			return
		}
		evt := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.deliver(evt)
	}
}

// deliver invokes the observer outside any dispatcher lock and contains panics
// so one observer cannot take down the event loop.
func (s *subscriber) deliver(evt transport.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("observer panic",
				zap.String("observer", s.name),
				zap.String("kind", evt.Kind.String()),
				zap.Any("reason", r),
			)
		}
	}()
	s.fn(evt)
}
