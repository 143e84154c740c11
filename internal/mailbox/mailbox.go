// Package mailbox hands values from any number of goroutines to a single
// consumer, in the order they were posted, without ever blocking the sender.
package mailbox

import "sync"

// Mailbox is an unbounded FIFO with a wakeup channel.
type Mailbox[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	notify chan struct{}
}

func New[T any]() *Mailbox[T] {
	return &Mailbox[T]{
		notify: make(chan struct{}, 1),
	}
}

// Post enqueues v. It reports false once the mailbox is closed.
func (m *Mailbox[T]) Post(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items = append(m.items, v)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

// Notify fires whenever items may be waiting. Always Drain after a receive.
func (m *Mailbox[T]) Notify() <-chan struct{} {
	return m.notify
}

// Drain removes and returns everything queued so far.
func (m *Mailbox[T]) Drain() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items
	m.items = nil
	return items
}

func (m *Mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Close drops anything queued and rejects further posts.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	m.closed = true
	m.items = nil
	m.mu.Unlock()
}

// Worker delivers posted values to fn on a dedicated goroutine, in order.
type Worker[T any] struct {
	box    *Mailbox[T]
	fn     func(T)
	quit   chan struct{}
	exited chan struct{}
	once   sync.Once
}

// Go starts a worker calling fn for every posted value.
func Go[T any](fn func(T)) *Worker[T] {
	w := &Worker[T]{
		box:    New[T](),
		fn:     fn,
		quit:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Worker[T]) Post(v T) bool {
	return w.box.Post(v)
}

// Stop discards undelivered values and waits for an in-flight fn call to
// return. It must not be called from inside fn.
func (w *Worker[T]) Stop() {
	w.once.Do(func() {
		w.box.Close()
		close(w.quit)
	})
	<-w.exited
}

func (w *Worker[T]) run() {
	defer close(w.exited)
	for {
		select {
		case <-w.quit:
			return
		case <-w.box.Notify():
			for _, v := range w.box.Drain() {
				select {
				case <-w.quit:
					return
				default:
				}
				w.fn(v)
			}
		}
	}
}
