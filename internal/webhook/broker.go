package webhook

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Signal is a lifecycle notification raised by a broker connection or channel.
type Signal int

// Broker signals.
const (
	// SignalDrain reports that a saturated channel accepts writes again.
	SignalDrain Signal = iota
	// SignalClose reports that the connection or channel is gone.
	SignalClose
	// SignalError reports a broker-side failure. It precedes SignalClose.
	SignalError
)

// Connection is a broker connection.
type Connection interface {
	Channel() (Channel, error)
	On(sig Signal, fn func(error)) (remove func())
	Close() error
}

// Channel publishes to queues on a Connection.
type Channel interface {
	// CheckQueue passively asserts that the queue exists.
	CheckQueue(name string) error
	// Publish writes msg to queue. It returns false without writing when
	// the channel is under flow control; the caller should wait for
	// SignalDrain and try again.
	Publish(ctx context.Context, queue string, msg amqp.Publishing) (bool, error)
	On(sig Signal, fn func(error)) (remove func())
	Close() error
}

// DialFunc opens a broker connection.
type DialFunc func(ctx context.Context, url string) (Connection, error)

// emitter fans signals out to registered listeners.
type emitter struct {
	mu        sync.Mutex
	nextID    int
	listeners map[Signal]map[int]func(error)
}

func (e *emitter) on(sig Signal, fn func(error)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.listeners == nil {
		e.listeners = make(map[Signal]map[int]func(error))
	}
	if e.listeners[sig] == nil {
		e.listeners[sig] = make(map[int]func(error))
	}
	id := e.nextID
	e.nextID++
	e.listeners[sig][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			delete(e.listeners[sig], id)
		})
	}
}

// emit runs the listeners for sig outside the lock so they may deregister.
func (e *emitter) emit(sig Signal, err error) {
	e.mu.Lock()
	fns := make([]func(error), 0, len(e.listeners[sig]))
	for _, fn := range e.listeners[sig] {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(err)
	}
}

func (e *emitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, m := range e.listeners {
		n += len(m)
	}
	return n
}
