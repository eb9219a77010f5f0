package webhook

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeBroker hands out in-memory connections and counts dials.
type fakeBroker struct {
	dials atomic.Int32
	// gate, when set, holds every dial until it is closed.
	gate chan struct{}

	mu           sync.Mutex
	dialErr      error
	missingQueue bool
	conns        []*fakeConn
}

func (b *fakeBroker) dial(ctx context.Context, _ string) (Connection, error) {
	b.dials.Add(1)
	if b.gate != nil {
		select {
		case <-b.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	c := &fakeConn{}
	c.ch = &fakeChannel{
		conn:         c,
		attempts:     make(chan struct{}, 16),
		missingQueue: b.missingQueue,
	}
	b.conns = append(b.conns, c)
	return c, nil
}

func (b *fakeBroker) setDialErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

func (b *fakeBroker) last() *fakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.conns) == 0 {
		return nil
	}
	return b.conns[len(b.conns)-1]
}

type fakeConn struct {
	events emitter
	ch     *fakeChannel
	closed atomic.Bool
}

func (c *fakeConn) Channel() (Channel, error) { return c.ch, nil }

func (c *fakeConn) On(sig Signal, fn func(error)) func() { return c.events.on(sig, fn) }

func (c *fakeConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.events.emit(SignalClose, nil)
	return nil
}

// drop simulates the broker tearing the connection down.
func (c *fakeConn) drop(err error) {
	if c.closed.Swap(true) {
		return
	}
	c.events.emit(SignalError, err)
	c.events.emit(SignalClose, err)
}

type fakeChannel struct {
	conn         *fakeConn
	events       emitter
	attempts     chan struct{}
	missingQueue bool
	closed       atomic.Bool

	mu         sync.Mutex
	full       bool
	publishErr error
	published  []amqp.Publishing
}

func (c *fakeChannel) CheckQueue(name string) error {
	if c.missingQueue {
		return errors.New("NOT_FOUND - no queue '" + name + "'")
	}
	return nil
}

func (c *fakeChannel) Publish(_ context.Context, _ string, msg amqp.Publishing) (bool, error) {
	c.mu.Lock()
	full, err := c.full, c.publishErr
	if err == nil && !full {
		c.published = append(c.published, msg)
	}
	c.mu.Unlock()

	if err != nil {
		return false, err
	}
	if full {
		c.attempts <- struct{}{}
		return false, nil
	}
	return true, nil
}

func (c *fakeChannel) On(sig Signal, fn func(error)) func() { return c.events.on(sig, fn) }

func (c *fakeChannel) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.events.emit(SignalClose, nil)
	return nil
}

func (c *fakeChannel) setFull(full bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.full = full
}

func (c *fakeChannel) drain() {
	c.setFull(false)
	c.events.emit(SignalDrain, nil)
}

func (c *fakeChannel) fail(err error) {
	c.closed.Store(true)
	c.events.emit(SignalError, err)
	c.events.emit(SignalClose, err)
}

func (c *fakeChannel) messages() []amqp.Publishing {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]amqp.Publishing, len(c.published))
	copy(out, c.published)
	return out
}
