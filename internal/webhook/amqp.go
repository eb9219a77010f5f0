package webhook

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const amqpHeartbeat = 10 * time.Second

// DialAMQP opens a RabbitMQ connection. Channels created from it run in
// confirm mode, so a publish returns only once the broker has acked it. The
// deadline of ctx bounds both the TCP connect and the AMQP handshake; the
// client clears the socket deadline once the handshake completes.
func DialAMQP(ctx context.Context, url string) (Connection, error) {
	var stopWatch func() bool
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: amqpHeartbeat,
		Locale:    "en_US",
		Dial: func(network, addr string) (net.Conn, error) {
			var d net.Dialer
			nc, err := d.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			if deadline, ok := ctx.Deadline(); ok {
				if err := nc.SetDeadline(deadline); err != nil {
					_ = nc.Close()
					return nil, fmt.Errorf("set handshake deadline: %w", err)
				}
			}
			stopWatch = context.AfterFunc(ctx, func() {
				_ = nc.SetDeadline(time.Now())
			})
			return nc, nil
		},
	})
	handshakeCut := stopWatch != nil && !stopWatch()
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	if handshakeCut {
		_ = conn.Close()
		return nil, fmt.Errorf("dial amqp: %w", context.Cause(ctx))
	}

	c := &amqpConnection{conn: conn}
	go c.watch(conn.NotifyClose(make(chan *amqp.Error, 1)), conn.NotifyBlocked(make(chan amqp.Blocking, 1)))
	return c, nil
}

type amqpConnection struct {
	conn    *amqp.Connection
	events  emitter
	mu      sync.Mutex
	blocked bool
}

func (c *amqpConnection) watch(closed <-chan *amqp.Error, blocked <-chan amqp.Blocking) {
	for {
		select {
		case b, ok := <-blocked:
			if !ok {
				blocked = nil
				continue
			}
			c.mu.Lock()
			c.blocked = b.Active
			c.mu.Unlock()
			if !b.Active {
				c.events.emit(SignalDrain, nil)
			}
		case amqpErr, ok := <-closed:
			if ok && amqpErr != nil {
				c.events.emit(SignalError, amqpErr)
				c.events.emit(SignalClose, amqpErr)
				return
			}
			c.events.emit(SignalClose, nil)
			return
		}
	}
}

func (c *amqpConnection) isBlocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocked
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}

	out := &amqpChannel{ch: ch, conn: c, flow: true}
	out.unblocked = c.events.on(SignalDrain, func(error) {
		if !out.paused() {
			out.events.emit(SignalDrain, nil)
		}
	})
	go out.watch(ch.NotifyClose(make(chan *amqp.Error, 1)), ch.NotifyFlow(make(chan bool, 1)))
	return out, nil
}

func (c *amqpConnection) On(sig Signal, fn func(error)) func() {
	return c.events.on(sig, fn)
}

func (c *amqpConnection) Close() error {
	if c.conn.IsClosed() {
		return nil
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("close amqp connection: %w", err)
	}
	return nil
}

type amqpChannel struct {
	ch        *amqp.Channel
	conn      *amqpConnection
	events    emitter
	unblocked func()

	mu   sync.Mutex
	flow bool
}

func (c *amqpChannel) watch(closed <-chan *amqp.Error, flow <-chan bool) {
	defer c.unblocked()
	for {
		select {
		case active, ok := <-flow:
			if !ok {
				flow = nil
				continue
			}
			c.mu.Lock()
			c.flow = active
			c.mu.Unlock()
			if active && !c.conn.isBlocked() {
				c.events.emit(SignalDrain, nil)
			}
		case amqpErr, ok := <-closed:
			if ok && amqpErr != nil {
				c.events.emit(SignalError, amqpErr)
				c.events.emit(SignalClose, amqpErr)
				return
			}
			c.events.emit(SignalClose, nil)
			return
		}
	}
}

func (c *amqpChannel) paused() bool {
	c.mu.Lock()
	flow := c.flow
	c.mu.Unlock()
	return !flow || c.conn.isBlocked()
}

func (c *amqpChannel) CheckQueue(name string) error {
	if _, err := c.ch.QueueDeclarePassive(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("check queue %q: %w", name, err)
	}
	return nil
}

func (c *amqpChannel) Publish(ctx context.Context, queue string, msg amqp.Publishing) (bool, error) {
	if c.paused() {
		return false, nil
	}
	confirm, err := c.ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, false, false, msg)
	if err != nil {
		return false, fmt.Errorf("publish to %q: %w", queue, err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return false, fmt.Errorf("await publisher confirm: %w", err)
	}
	if !acked {
		return false, fmt.Errorf("broker nacked delivery %d", confirm.DeliveryTag)
	}
	return true, nil
}

func (c *amqpChannel) On(sig Signal, fn func(error)) func() {
	return c.events.on(sig, fn)
}

func (c *amqpChannel) Close() error {
	if c.ch.IsClosed() {
		return nil
	}
	if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("close amqp channel: %w", err)
	}
	return nil
}
