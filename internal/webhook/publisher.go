// Package webhook publishes job lifecycle events to a RabbitMQ queue that a
// separate delivery service drains into subscriber webhooks.
//
// The Publisher keeps one lazily established broker connection. Concurrent
// callers share a single in-flight connection attempt, a broker-side close
// schedules a reconnect, and a publish that hits flow control waits for the
// channel to drain before writing.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/scrapeguard/internal/logging"
	"github.com/JakeFAU/scrapeguard/internal/metrics"
)

// Defaults applied by NewPublisher.
const (
	DefaultQueue          = "webhooks"
	DefaultReconnectDelay = 5 * time.Second
	DefaultDrainTimeout   = 30 * time.Second
	DefaultDialTimeout    = 30 * time.Second
)

// Config configures a Publisher.
type Config struct {
	URL            string
	Queue          string
	ReconnectDelay time.Duration
	DrainTimeout   time.Duration
	DialTimeout    time.Duration
	// SigningSecret, when set, signs every payload into SignatureHeader.
	SigningSecret string
}

// Option customizes a Publisher.
type Option func(*Publisher)

// WithDialer replaces the broker transport.
func WithDialer(dial DialFunc) Option {
	return func(p *Publisher) {
		p.dial = dial
	}
}

// Publisher delivers Messages to the webhook queue.
type Publisher struct {
	cfg    Config
	logger *zap.Logger
	dial   DialFunc
	group  singleflight.Group

	mu        sync.Mutex
	state     State
	conn      Connection
	ch        Channel
	closing   bool
	reconnect *time.Timer
	detach    []func()
}

// NewPublisher returns a disconnected Publisher. No connection is attempted
// until the first Connect or Publish.
func NewPublisher(cfg Config, logger *zap.Logger, opts ...Option) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = DefaultDrainTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	p := &Publisher{
		cfg:    cfg,
		logger: logging.ForModule(logger, "webhook-queue"),
		dial:   DialAMQP,
	}
	for _, opt := range opts {
		opt(p)
	}
	metrics.SetPublisherState(int(StateDisconnected))
	return p
}

// State returns the current connection state.
func (p *Publisher) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Publisher) setStateLocked(s State) {
	p.state = s
	metrics.SetPublisherState(int(s))
}

// Connect ensures a usable connection and channel. It returns immediately
// when already connected; concurrent callers share one attempt, each
// waiting no longer than its own ctx allows.
func (p *Publisher) Connect(ctx context.Context) error {
	p.mu.Lock()
	switch {
	case p.closing:
		p.mu.Unlock()
		return ErrPublisherClosed
	case p.conn != nil && p.ch != nil:
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if p.cfg.URL == "" {
		return ErrBrokerURLMissing
	}

	result := p.group.DoChan("connect", func() (any, error) {
		return nil, p.connect()
	})
	select {
	case r := <-result:
		return r.Err
	case <-ctx.Done():
		return fmt.Errorf("connect webhook broker: %w", ctx.Err())
	}
}

// connect performs one connection attempt. It is only entered through the
// singleflight group.
func (p *Publisher) connect() error {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return ErrPublisherClosed
	}
	if p.conn != nil && p.ch != nil {
		p.mu.Unlock()
		return nil
	}
	p.setStateLocked(StateConnecting)
	p.mu.Unlock()

	p.logger.Info("connecting to webhook broker", zap.String("queue", p.cfg.Queue))

	conn, ch, err := p.open()
	if err != nil {
		metrics.ObserveConnectAttempt("error")
		p.mu.Lock()
		if !p.closing {
			p.setStateLocked(StateDisconnected)
		}
		p.mu.Unlock()
		return err
	}

	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		_ = ch.Close()
		_ = conn.Close()
		return ErrPublisherClosed
	}
	p.conn, p.ch = conn, ch
	p.detach = []func(){
		conn.On(SignalClose, p.onConnectionClose(conn)),
		conn.On(SignalError, func(err error) {
			p.logger.Error("webhook broker connection error", zap.Error(err))
		}),
		ch.On(SignalClose, p.onChannelClose(conn, ch)),
		ch.On(SignalError, func(err error) {
			p.logger.Error("webhook broker channel error", zap.Error(err))
		}),
	}
	p.setStateLocked(StateConnected)
	p.mu.Unlock()

	metrics.ObserveConnectAttempt("ok")
	p.logger.Info("connected to webhook broker", zap.String("queue", p.cfg.Queue))
	return nil
}

func (p *Publisher) open() (Connection, Channel, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DialTimeout)
	defer cancel()

	conn, err := p.dial(ctx, p.cfg.URL)
	if err != nil {
		return nil, nil, &TransportError{Kind: KindConnect, Err: err}
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, &TransportError{Kind: KindChannelUnavailable, Err: err}
	}
	if err := ch.CheckQueue(p.cfg.Queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, nil, &TransportError{Kind: KindConnect, Err: err}
	}
	return conn, ch, nil
}

func (p *Publisher) onConnectionClose(conn Connection) func(error) {
	return func(err error) {
		p.mu.Lock()
		if p.conn != conn {
			p.mu.Unlock()
			return
		}
		detach := p.resetLocked()
		closing := p.closing
		if !closing {
			p.setStateLocked(StateDisconnected)
			p.scheduleReconnectLocked()
		}
		p.mu.Unlock()

		for _, d := range detach {
			d()
		}
		if !closing {
			p.logger.Warn("webhook broker connection closed", zap.Error(err),
				zap.Duration("reconnect_in", p.cfg.ReconnectDelay))
		}
	}
}

// onChannelClose tears the connection down when its channel dies so the
// connection close path drives the reconnect.
func (p *Publisher) onChannelClose(conn Connection, ch Channel) func(error) {
	return func(err error) {
		p.mu.Lock()
		stale := p.ch != ch || p.closing
		p.mu.Unlock()
		if stale {
			return
		}
		p.logger.Warn("webhook broker channel closed", zap.Error(err))
		if cerr := conn.Close(); cerr != nil {
			p.logger.Warn("close webhook broker connection", zap.Error(cerr))
		}
	}
}

func (p *Publisher) resetLocked() []func() {
	detach := p.detach
	p.conn, p.ch, p.detach = nil, nil, nil
	return detach
}

func (p *Publisher) scheduleReconnectLocked() {
	if p.reconnect != nil {
		p.reconnect.Stop()
	}
	p.reconnect = time.AfterFunc(p.cfg.ReconnectDelay, p.reconnectOnce)
}

func (p *Publisher) reconnectOnce() {
	err := p.Connect(context.Background())
	if err == nil || errors.Is(err, ErrPublisherClosed) {
		return
	}
	p.logger.Error("failed to reconnect to webhook broker", zap.Error(err))

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closing && p.conn == nil {
		p.scheduleReconnectLocked()
	}
}

// Publish serializes msg and writes it to the queue as a persistent message.
// Delivery is at-least-once.
func (p *Publisher) Publish(ctx context.Context, msg Message) error {
	ctx, span := otel.Tracer("scrapeguard/webhook").Start(ctx, "webhook.publish")
	defer span.End()
	span.SetAttributes(
		attribute.String("webhook.event", string(msg.Event)),
		attribute.String("job.id", msg.JobID),
	)

	err := p.publish(ctx, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.ObservePublish(string(msg.Event), "error")
		return err
	}
	metrics.ObservePublish(string(msg.Event), "ok")
	p.logger.Info("webhook message published to queue",
		zap.String("team_id", msg.TeamID),
		zap.String("job_id", msg.JobID),
		zap.String("event", string(msg.Event)),
	)
	return nil
}

func (p *Publisher) publish(ctx context.Context, msg Message) error {
	if err := p.Connect(ctx); err != nil {
		return fmt.Errorf("publish webhook: %w", err)
	}

	p.mu.Lock()
	ch := p.ch
	p.mu.Unlock()
	if ch == nil {
		return &TransportError{Kind: KindChannelUnavailable, Err: errors.New("no open channel")}
	}

	body, err := encode(msg, p.cfg.SigningSecret)
	if err != nil {
		return err
	}
	pub := amqp.Publishing{
		Headers:      amqp.Table{},
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.Payload.WebhookID,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(pub.Headers))

	return p.send(ctx, ch, pub, msg)
}

// send writes pub, waiting out flow control as often as needed within one
// DrainTimeout budget.
func (p *Publisher) send(ctx context.Context, ch Channel, pub amqp.Publishing, msg Message) error {
	var (
		timeout *time.Timer
		started time.Time
	)
	defer func() {
		if timeout != nil {
			timeout.Stop()
		}
	}()

	for {
		w := armDrainWaiter(ch)
		ok, err := ch.Publish(ctx, p.cfg.Queue, pub)
		if err != nil {
			w.release()
			return &TransportError{Kind: KindPublish, Err: err}
		}
		if ok {
			w.release()
			return nil
		}

		if timeout == nil {
			started = time.Now()
			timeout = time.NewTimer(p.cfg.DrainTimeout)
			p.logger.Warn("webhook message buffer full, waiting for drain",
				zap.String("team_id", msg.TeamID),
				zap.String("job_id", msg.JobID),
			)
		}
		outcome, err := w.wait(ctx, timeout.C)
		metrics.ObserveBackpressureWait(outcome, time.Since(started))
		if err != nil {
			return err
		}
	}
}

// drainWaiter races the ways a backpressured publish can end. Listeners are
// armed before the write so a drain between write and wait is not lost.
type drainWaiter struct {
	drained chan struct{}
	closed  chan error
	failed  chan error
	removes []func()
}

func armDrainWaiter(ch Channel) *drainWaiter {
	w := &drainWaiter{
		drained: make(chan struct{}, 1),
		closed:  make(chan error, 1),
		failed:  make(chan error, 1),
	}
	w.removes = []func(){
		ch.On(SignalDrain, func(error) {
			select {
			case w.drained <- struct{}{}:
			default:
			}
		}),
		ch.On(SignalClose, func(err error) {
			select {
			case w.closed <- err:
			default:
			}
		}),
		ch.On(SignalError, func(err error) {
			select {
			case w.failed <- err:
			default:
			}
		}),
	}
	return w
}

func (w *drainWaiter) release() {
	for _, remove := range w.removes {
		remove()
	}
}

func (w *drainWaiter) wait(ctx context.Context, timeout <-chan time.Time) (string, error) {
	defer w.release()

	// An error is always followed by a close; prefer reporting the error.
	select {
	case err := <-w.failed:
		return "error", &TransportError{Kind: KindChannelError, Err: err}
	default:
	}

	select {
	case <-w.drained:
		return "drained", nil
	case err := <-w.failed:
		return "error", &TransportError{Kind: KindChannelError, Err: err}
	case err := <-w.closed:
		select {
		case ferr := <-w.failed:
			return "error", &TransportError{Kind: KindChannelError, Err: ferr}
		default:
		}
		if err == nil {
			err = errors.New("channel closed while waiting for drain")
		}
		return "closed", &TransportError{Kind: KindChannelClosed, Err: err}
	case <-timeout:
		return "timeout", ErrDrainTimeout
	case <-ctx.Done():
		return "canceled", fmt.Errorf("wait for drain: %w", ctx.Err())
	}
}

// Close stops reconnecting and closes the channel and connection. The
// Publisher cannot be reused.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return nil
	}
	p.closing = true
	if p.reconnect != nil {
		p.reconnect.Stop()
		p.reconnect = nil
	}
	conn, ch := p.conn, p.ch
	detach := p.resetLocked()
	p.setStateLocked(StateClosing)
	p.mu.Unlock()

	for _, d := range detach {
		d()
	}

	var errs []error
	if ch != nil {
		if err := ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	p.logger.Info("webhook broker connection closed")
	return errors.Join(errs...)
}
