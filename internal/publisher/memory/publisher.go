// Package memory contains an in-process webhook publisher used when no
// broker is configured and in tests.
package memory

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeguard/internal/webhook"
)

// Publisher stores published webhook messages for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []webhook.Message
	closed   bool
	logger   *zap.Logger
}

// New returns a memory Publisher. logger may be nil.
func New(logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{logger: logger}
}

// Publish records msg. It fails with webhook.ErrPublisherClosed after Close.
func (p *Publisher) Publish(_ context.Context, msg webhook.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return webhook.ErrPublisherClosed
	}
	p.messages = append(p.messages, msg)
	p.logger.Debug("webhook event recorded",
		zap.String("event", string(msg.Event)),
		zap.String("job_id", msg.JobID),
	)
	return nil
}

// Messages returns the recorded publishes.
func (p *Publisher) Messages() []webhook.Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]webhook.Message, len(p.messages))
	copy(out, p.messages)
	return out
}

// State reports Connected until Close is called.
func (p *Publisher) State() webhook.State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return webhook.StateClosing
	}
	return webhook.StateConnected
}

// Close stops accepting messages.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
