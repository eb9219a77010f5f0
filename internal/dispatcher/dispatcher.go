// Package dispatcher manages worker fan-out over the job queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeguard/internal/crawler"
	"github.com/JakeFAU/scrapeguard/internal/worker"
)

// ErrBusy is returned by Submit when the queue has no room for the job.
var ErrBusy = errors.New("dispatcher busy")

// nonBlockingQueue is implemented by queues that can refuse work instead of
// waiting for capacity.
type nonBlockingQueue interface {
	TryEnqueue(job crawler.QueueItem) error
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   crawler.Queue
	workers []*worker.Worker
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(queue crawler.Queue, workers []*worker.Worker, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   queue,
		workers: workers,
		logger:  logger,
	}
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Info("dispatcher started", zap.Int("workers", len(d.workers)))
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
	d.logger.Info("dispatcher stopped")
}

// Enqueue proxies to the underlying queue, waiting for capacity.
func (d *Dispatcher) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Submit enqueues without waiting when the queue supports it and reports
// ErrBusy if it is full.
func (d *Dispatcher) Submit(ctx context.Context, item crawler.QueueItem) error {
	q, ok := d.queue.(nonBlockingQueue)
	if !ok {
		return d.Enqueue(ctx, item)
	}
	if err := q.TryEnqueue(item); err != nil {
		d.logger.Warn("job rejected", zap.String("job_id", item.JobID), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrBusy, err)
	}
	return nil
}
